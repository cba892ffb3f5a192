package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/backoff"
	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/httputil"
)

const (
	userAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxRedirects = 3
	maxBodyBytes = 8 << 20
)

// HTTPFetcher serves sources that need no login. Transient failures (wire
// errors, 5xx, 429) are retried per the backoff policy; 4xx outcomes are
// classified once and surfaced immediately.
type HTTPFetcher struct {
	client  *http.Client
	policy  backoff.Policy
	timeout time.Duration

	mu       sync.Mutex
	minGap   time.Duration
	lastCall time.Time
}

func NewHTTPFetcher(clients *httputil.Clients, policy backoff.Policy, timeout, minGap time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client:  clients.Scraping,
		policy:  policy,
		timeout: timeout,
		minGap:  minGap,
	}
}

func (f *HTTPFetcher) FetchIndex(ctx context.Context, src *config.SourceConfig, page int) (*RawPage, error) {
	return f.get(ctx, src.PageURL(page))
}

func (f *HTTPFetcher) FetchDetail(ctx context.Context, src *config.SourceConfig, url string) (*RawPage, error) {
	return f.get(ctx, url)
}

func (f *HTTPFetcher) FetchResource(ctx context.Context, url string) ([]byte, error) {
	page, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return page.Body, nil
}

func (f *HTTPFetcher) Close() {}

func (f *HTTPFetcher) get(ctx context.Context, rawURL string) (*RawPage, error) {
	var page *RawPage
	err := f.policy.Retry(ctx, func() error {
		f.throttle()

		p, err := f.getOnce(ctx, rawURL)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// throttle enforces the per-source minimum gap between requests.
func (f *HTTPFetcher) throttle() {
	if f.minGap <= 0 {
		return
	}
	f.mu.Lock()
	wait := f.minGap - time.Since(f.lastCall)
	f.lastCall = time.Now().Add(wait)
	f.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}
}

func (f *HTTPFetcher) getOnce(ctx context.Context, rawURL string) (*RawPage, error) {
	url := rawURL
	for hop := 0; ; hop++ {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return nil, backoff.Permanent(&Error{Kind: KindNetwork, URL: url, Err: err})
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Accept-Language", "en;q=0.9")

		resp, err := f.client.Do(req)
		if err != nil {
			cancel()
			return nil, &Error{Kind: KindNetwork, URL: url, Err: err}
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		resp.Body.Close()
		cancel()

		switch {
		case resp.StatusCode == http.StatusOK:
			if readErr != nil {
				return nil, &Error{Kind: KindNetwork, URL: url, Err: readErr}
			}
			return NewRawPage(url, body), nil

		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			loc := resp.Header.Get("Location")
			if loc == "" || hop >= maxRedirects {
				return nil, backoff.Permanent(&Error{Kind: KindNotFound, URL: url,
					Err: fmt.Errorf("redirect loop (status %d)", resp.StatusCode)})
			}
			if ref, err := resp.Request.URL.Parse(loc); err == nil {
				url = ref.String()
			} else {
				url = loc
			}
			continue

		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, backoff.Permanent(&Error{Kind: KindNotFound, URL: url,
				Err: fmt.Errorf("status %d", resp.StatusCode)})

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, backoff.Permanent(&Error{Kind: KindAuth, URL: url,
				Err: fmt.Errorf("status %d", resp.StatusCode)})

		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, &Error{Kind: KindNetwork, URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}

		default:
			return nil, backoff.Permanent(&Error{Kind: KindNetwork, URL: url,
				Err: fmt.Errorf("status %d", resp.StatusCode)})
		}
	}
}
