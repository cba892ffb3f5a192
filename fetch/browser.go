package fetch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/httputil"
)

// BrowserFetcher drives a real browser for sources that require a login
// session. The session is established before the first request of a job and
// reused; a mid-run redirect back to the login page triggers exactly one
// re-authentication before the job is failed with an auth error.
type BrowserFetcher struct {
	src      *config.SourceConfig
	timeout  time.Duration
	resource *http.Client

	mu          sync.Mutex
	pw          *playwright.Playwright
	browser     playwright.Browser
	page        playwright.Page
	initialized bool
	reauthed    bool
}

func NewBrowserFetcher(src *config.SourceConfig, clients *httputil.Clients, timeout time.Duration) *BrowserFetcher {
	return &BrowserFetcher{
		src:      src,
		timeout:  timeout,
		resource: clients.Scraping,
	}
}

func (b *BrowserFetcher) FetchIndex(ctx context.Context, src *config.SourceConfig, page int) (*RawPage, error) {
	return b.fetch(ctx, src.PageURL(page))
}

func (b *BrowserFetcher) FetchDetail(ctx context.Context, src *config.SourceConfig, url string) (*RawPage, error) {
	return b.fetch(ctx, url)
}

// FetchResource downloads a subresource (phone images and the like) over
// plain HTTP; those are served without the session on every site seen so far.
func (b *BrowserFetcher) FetchResource(ctx context.Context, url string) ([]byte, error) {
	f := &HTTPFetcher{client: b.resource, timeout: b.timeout}
	f.policy.MaxAttempts = 1
	return f.FetchResource(ctx, url)
}

func (b *BrowserFetcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.page != nil {
		b.page.Close()
		b.page = nil
	}
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.pw != nil {
		b.pw.Stop()
		b.pw = nil
	}
	b.initialized = false
}

// fetch serializes all navigation on the single session page.
func (b *BrowserFetcher) fetch(ctx context.Context, url string) (*RawPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	if err := b.ensureSession(); err != nil {
		return nil, err
	}

	content, err := b.navigate(url)
	if err != nil {
		return nil, err
	}

	if b.onLoginPage() {
		if b.reauthed {
			return nil, &Error{Kind: KindAuth, URL: url, Err: fmt.Errorf("session lost after re-login")}
		}
		b.reauthed = true
		if err := b.login(); err != nil {
			return nil, err
		}
		if content, err = b.navigate(url); err != nil {
			return nil, err
		}
		if b.onLoginPage() {
			return nil, &Error{Kind: KindAuth, URL: url, Err: fmt.Errorf("still on login page after re-login")}
		}
	}

	return NewRawPage(url, []byte(content)), nil
}

func (b *BrowserFetcher) ensureSession() error {
	if b.initialized {
		return nil
	}

	var err error
	b.pw, err = playwright.Run()
	if err != nil {
		return &Error{Kind: KindNetwork, URL: b.src.Auth.LoginURL, Err: fmt.Errorf("start playwright: %w", err)}
	}

	b.browser, err = b.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		return &Error{Kind: KindNetwork, URL: b.src.Auth.LoginURL, Err: fmt.Errorf("launch browser: %w", err)}
	}

	b.page, err = b.browser.NewPage()
	if err != nil {
		return &Error{Kind: KindNetwork, URL: b.src.Auth.LoginURL, Err: fmt.Errorf("new page: %w", err)}
	}

	b.initialized = true
	return b.login()
}

func (b *BrowserFetcher) login() error {
	auth := b.src.Auth
	timeoutMS := playwright.Float(float64(b.timeout.Milliseconds()))

	_, err := b.page.Goto(auth.LoginURL, playwright.PageGotoOptions{
		Timeout:   timeoutMS,
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return &Error{Kind: KindNetwork, URL: auth.LoginURL, Err: err}
	}

	if err := b.page.Locator(auth.UsernameSelector).Fill(auth.Username); err != nil {
		return &Error{Kind: KindAuth, URL: auth.LoginURL, Err: fmt.Errorf("fill username: %w", err)}
	}
	if err := b.page.Locator(auth.PasswordSelector).Fill(auth.Password); err != nil {
		return &Error{Kind: KindAuth, URL: auth.LoginURL, Err: fmt.Errorf("fill password: %w", err)}
	}
	if err := b.page.Locator(auth.SubmitSelector).Click(); err != nil {
		return &Error{Kind: KindAuth, URL: auth.LoginURL, Err: fmt.Errorf("submit login: %w", err)}
	}

	b.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: timeoutMS,
	})

	if b.onLoginPage() {
		return &Error{Kind: KindAuth, URL: auth.LoginURL, Err: fmt.Errorf("credentials rejected")}
	}
	return nil
}

func (b *BrowserFetcher) navigate(url string) (string, error) {
	_, err := b.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(b.timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return "", &Error{Kind: KindNetwork, URL: url, Err: err}
	}

	content, err := b.page.Content()
	if err != nil {
		return "", &Error{Kind: KindNetwork, URL: url, Err: err}
	}
	return content, nil
}

func (b *BrowserFetcher) onLoginPage() bool {
	current := b.page.URL()
	if current != "" && strings.HasPrefix(current, b.src.Auth.LoginURL) {
		return true
	}
	visible, _ := b.page.Locator(b.src.Auth.PasswordSelector).First().IsVisible()
	return visible
}

