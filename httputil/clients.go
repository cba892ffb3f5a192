package httputil

import (
	"net/http"
	"net/url"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/config"
)

type Clients struct {
	Scraping *http.Client // target sites; optionally proxied, redirects surfaced
	API      *http.Client // geocoding and other service endpoints
}

// NewClients builds the shared HTTP clients. The scraping client never
// follows redirects so a redirect-to-login can be classified by the fetcher.
func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	scraping := &http.Client{
		Timeout:   30 * time.Second,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &Clients{
		Scraping: scraping,
		API:      &http.Client{Timeout: 30 * time.Second},
	}
}
