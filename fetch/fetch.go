// Package fetch acquires listing-index and listing-detail pages, optionally
// through an authenticated browser session. Callers only ever see RawPage
// or a typed Error; session internals stay behind the Fetcher interface.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Benrotm/real-estate-mls-sub003/backoff"
	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/httputil"
)

type Kind string

const (
	KindNetwork  Kind = "network"
	KindAuth     Kind = "auth"
	KindNotFound Kind = "not_found"
)

// Error classifies a fetch failure. Network and not_found are per-URL
// concerns; auth is fatal to the whole job after one re-login attempt.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a fetch Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// RawPage is fetched markup plus a lazily parsed DOM.
type RawPage struct {
	URL  string
	Body []byte

	doc *goquery.Document
}

func NewRawPage(url string, body []byte) *RawPage {
	return &RawPage{URL: url, Body: body}
}

// Document parses the body once and caches the result.
func (p *RawPage) Document() (*goquery.Document, error) {
	if p.doc != nil {
		return p.doc, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.URL, err)
	}
	p.doc = doc
	return doc, nil
}

// Fetcher acquires pages for one source during one job.
type Fetcher interface {
	FetchIndex(ctx context.Context, src *config.SourceConfig, page int) (*RawPage, error)
	FetchDetail(ctx context.Context, src *config.SourceConfig, url string) (*RawPage, error)
	FetchResource(ctx context.Context, url string) ([]byte, error)
	Close()
}

// Factory builds a per-job Fetcher; the engine injects a fake in tests.
type Factory func(src *config.SourceConfig) (Fetcher, error)

// NewFactory picks the browser fetcher for sources with auth configured and
// the plain HTTP fetcher for everything else.
func NewFactory(clients *httputil.Clients, policy backoff.Policy, timeout time.Duration) Factory {
	return func(src *config.SourceConfig) (Fetcher, error) {
		if src.Auth != nil {
			return NewBrowserFetcher(src, clients, timeout), nil
		}
		return NewHTTPFetcher(clients, policy, timeout, time.Duration(src.RateLimitMS)*time.Millisecond), nil
	}
}
