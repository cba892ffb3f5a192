package engine

import (
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"

	"github.com/Benrotm/real-estate-mls-sub003/fetch"
)

// indexLinks pulls the detail-page links out of an index page,
// resolved to absolute URLs and deduplicated in document order.
func indexLinks(page *fetch.RawPage, selector string) ([]string, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}

	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("index url: %w", err)
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links, nil
}
