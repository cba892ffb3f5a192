// Package extract turns a fetched detail page into a canonical listing
// record by applying the source's selector map rule by rule.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/fetch"
	"github.com/Benrotm/real-estate-mls-sub003/geocode"
	"github.com/Benrotm/real-estate-mls-sub003/models"
	"github.com/Benrotm/real-estate-mls-sub003/phonedecode"
	"github.com/Benrotm/real-estate-mls-sub003/selectors"
)

// Extractor applies one source's selector map. Fields resolve
// independently: a failing field lands in FieldErrors, it never fails
// the listing.
type Extractor struct {
	src     *config.SourceConfig
	fetch   fetch.Fetcher
	phones  *phonedecode.Decoder
	geo     *geocode.Session
	archive ArchiveFunc
}

// ArchiveFunc receives each successfully decoded phone image.
type ArchiveFunc func(sourceID string, img []byte)

func New(src *config.SourceConfig, fetcher fetch.Fetcher, phones *phonedecode.Decoder, geo *geocode.Session) *Extractor {
	return &Extractor{src: src, fetch: fetcher, phones: phones, geo: geo}
}

// SetArchive attaches an archival sink for decoded phone images.
func (e *Extractor) SetArchive(fn ArchiveFunc) {
	e.archive = fn
}

// Extract builds a ListingRecord from a detail page.
func (e *Extractor) Extract(ctx context.Context, page *fetch.RawPage) (*models.ListingRecord, error) {
	doc, err := page.Document()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", page.URL, err)
	}

	rec := &models.ListingRecord{
		SourceURL:   page.URL,
		SourceID:    e.src.ID,
		FieldErrors: map[string]string{},
	}
	raw := map[string]string{}

	for _, rule := range e.src.Selectors.Rules {
		value, err := resolve(doc, rule)
		if err != nil {
			rec.FieldErrors[rule.Field] = err.Error()
			continue
		}
		raw[rule.Field] = value
		if err := e.assign(ctx, rec, rule, value, page.URL); err != nil {
			rec.FieldErrors[rule.Field] = err.Error()
		}
	}

	e.geocodeLocation(ctx, rec)

	if len(raw) > 0 {
		rec.Raw, _ = json.Marshal(raw)
	}
	if len(rec.FieldErrors) == 0 {
		rec.FieldErrors = nil
	}
	return rec, nil
}

// resolve returns the raw string for one rule, using the first DOM
// match only.
func resolve(doc *goquery.Document, rule selectors.Rule) (string, error) {
	sel := doc.Find(rule.Selector).First()
	if sel.Length() == 0 {
		return "", errors.New("selector matched nothing")
	}

	switch rule.Kind {
	case selectors.KindAttribute:
		value, ok := sel.Attr(rule.Attr)
		if !ok {
			return "", fmt.Errorf("attribute %q not present", rule.Attr)
		}
		return strings.TrimSpace(value), nil

	case selectors.KindRegex:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return "", fmt.Errorf("pattern: %v", err)
		}
		text := strings.TrimSpace(sel.Text())
		m := re.FindStringSubmatch(text)
		if m == nil {
			return "", errors.New("pattern matched nothing")
		}
		if len(m) > 1 {
			return strings.TrimSpace(m[1]), nil
		}
		return strings.TrimSpace(m[0]), nil

	default:
		text := strings.TrimSpace(sel.Text())
		if text == "" {
			return "", errors.New("element has no text")
		}
		return text, nil
	}
}

func (e *Extractor) assign(ctx context.Context, rec *models.ListingRecord, rule selectors.Rule, value, pageURL string) error {
	switch rule.Field {
	case models.FieldTitle:
		rec.Title = value

	case models.FieldPrice:
		amount, currency, err := parsePrice(value)
		if err != nil {
			return err
		}
		rec.Price = &amount
		if rec.Currency == "" {
			rec.Currency = currency
		}

	case models.FieldCurrency:
		rec.Currency = normalizeCurrency(value)

	case models.FieldDescription:
		rec.Description = value

	case models.FieldLocationCity:
		rec.LocationCity = value

	case models.FieldLocationArea:
		rec.LocationArea = value

	case models.FieldRooms:
		n, err := parseRooms(value)
		if err != nil {
			return err
		}
		rec.Rooms = &n

	case models.FieldPhone:
		if rule.Post == selectors.PostPhoneImage {
			digits, err := e.decodePhoneImage(ctx, value, pageURL)
			if err != nil {
				return err
			}
			rec.Phone = digits
			return nil
		}
		rec.Phone = value
	}
	return nil
}

// decodePhoneImage downloads the obfuscation image referenced by src
// and runs it through the decoder.
func (e *Extractor) decodePhoneImage(ctx context.Context, src, pageURL string) (string, error) {
	abs, err := absoluteURL(pageURL, src)
	if err != nil {
		return "", fmt.Errorf("image url: %v", err)
	}
	img, err := e.fetch.FetchResource(ctx, abs)
	if err != nil {
		return "", fmt.Errorf("fetch image: %v", err)
	}
	digits, err := e.phones.Decode(img)
	if err != nil {
		return "", err
	}
	if e.archive != nil {
		e.archive(e.src.ID, img)
	}
	return digits, nil
}

// geocodeLocation resolves coordinates when the map tags a location
// field for geocoding. A miss is a field error, nothing more.
func (e *Extractor) geocodeLocation(ctx context.Context, rec *models.ListingRecord) {
	if e.geo == nil || !e.wantsGeocode() {
		return
	}
	if rec.LocationCity == "" {
		return
	}

	query := rec.LocationCity
	if rec.LocationArea != "" {
		query = rec.LocationArea + ", " + rec.LocationCity
	}

	coords, err := e.geo.Resolve(ctx, query, e.src.CountryHint)
	if err != nil {
		if errors.Is(err, geocode.ErrNotFound) {
			rec.FieldErrors["coordinates"] = "location not found"
		} else {
			rec.FieldErrors["coordinates"] = err.Error()
		}
		return
	}
	rec.Coordinates = coords
}

func (e *Extractor) wantsGeocode() bool {
	for _, rule := range e.src.Selectors.Rules {
		if rule.Post == selectors.PostGeocode {
			return true
		}
	}
	return false
}

func absoluteURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

var priceRe = regexp.MustCompile(`([\d][\d.,\s]*)`)

var currencySymbols = map[string]string{
	"€":   "EUR",
	"$":   "USD",
	"£":   "GBP",
	"lei": "RON",
	"ron": "RON",
	"eur": "EUR",
	"usd": "USD",
}

// parsePrice splits "1.250.000 €" style strings into an amount and a
// currency code. Dots and commas are treated as thousand separators
// unless a final group of exactly two digits follows.
func parsePrice(value string) (float64, string, error) {
	m := priceRe.FindString(value)
	if m == "" {
		return 0, "", fmt.Errorf("no numeric amount in %q", value)
	}

	currency := ""
	rest := strings.ToLower(strings.TrimSpace(strings.Replace(value, m, "", 1)))
	for symbol, code := range currencySymbols {
		if strings.Contains(rest, symbol) {
			currency = code
			break
		}
	}

	amount, err := parseAmount(strings.TrimSpace(m))
	if err != nil {
		return 0, "", err
	}
	return amount, currency, nil
}

func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(s, " ", "")

	// A trailing separator followed by exactly two digits is a decimal
	// mark; everything else separates thousands.
	decimal := ""
	if len(s) > 3 {
		sep := s[len(s)-3]
		if sep == '.' || sep == ',' {
			decimal = s[len(s)-2:]
			s = s[:len(s)-3]
		}
	}
	s = strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if s == "" {
		return 0, errors.New("no digits in amount")
	}
	if decimal != "" {
		s = s + "." + decimal
	}
	return strconv.ParseFloat(s, 64)
}

func normalizeCurrency(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if code, ok := currencySymbols[v]; ok {
		return code
	}
	return strings.ToUpper(strings.TrimSpace(value))
}

var roomsRe = regexp.MustCompile(`\d+`)

func parseRooms(value string) (int, error) {
	m := roomsRe.FindString(value)
	if m == "" {
		return 0, fmt.Errorf("no room count in %q", value)
	}
	return strconv.Atoi(m)
}
