// Package geocode resolves free-form location strings to coordinates
// through a Nominatim-compatible endpoint.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Benrotm/real-estate-mls-sub003/backoff"
	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/models"
)

// ErrNotFound means the service answered but matched nothing, even
// after query truncation.
var ErrNotFound = errors.New("geocode: no match")

// maxQueries bounds the truncation fallback per Resolve call.
const maxQueries = 3

// Geocoder issues rate-limited lookups against a single endpoint. The
// limiter is shared across all jobs so the process as a whole honors
// the service's usage policy.
type Geocoder struct {
	client    *http.Client
	endpoint  string
	userAgent string
	limiter   *rate.Limiter
	policy    backoff.Policy
}

func New(client *http.Client, cfg config.GeocoderConfig) *Geocoder {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = 1100 * time.Millisecond
	}
	return &Geocoder{
		client:    client,
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
		policy:    backoff.Default,
	}
}

// Session caches lookups for the lifetime of one job so repeated
// locations cost a single upstream call. Negative results are cached
// too.
type Session struct {
	g  *Geocoder
	mu sync.Mutex
	// nil value means a cached miss
	seen map[string]*models.Coordinates
}

func (g *Geocoder) NewSession() *Session {
	return &Session{g: g, seen: make(map[string]*models.Coordinates)}
}

// Resolve geocodes query, retrying with progressively broader queries
// (dropping the leading comma-separated component) before giving up.
func (s *Session) Resolve(ctx context.Context, query, countryHint string) (*models.Coordinates, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNotFound
	}
	key := strings.ToLower(query) + "|" + countryHint

	s.mu.Lock()
	cached, ok := s.seen[key]
	s.mu.Unlock()
	if ok {
		if cached == nil {
			return nil, ErrNotFound
		}
		return cached, nil
	}

	coords, err := s.g.resolve(ctx, query, countryHint)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	s.mu.Lock()
	s.seen[key] = coords
	s.mu.Unlock()

	if coords == nil {
		return nil, ErrNotFound
	}
	return coords, nil
}

func (g *Geocoder) resolve(ctx context.Context, query, countryHint string) (*models.Coordinates, error) {
	for i, q := range fallbackQueries(query) {
		if i >= maxQueries {
			break
		}
		coords, err := g.lookup(ctx, q, countryHint)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		return coords, nil
	}
	return nil, ErrNotFound
}

// fallbackQueries returns the query followed by progressively broader
// variants, each dropping the most specific leading component.
func fallbackQueries(query string) []string {
	parts := strings.Split(query, ",")
	out := make([]string, 0, len(parts))
	for i := 0; i < len(parts); i++ {
		q := strings.TrimSpace(strings.Join(parts[i:], ","))
		if q != "" {
			out = append(out, q)
		}
	}
	return out
}

type nominatimResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

func (g *Geocoder) lookup(ctx context.Context, query, countryHint string) (*models.Coordinates, error) {
	var coords *models.Coordinates
	err := g.policy.Retry(ctx, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		c, err := g.lookupOnce(ctx, query, countryHint)
		if err != nil {
			return err
		}
		coords = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return coords, nil
}

func (g *Geocoder) lookupOnce(ctx context.Context, query, countryHint string) (*models.Coordinates, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("limit", "1")
	if countryHint != "" {
		params.Set("countrycodes", countryHint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("geocode: status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("geocode: status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var results []nominatimResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("geocode: decode response: %w", err))
	}
	if len(results) == 0 {
		return nil, backoff.Permanent(ErrNotFound)
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("geocode: bad latitude %q", results[0].Lat))
	}
	lng, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("geocode: bad longitude %q", results[0].Lon))
	}
	return &models.Coordinates{Lat: lat, Lng: lng}, nil
}
