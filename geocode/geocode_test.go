package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/config"
)

func testGeocoder(srv *httptest.Server) *Geocoder {
	g := New(srv.Client(), config.GeocoderConfig{
		Endpoint:    srv.URL + "/search",
		UserAgent:   "test-agent/1.0",
		MinInterval: time.Millisecond,
	})
	g.policy.MaxAttempts = 2
	g.policy.BaseDelay = time.Millisecond
	return g
}

func TestResolveReturnsCoordinates(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		if q := r.URL.Query().Get("q"); q != "Timisoara" {
			t.Errorf("unexpected query %q", q)
		}
		if cc := r.URL.Query().Get("countrycodes"); cc != "ro" {
			t.Errorf("unexpected countrycodes %q", cc)
		}
		w.Write([]byte(`[{"lat":"45.7489","lon":"21.2087"}]`))
	}))
	defer srv.Close()

	sess := testGeocoder(srv).NewSession()
	coords, err := sess.Resolve(context.Background(), "Timisoara", "ro")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if coords.Lat != 45.7489 || coords.Lng != 21.2087 {
		t.Fatalf("unexpected coordinates %+v", coords)
	}
	if gotUA != "test-agent/1.0" {
		t.Fatalf("expected custom user agent, got %q", gotUA)
	}
}

func TestResolveFallsBackToBroaderQuery(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		queries = append(queries, q)
		if q == "Timisoara" {
			w.Write([]byte(`[{"lat":"45.7","lon":"21.2"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sess := testGeocoder(srv).NewSession()
	coords, err := sess.Resolve(context.Background(), "Str. Exemplu 12, Zona X, Timisoara", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if coords == nil {
		t.Fatal("expected coordinates")
	}
	want := []string{"Str. Exemplu 12, Zona X, Timisoara", "Zona X, Timisoara", "Timisoara"}
	if len(queries) != len(want) {
		t.Fatalf("expected %d queries, got %v", len(want), queries)
	}
	for i := range want {
		if queries[i] != want[i] {
			t.Fatalf("query %d: expected %q, got %q", i, want[i], queries[i])
		}
	}
}

func TestResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sess := testGeocoder(srv).NewSession()
	if _, err := sess.Resolve(context.Background(), "Nowhere", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionCachesHitsAndMisses(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("q") == "Cluj" {
			w.Write([]byte(`[{"lat":"46.77","lon":"23.59"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sess := testGeocoder(srv).NewSession()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := sess.Resolve(ctx, "Cluj", ""); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 upstream call for cached hit, got %d", got)
	}

	for i := 0; i < 2; i++ {
		if _, err := sess.Resolve(ctx, "Nowhere", ""); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected misses cached too, got %d calls", got)
	}
}

func TestResolveRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"lat":"45.7","lon":"21.2"}]`))
	}))
	defer srv.Close()

	sess := testGeocoder(srv).NewSession()
	if _, err := sess.Resolve(context.Background(), "Timisoara", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected retry after 429, got %d calls", got)
	}
}
