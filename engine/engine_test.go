package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/fetch"
	"github.com/Benrotm/real-estate-mls-sub003/models"
	"github.com/Benrotm/real-estate-mls-sub003/selectors"
	"github.com/Benrotm/real-estate-mls-sub003/storage"
)

// fakeFetcher serves canned index and detail pages keyed by page
// number and URL.
type fakeFetcher struct {
	indexes map[int]string
	details map[string]string

	mu          sync.Mutex
	fetched     []string
	block       chan struct{}
	blockDetail chan struct{}
}

func (f *fakeFetcher) FetchIndex(ctx context.Context, src *config.SourceConfig, page int) (*fetch.RawPage, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, &fetch.Error{Kind: fetch.KindNetwork, Err: ctx.Err()}
		}
	}
	html, ok := f.indexes[page]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindNotFound, URL: src.PageURL(page)}
	}
	return fetch.NewRawPage(src.PageURL(page), []byte(html)), nil
}

func (f *fakeFetcher) FetchDetail(ctx context.Context, src *config.SourceConfig, url string) (*fetch.RawPage, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()

	if f.blockDetail != nil {
		select {
		case <-f.blockDetail:
		case <-ctx.Done():
			return nil, &fetch.Error{Kind: fetch.KindNetwork, URL: url, Err: ctx.Err()}
		}
	}

	html, ok := f.details[url]
	if !ok {
		return nil, &fetch.Error{Kind: fetch.KindNotFound, URL: url}
	}
	return fetch.NewRawPage(url, []byte(html)), nil
}

func (f *fakeFetcher) FetchResource(ctx context.Context, url string) ([]byte, error) {
	return nil, &fetch.Error{Kind: fetch.KindNotFound, URL: url}
}

func (f *fakeFetcher) Close() {}

func (f *fakeFetcher) detailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

// captureStore records imported listings in memory.
type captureStore struct {
	mu       sync.Mutex
	listings map[string]*models.ListingRecord
	err      error
}

func newCaptureStore() *captureStore {
	return &captureStore{listings: make(map[string]*models.ListingRecord)}
}

func (c *captureStore) UpsertListing(ctx context.Context, l *models.ListingRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.listings[l.SourceURL] = l
	return nil
}

func (c *captureStore) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listings)
}

func indexHTML(urls ...string) string {
	html := "<html><body>"
	for _, u := range urls {
		html += fmt.Sprintf(`<a class="item" href=%q>listing</a>`, u)
	}
	return html + "</body></html>"
}

func detailHTML(title, price, city string) string {
	return fmt.Sprintf(`<html><body>
		<h1 class="title">%s</h1>
		<span class="price">%s</span>
		<span class="city">%s</span>
	</body></html>`, title, price, city)
}

func testSource() *config.SourceConfig {
	return &config.SourceConfig{
		ID:           "site-a",
		IndexURL:     "https://site-a.example/list?page={page}",
		LinkSelector: "a.item",
		Pagination:   config.PaginationConfig{StartPage: 1},
		Selectors: selectors.Map{Rules: []selectors.Rule{
			{Field: models.FieldTitle, Selector: "h1.title"},
			{Field: models.FieldPrice, Selector: "span.price", Post: selectors.PostCurrency},
			{Field: models.FieldLocationCity, Selector: "span.city"},
		}},
	}
}

func testEngine(t *testing.T, src *config.SourceConfig, fetcher fetch.Fetcher) (*Engine, *storage.SQLiteStore, *captureStore) {
	t.Helper()

	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	listings := newCaptureStore()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			Workers:    2,
			MaxRetries: 3,
			Staleness:  7 * 24 * time.Hour,
		},
		Sources: map[string]*config.SourceConfig{src.ID: src},
	}
	factory := func(s *config.SourceConfig) (fetch.Fetcher, error) { return fetcher, nil }

	return New(cfg, store, listings, factory, nil, nil), store, listings
}

func waitForJob(t *testing.T, e *Engine, jobID string) *models.ScrapeJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.GetJob(jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job != nil && job.Status != models.JobStatusRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", jobID)
	return nil
}

func TestFullJobImportsAllPages(t *testing.T) {
	fetcher := &fakeFetcher{
		indexes: map[int]string{
			1: indexHTML("https://site-a.example/anunt/1"),
			2: indexHTML("/anunt/2"),
		},
		details: map[string]string{
			"https://site-a.example/anunt/1": detailHTML("Garsoniera", "45.000 €", "Timisoara"),
			"https://site-a.example/anunt/2": detailHTML("Apartament", "92.500 €", "Timisoara"),
		},
	}

	e, store, listings := testEngine(t, testSource(), fetcher)
	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	job := waitForJob(t, e, jobID)
	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.PagesProcessed != 2 || job.URLsDiscovered != 2 || job.URLsImported != 2 {
		t.Fatalf("unexpected counters: %+v", job)
	}
	if listings.count() != 2 {
		t.Fatalf("expected 2 listings, got %d", listings.count())
	}

	page, _ := store.GetCheckpoint("site-a")
	if page != 2 {
		t.Fatalf("checkpoint should be 2, got %d", page)
	}

	state, _ := store.GetURLState("https://site-a.example/anunt/2", "site-a")
	if state == nil || state.Status != models.URLStatusSuccess {
		t.Fatalf("relative link not imported: %+v", state)
	}
}

func TestIncrementalJobResumesFromCheckpoint(t *testing.T) {
	fetcher := &fakeFetcher{
		indexes: map[int]string{
			1: indexHTML("https://site-a.example/anunt/1"),
			2: indexHTML("https://site-a.example/anunt/2"),
		},
		details: map[string]string{
			"https://site-a.example/anunt/1": detailHTML("A", "1.000 €", "X"),
			"https://site-a.example/anunt/2": detailHTML("B", "2.000 €", "X"),
		},
	}

	e, store, listings := testEngine(t, testSource(), fetcher)
	if err := store.SetCheckpoint("site-a", 1); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	jobID, _ := e.StartJob("site-a", models.JobModeIncremental, 0)
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.PagesProcessed != 1 || job.URLsImported != 1 {
		t.Fatalf("should only process page 2: %+v", job)
	}
	if listings.count() != 1 {
		t.Fatalf("expected 1 listing, got %d", listings.count())
	}
	if _, ok := listings.listings["https://site-a.example/anunt/2"]; !ok {
		t.Fatal("page 2 listing missing")
	}
}

func TestSinglePageJobLeavesCheckpoint(t *testing.T) {
	fetcher := &fakeFetcher{
		indexes: map[int]string{
			3: indexHTML("https://site-a.example/anunt/9"),
		},
		details: map[string]string{
			"https://site-a.example/anunt/9": detailHTML("C", "3.000 €", "X"),
		},
	}

	e, store, _ := testEngine(t, testSource(), fetcher)
	store.SetCheckpoint("site-a", 1)

	jobID, _ := e.StartJob("site-a", models.JobModeSinglePage, 3)
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusCompleted || job.PagesProcessed != 1 || job.URLsImported != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if page, _ := store.GetCheckpoint("site-a"); page != 1 {
		t.Fatalf("single_page must not move the checkpoint, got %d", page)
	}
}

func TestDuplicateURLProcessedOnce(t *testing.T) {
	dup := "https://site-a.example/anunt/1"
	fetcher := &fakeFetcher{
		indexes: map[int]string{
			1: indexHTML(dup, dup),
			2: indexHTML(dup),
		},
		details: map[string]string{
			dup: detailHTML("A", "1.000 €", "X"),
		},
	}

	e, _, listings := testEngine(t, testSource(), fetcher)
	jobID, _ := e.StartJob("site-a", models.JobModeFull, 0)
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if fetcher.detailCount() != 1 {
		t.Fatalf("duplicate URL fetched %d times", fetcher.detailCount())
	}
	if listings.count() != 1 || job.URLsImported != 1 {
		t.Fatalf("duplicate URL imported more than once: %+v", job)
	}
}

func TestFailedDetailDoesNotFailJob(t *testing.T) {
	fetcher := &fakeFetcher{
		indexes: map[int]string{
			1: indexHTML("https://site-a.example/anunt/1", "https://site-a.example/anunt/gone"),
		},
		details: map[string]string{
			"https://site-a.example/anunt/1": detailHTML("A", "1.000 €", "X"),
		},
	}

	e, store, listings := testEngine(t, testSource(), fetcher)
	jobID, _ := e.StartJob("site-a", models.JobModeFull, 0)
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.URLsDiscovered != 2 || job.URLsImported != 1 || listings.count() != 1 {
		t.Fatalf("unexpected counters: %+v", job)
	}

	state, _ := store.GetURLState("https://site-a.example/anunt/gone", "site-a")
	if state == nil || state.Status != models.URLStatusFailed {
		t.Fatalf("broken URL should be failed: %+v", state)
	}

	logs, _ := e.GetLogs(jobID)
	if len(logs) == 0 {
		t.Fatal("expected job logs")
	}
}

func TestStorageFailureAbortsJob(t *testing.T) {
	fetcher := &fakeFetcher{
		indexes: map[int]string{1: indexHTML("https://site-a.example/anunt/1")},
		details: map[string]string{
			"https://site-a.example/anunt/1": detailHTML("A", "1.000 €", "X"),
		},
	}

	e, _, listings := testEngine(t, testSource(), fetcher)
	listings.err = errors.New("connection refused")

	jobID, _ := e.StartJob("site-a", models.JobModeFull, 0)
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected error message")
	}
}

func TestInvalidSelectorMapFailsBeforeFetch(t *testing.T) {
	src := testSource()
	src.Selectors.Rules = src.Selectors.Rules[:1] // mandatory fields missing

	fetcher := &fakeFetcher{indexes: map[int]string{}}
	e, _, _ := testEngine(t, src, fetcher)

	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}
	job := waitForJob(t, e, jobID)

	if job.Status != models.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if fetcher.detailCount() != 0 {
		t.Fatal("no fetches should happen with an invalid map")
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected config error message")
	}
}

func TestOnlyOneJobPerSource(t *testing.T) {
	block := make(chan struct{})
	fetcher := &fakeFetcher{
		indexes: map[int]string{},
		block:   block,
	}

	e, _, _ := testEngine(t, testSource(), fetcher)
	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	if _, err := e.StartJob("site-a", models.JobModeFull, 0); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	close(block)
	waitForJob(t, e, jobID)

	// Finished job frees the slot.
	if _, err := e.StartJob("site-a", models.JobModeFull, 0); err != nil {
		t.Fatalf("restart after finish: %v", err)
	}
	e.Wait()
}

func TestCancelJob(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	fetcher := &fakeFetcher{
		indexes: map[int]string{1: indexHTML("https://site-a.example/anunt/1")},
		details: map[string]string{},
		block:   block,
	}

	e, _, _ := testEngine(t, testSource(), fetcher)
	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	if err := e.CancelJob(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job, err := e.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.JobStatusFailed || job.ErrorMessage != "cancelled" {
		t.Fatalf("expected failed/cancelled, got %s/%s", job.Status, job.ErrorMessage)
	}
}

func TestCancelledFetchIsNotAFailedAttempt(t *testing.T) {
	url := "https://site-a.example/anunt/1"
	blockDetail := make(chan struct{})
	fetcher := &fakeFetcher{
		indexes:     map[int]string{1: indexHTML(url)},
		details:     map[string]string{url: detailHTML("A", "1.000 €", "X")},
		blockDetail: blockDetail,
	}

	e, store, listings := testEngine(t, testSource(), fetcher)
	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start job: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for fetcher.detailCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("detail fetch never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := e.CancelJob(jobID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	job, _ := e.GetJob(jobID)
	if job.Status != models.JobStatusFailed || job.ErrorMessage != "cancelled" {
		t.Fatalf("expected failed/cancelled, got %s/%s", job.Status, job.ErrorMessage)
	}
	if job.PagesProcessed != 0 {
		t.Fatalf("interrupted page counted as processed: %+v", job)
	}
	if page, _ := store.GetCheckpoint("site-a"); page != 0 {
		t.Fatalf("interrupted page was checkpointed: %d", page)
	}

	state, _ := store.GetURLState(url, "site-a")
	if state == nil || state.Status != models.URLStatusInProgress {
		t.Fatalf("cancelled fetch should leave the claim untouched: %+v", state)
	}
	if state.RetryCount != 0 {
		t.Fatalf("cancelled fetch consumed retry budget: %+v", state)
	}

	// The finished owner makes the claim stale; the next run takes it
	// over and imports normally.
	close(blockDetail)
	jobID, err = e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	job = waitForJob(t, e, jobID)
	if job.Status != models.JobStatusCompleted || job.URLsImported != 1 {
		t.Fatalf("retry after cancel failed: %+v", job)
	}
	if listings.count() != 1 {
		t.Fatalf("expected 1 listing, got %d", listings.count())
	}
	state, _ = store.GetURLState(url, "site-a")
	if state.Status != models.URLStatusSuccess || state.RetryCount != 0 {
		t.Fatalf("unexpected state after retry: %+v", state)
	}
}

func TestSkipDecisionKeepsURLHistory(t *testing.T) {
	url := "https://site-a.example/anunt/1"
	fetcher := &fakeFetcher{
		indexes: map[int]string{1: indexHTML(url)},
		details: map[string]string{url: detailHTML("A", "1.000 €", "X")},
	}

	e, store, _ := testEngine(t, testSource(), fetcher)
	jobID, _ := e.StartJob("site-a", models.JobModeFull, 0)
	waitForJob(t, e, jobID)
	if fetcher.detailCount() != 1 {
		t.Fatalf("expected 1 fetch, got %d", fetcher.detailCount())
	}

	// Incremental re-discovery of a fresh import is skipped without
	// touching the recorded success.
	if err := store.SetCheckpoint("site-a", 0); err != nil {
		t.Fatalf("reset checkpoint: %v", err)
	}
	jobID, _ = e.StartJob("site-a", models.JobModeIncremental, 0)
	job := waitForJob(t, e, jobID)
	if job.Status != models.JobStatusCompleted || job.URLsImported != 0 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if fetcher.detailCount() != 1 {
		t.Fatalf("skipped URL was fetched again: %d", fetcher.detailCount())
	}
	state, _ := store.GetURLState(url, "site-a")
	if state.Status != models.URLStatusSuccess {
		t.Fatalf("skip decision rewrote history: %+v", state)
	}
}

func TestPausedEngineRejectsJobs(t *testing.T) {
	e, _, _ := testEngine(t, testSource(), &fakeFetcher{indexes: map[int]string{}})
	e.SetPaused(true)
	if _, err := e.StartJob("site-a", models.JobModeFull, 0); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}

	e.SetPaused(false)
	jobID, err := e.StartJob("site-a", models.JobModeFull, 0)
	if err != nil {
		t.Fatalf("start after resume: %v", err)
	}
	waitForJob(t, e, jobID)
}

func TestUnknownSource(t *testing.T) {
	e, _, _ := testEngine(t, testSource(), &fakeFetcher{})
	if _, err := e.StartJob("nope", models.JobModeFull, 0); !errors.Is(err, ErrUnknownSource) {
		t.Fatalf("expected ErrUnknownSource, got %v", err)
	}
}
