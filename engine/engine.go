// Package engine runs scrape jobs: paging through a source's index,
// gating URLs through dedup, and importing extracted listings.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Benrotm/real-estate-mls-sub003/config"
	"github.com/Benrotm/real-estate-mls-sub003/dedup"
	"github.com/Benrotm/real-estate-mls-sub003/extract"
	"github.com/Benrotm/real-estate-mls-sub003/fetch"
	"github.com/Benrotm/real-estate-mls-sub003/geocode"
	"github.com/Benrotm/real-estate-mls-sub003/models"
	"github.com/Benrotm/real-estate-mls-sub003/phonedecode"
	"github.com/Benrotm/real-estate-mls-sub003/storage"
)

var (
	ErrUnknownSource  = errors.New("engine: unknown source")
	ErrAlreadyRunning = errors.New("engine: job already running for source")
	ErrPaused         = errors.New("engine: paused")
)

// ListingStore is the canonical sink for imported listings.
type ListingStore interface {
	UpsertListing(ctx context.Context, l *models.ListingRecord) error
}

type jobHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns the per-source job lifecycle. At most one job runs per
// source at a time; the active map is the authority for liveness.
type Engine struct {
	cfg        config.EngineConfig
	sources    map[string]*config.SourceConfig
	store      *storage.SQLiteStore
	listings   ListingStore
	newFetcher fetch.Factory
	geo        *geocode.Geocoder
	recognizer phonedecode.Recognizer
	gate       *dedup.Gate

	archive extract.ArchiveFunc

	mu     sync.Mutex
	active map[string]*jobHandle
	paused bool
}

func New(cfg *config.Config, store *storage.SQLiteStore, listings ListingStore,
	factory fetch.Factory, geo *geocode.Geocoder, recognizer phonedecode.Recognizer) *Engine {
	return &Engine{
		cfg:        cfg.Engine,
		sources:    cfg.Sources,
		store:      store,
		listings:   listings,
		newFetcher: factory,
		geo:        geo,
		recognizer: recognizer,
		gate:       dedup.NewGate(store, cfg.Engine.MaxRetries, cfg.Engine.Staleness),
		active:     make(map[string]*jobHandle),
	}
}

// SetArchive routes decoded phone images to an archival sink.
func (e *Engine) SetArchive(fn extract.ArchiveFunc) {
	e.archive = fn
}

// SetPaused blocks or unblocks new jobs. Jobs already running finish.
func (e *Engine) SetPaused(paused bool) {
	e.mu.Lock()
	e.paused = paused
	e.mu.Unlock()
}

// StartJob launches a job for sourceID and returns its ID. page is only
// meaningful for single_page mode.
func (e *Engine) StartJob(sourceID string, mode models.JobMode, page int) (string, error) {
	src, ok := e.sources[sourceID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, sourceID)
	}

	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return "", ErrPaused
	}
	if _, running := e.active[sourceID]; running {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyRunning, sourceID)
	}

	job := &models.ScrapeJob{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		Mode:      mode,
		StartedAt: time.Now(),
		Status:    models.JobStatusRunning,
	}
	if err := e.store.CreateJob(job); err != nil {
		e.mu.Unlock()
		return "", fmt.Errorf("create job: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &jobHandle{id: job.ID, cancel: cancel, done: make(chan struct{})}
	e.active[sourceID] = handle
	e.mu.Unlock()

	go func() {
		defer close(handle.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, sourceID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(ctx, src, job, page)
	}()

	return job.ID, nil
}

// CancelJob stops the active job with the given ID, if any. The job is
// finalized as failed once its goroutine unwinds.
func (e *Engine) CancelJob(jobID string) error {
	e.mu.Lock()
	var handle *jobHandle
	for _, h := range e.active {
		if h.id == jobID {
			handle = h
			break
		}
	}
	e.mu.Unlock()

	if handle == nil {
		return fmt.Errorf("engine: no active job %s", jobID)
	}
	handle.cancel()
	<-handle.done
	return nil
}

func (e *Engine) GetJob(jobID string) (*models.ScrapeJob, error) {
	return e.store.GetJob(jobID)
}

func (e *Engine) GetLogs(jobID string) ([]models.ScrapeLog, error) {
	return e.store.GetLogs(jobID)
}

// Wait blocks until every active job has finished.
func (e *Engine) Wait() {
	for {
		e.mu.Lock()
		var handle *jobHandle
		for _, h := range e.active {
			handle = h
			break
		}
		e.mu.Unlock()
		if handle == nil {
			return
		}
		<-handle.done
	}
}

func (e *Engine) run(ctx context.Context, src *config.SourceConfig, job *models.ScrapeJob, page int) {
	var runErr error
	defer func() {
		now := time.Now()
		job.FinishedAt = &now
		if runErr != nil {
			job.Status = models.JobStatusFailed
			job.ErrorMessage = runErr.Error()
		} else {
			job.Status = models.JobStatusCompleted
		}
		if err := e.store.UpdateJob(job); err != nil {
			log.Printf("[%s] finalize job %s: %v", src.ID, job.ID, err)
		}
		log.Printf("[%s] job %s %s: pages=%d discovered=%d imported=%d",
			src.ID, job.ID, job.Status, job.PagesProcessed, job.URLsDiscovered, job.URLsImported)
	}()

	if err := src.Selectors.Validate(); err != nil {
		runErr = err
		e.logJob(job.ID, models.LogLevelError, runErr.Error())
		return
	}

	fetcher, err := e.newFetcher(src)
	if err != nil {
		runErr = fmt.Errorf("fetcher: %w", err)
		e.logJob(job.ID, models.LogLevelError, runErr.Error())
		return
	}
	defer fetcher.Close()

	var session *geocode.Session
	if e.geo != nil {
		session = e.geo.NewSession()
	}
	var decoder *phonedecode.Decoder
	if e.recognizer != nil {
		decoder = phonedecode.NewDecoder(e.recognizer, src.PhoneImage.Invert, src.PhoneImage.Scale)
	}
	extractor := extract.New(src, fetcher, decoder, session)
	if e.archive != nil {
		extractor.SetArchive(e.archive)
	}

	startPage, maxPages := e.pagePlan(src, job, page)
	e.logJob(job.ID, models.LogLevelInfo,
		fmt.Sprintf("starting %s job at page %d", job.Mode, startPage))

	runErr = e.pageLoop(ctx, src, job, fetcher, extractor, startPage, maxPages)
	if runErr != nil {
		e.logJob(job.ID, models.LogLevelError, runErr.Error())
	}
}

// pagePlan resolves the first page and the page budget for a job.
func (e *Engine) pagePlan(src *config.SourceConfig, job *models.ScrapeJob, page int) (int, int) {
	start := src.Pagination.StartPage

	switch job.Mode {
	case models.JobModeSinglePage:
		if page > 0 {
			return page, 1
		}
		return start, 1
	case models.JobModeIncremental:
		if checkpoint, err := e.store.GetCheckpoint(src.ID); err == nil && checkpoint >= start {
			start = checkpoint + 1
		}
	}
	return start, e.cfg.PageLimit
}

func (e *Engine) pageLoop(ctx context.Context, src *config.SourceConfig, job *models.ScrapeJob,
	fetcher fetch.Fetcher, extractor *extract.Extractor, startPage, maxPages int) error {

	for page := startPage; ; page++ {
		if err := ctx.Err(); err != nil {
			return errors.New("cancelled")
		}
		if maxPages > 0 && job.PagesProcessed >= maxPages {
			e.logJob(job.ID, models.LogLevelInfo, fmt.Sprintf("page budget of %d reached", maxPages))
			return nil
		}

		index, err := fetcher.FetchIndex(ctx, src, page)
		if err != nil {
			if ctx.Err() != nil {
				return errors.New("cancelled")
			}
			if fetch.IsKind(err, fetch.KindNotFound) {
				// Past the last page.
				e.logJob(job.ID, models.LogLevelInfo, fmt.Sprintf("page %d not found, stopping", page))
				return nil
			}
			return fmt.Errorf("index page %d: %w", page, err)
		}

		links, err := indexLinks(index, src.LinkSelector)
		if err != nil {
			return fmt.Errorf("index page %d: %w", page, err)
		}
		if len(links) == 0 {
			e.logJob(job.ID, models.LogLevelInfo, fmt.Sprintf("page %d empty, stopping", page))
			return nil
		}

		job.URLsDiscovered += len(links)
		if err := e.processPage(ctx, src, job, fetcher, extractor, links); err != nil {
			return err
		}

		job.PagesProcessed++
		if job.Mode != models.JobModeSinglePage {
			if checkpoint, err := e.store.GetCheckpoint(src.ID); err == nil && page > checkpoint {
				if err := e.store.SetCheckpoint(src.ID, page); err != nil {
					return fmt.Errorf("checkpoint page %d: %w", page, err)
				}
			}
		}
		if err := e.store.UpdateJob(job); err != nil {
			return fmt.Errorf("persist progress: %w", err)
		}
	}
}

// processPage runs the page's URLs through the worker pool. URL-level
// failures are recorded and absorbed; storage and auth failures abort
// the job.
func (e *Engine) processPage(ctx context.Context, src *config.SourceConfig, job *models.ScrapeJob,
	fetcher fetch.Fetcher, extractor *extract.Extractor, links []string) error {

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, link := range links {
		url := link
		g.Go(func() error {
			imported, err := e.processURL(gctx, src, job, fetcher, extractor, url)
			if err != nil {
				return err
			}
			if imported {
				mu.Lock()
				job.URLsImported++
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return errors.New("cancelled")
		}
		return err
	}
	return nil
}

// processURL handles one detail URL end to end. The returned error is
// fatal to the job; ordinary per-URL failures return (false, nil).
func (e *Engine) processURL(ctx context.Context, src *config.SourceConfig, job *models.ScrapeJob,
	fetcher fetch.Fetcher, extractor *extract.Extractor, url string) (bool, error) {

	if err := e.store.MarkURLPending(url, src.ID); err != nil {
		return false, fmt.Errorf("record %s: %w", url, err)
	}

	decision, err := e.gate.ShouldProcess(url, src.ID, job.ID, job.Mode)
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", url, err)
	}
	if decision == dedup.Skip {
		if err := e.store.MarkURLSkipped(url, src.ID, job.ID); err != nil {
			return false, fmt.Errorf("mark skipped %s: %w", url, err)
		}
		return false, nil
	}

	claimed, err := e.store.ClaimURL(url, src.ID, job.ID)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", url, err)
	}
	if !claimed {
		return false, nil
	}

	page, err := fetcher.FetchDetail(ctx, src, url)
	if err != nil {
		if ctx.Err() != nil {
			// A cancelled fetch is not a failed attempt. The claim is
			// left in place; once this job finalizes, the next run
			// reclaims it with the retry budget untouched.
			return false, ctx.Err()
		}
		if fetch.IsKind(err, fetch.KindAuth) {
			// Session is dead for every URL; abort the job.
			return false, fmt.Errorf("detail %s: %w", url, err)
		}
		if markErr := e.store.MarkURLFailed(url, src.ID, err.Error()); markErr != nil {
			return false, fmt.Errorf("mark failed %s: %w", url, markErr)
		}
		e.logJob(job.ID, models.LogLevelWarn, fmt.Sprintf("fetch %s: %v", url, err))
		return false, nil
	}

	rec, err := extractor.Extract(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if markErr := e.store.MarkURLFailed(url, src.ID, err.Error()); markErr != nil {
			return false, fmt.Errorf("mark failed %s: %w", url, markErr)
		}
		e.logJob(job.ID, models.LogLevelWarn, fmt.Sprintf("extract %s: %v", url, err))
		return false, nil
	}

	if err := e.listings.UpsertListing(ctx, rec); err != nil {
		// Canonical store trouble affects every URL; abort the job.
		return false, fmt.Errorf("import %s: %w", url, err)
	}

	if err := e.store.MarkURLSuccess(url, src.ID); err != nil {
		return false, fmt.Errorf("mark success %s: %w", url, err)
	}
	for field, reason := range rec.FieldErrors {
		e.logJob(job.ID, models.LogLevelWarn, fmt.Sprintf("%s: field %s: %s", url, field, reason))
	}
	return true, nil
}

func (e *Engine) logJob(jobID string, level models.LogLevel, message string) {
	if err := e.store.AppendLog(jobID, level, message); err != nil {
		log.Printf("append job log: %v", err)
	}
}
