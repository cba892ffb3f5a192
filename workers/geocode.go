package workers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/geocode"
	"github.com/Benrotm/real-estate-mls-sub003/storage"
)

// GeocodeWorker backfills coordinates for listings whose location was
// imported without the geocode tag, or where the service missed during
// the job.
type GeocodeWorker struct {
	store     *storage.PostgresStore
	geo       *geocode.Geocoder
	triggerCh chan struct{}

	// country hints by source id, from the source configs
	hints map[string]string
}

func NewGeocodeWorker(store *storage.PostgresStore, geo *geocode.Geocoder, hints map[string]string) *GeocodeWorker {
	return &GeocodeWorker{
		store:     store,
		geo:       geo,
		hints:     hints,
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger causes the worker to run immediately
func (w *GeocodeWorker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run starts the geocode backfill loop
func (w *GeocodeWorker) Run(ctx context.Context, batchSize int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Geocode worker stopping")
			return
		case <-ticker.C:
			w.processBatch(ctx, batchSize)
		case <-w.triggerCh:
			w.processBatch(ctx, batchSize)
		}
	}
}

func (w *GeocodeWorker) processBatch(ctx context.Context, batchSize int) {
	listings, err := w.store.GetListingsMissingCoordinates(ctx, batchSize)
	if err != nil {
		log.Printf("Geocode worker: query error: %v", err)
		return
	}
	if len(listings) == 0 {
		return
	}

	log.Printf("Geocode worker: processing %d listings", len(listings))

	session := w.geo.NewSession()
	var resolved, missed int
	for i := range listings {
		l := &listings[i]

		query := l.LocationCity
		if l.LocationArea != "" {
			query = l.LocationArea + ", " + l.LocationCity
		}

		coords, err := session.Resolve(ctx, query, w.hints[l.SourceID])
		if err != nil {
			if errors.Is(err, geocode.ErrNotFound) {
				missed++
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("Geocode worker: %s: %v", l.SourceURL, err)
			continue
		}

		if err := w.store.UpdateListingCoordinates(ctx, l.SourceURL, coords); err != nil {
			log.Printf("Geocode worker: update %s: %v", l.SourceURL, err)
			continue
		}
		resolved++
	}

	if resolved > 0 || missed > 0 {
		log.Printf("Geocode worker: resolved %d, missed %d", resolved, missed)
	}
}
