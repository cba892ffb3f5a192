// Package dedup decides whether a discovered URL should be fetched
// again, based on its recorded scraping history.
package dedup

import (
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/models"
)

// Decision is the gate's verdict for one URL.
type Decision int

const (
	// Skip means the URL must not be processed in this job.
	Skip Decision = iota
	// New means the URL has no usable history and gets a fresh attempt.
	New
	// Retry means a previous attempt failed and the budget allows another.
	Retry
)

func (d Decision) String() string {
	switch d {
	case New:
		return "new"
	case Retry:
		return "retry"
	default:
		return "skip"
	}
}

// Store is the slice of the operational store the gate reads.
type Store interface {
	GetURLState(url, sourceID string) (*models.ScrapedURL, error)
	GetJob(id string) (*models.ScrapeJob, error)
}

// Gate applies the dedup policy. maxRetries bounds attempts for failed
// URLs; staleness is how old a successful import may get before an
// incremental run refreshes it.
type Gate struct {
	store      Store
	maxRetries int
	staleness  time.Duration
}

func NewGate(store Store, maxRetries int, staleness time.Duration) *Gate {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Gate{store: store, maxRetries: maxRetries, staleness: staleness}
}

// ShouldProcess returns the decision for url within the given job.
func (g *Gate) ShouldProcess(url, sourceID, jobID string, mode models.JobMode) (Decision, error) {
	state, err := g.store.GetURLState(url, sourceID)
	if err != nil {
		return Skip, err
	}
	if state == nil {
		return New, nil
	}

	// A URL already touched by this job was handled on an earlier
	// page; within one job every URL is processed at most once.
	if state.JobID == jobID {
		return Skip, nil
	}

	switch state.Status {
	case models.URLStatusPending:
		return New, nil

	case models.URLStatusInProgress:
		owner, err := g.store.GetJob(state.JobID)
		if err != nil {
			return Skip, err
		}
		if owner != nil && owner.Status == models.JobStatusRunning {
			return Skip, nil
		}
		// Owning job is gone; the claim is stale.
		return Retry, nil

	case models.URLStatusFailed:
		if state.RetryCount >= g.maxRetries {
			return Skip, nil
		}
		return Retry, nil

	case models.URLStatusSuccess:
		if mode == models.JobModeFull {
			return New, nil
		}
		if g.staleness > 0 && state.LastAttemptAt != nil &&
			time.Since(*state.LastAttemptAt) > g.staleness {
			return New, nil
		}
		return Skip, nil

	case models.URLStatusSkipped:
		if mode == models.JobModeFull {
			return New, nil
		}
		return Skip, nil

	default:
		return New, nil
	}
}
