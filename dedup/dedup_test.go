package dedup

import (
	"testing"
	"time"

	"github.com/Benrotm/real-estate-mls-sub003/models"
)

type fakeStore struct {
	urls map[string]*models.ScrapedURL
	jobs map[string]*models.ScrapeJob
}

func (f *fakeStore) GetURLState(url, sourceID string) (*models.ScrapedURL, error) {
	return f.urls[url], nil
}

func (f *fakeStore) GetJob(id string) (*models.ScrapeJob, error) {
	return f.jobs[id], nil
}

func TestShouldProcess(t *testing.T) {
	now := time.Now()
	old := now.Add(-30 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	store := &fakeStore{
		urls: map[string]*models.ScrapedURL{
			"success-recent": {Status: models.URLStatusSuccess, LastAttemptAt: &recent},
			"success-stale":  {Status: models.URLStatusSuccess, LastAttemptAt: &old},
			"failed-once":    {Status: models.URLStatusFailed, RetryCount: 1},
			"failed-out":     {Status: models.URLStatusFailed, RetryCount: 3},
			"claimed-self":   {Status: models.URLStatusInProgress, JobID: "job-1"},
			"done-self":      {Status: models.URLStatusSuccess, JobID: "job-1"},
			"claimed-live":   {Status: models.URLStatusInProgress, JobID: "job-2"},
			"claimed-dead":   {Status: models.URLStatusInProgress, JobID: "job-3"},
			"skipped":        {Status: models.URLStatusSkipped},
			"pending":        {Status: models.URLStatusPending},
		},
		jobs: map[string]*models.ScrapeJob{
			"job-1": {ID: "job-1", Status: models.JobStatusRunning},
			"job-2": {ID: "job-2", Status: models.JobStatusRunning},
			"job-3": {ID: "job-3", Status: models.JobStatusFailed},
		},
	}

	gate := NewGate(store, 3, 7*24*time.Hour)

	tests := []struct {
		name string
		url  string
		mode models.JobMode
		want Decision
	}{
		{"unseen url is new", "never-seen", models.JobModeIncremental, New},
		{"discovered url is new", "pending", models.JobModeIncremental, New},
		{"recent success skipped incrementally", "success-recent", models.JobModeIncremental, Skip},
		{"stale success refreshed incrementally", "success-stale", models.JobModeIncremental, New},
		{"success reimported in full mode", "success-recent", models.JobModeFull, New},
		{"failed under budget retries", "failed-once", models.JobModeIncremental, Retry},
		{"failed over budget skipped", "failed-out", models.JobModeIncremental, Skip},
		{"failed over budget skipped in full mode too", "failed-out", models.JobModeFull, Skip},
		{"claimed by same job skipped", "claimed-self", models.JobModeFull, Skip},
		{"done by same job skipped even in full mode", "done-self", models.JobModeFull, Skip},
		{"claimed by live job skipped", "claimed-live", models.JobModeFull, Skip},
		{"claim from dead job retried", "claimed-dead", models.JobModeIncremental, Retry},
		{"skipped url stays skipped incrementally", "skipped", models.JobModeIncremental, Skip},
		{"skipped url reconsidered in full mode", "skipped", models.JobModeFull, New},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gate.ShouldProcess(tt.url, "site-a", "job-1", tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestShouldProcessIsIdempotentForSameJob(t *testing.T) {
	store := &fakeStore{
		urls: map[string]*models.ScrapedURL{},
		jobs: map[string]*models.ScrapeJob{
			"job-1": {ID: "job-1", Status: models.JobStatusRunning},
		},
	}
	gate := NewGate(store, 3, 0)

	got, err := gate.ShouldProcess("u", "site-a", "job-1", models.JobModeFull)
	if err != nil || got != New {
		t.Fatalf("first sighting should be New, got %s err=%v", got, err)
	}

	// Once the job claims the URL, every later sighting in the same
	// job resolves to Skip.
	store.urls["u"] = &models.ScrapedURL{Status: models.URLStatusInProgress, JobID: "job-1"}
	got, err = gate.ShouldProcess("u", "site-a", "job-1", models.JobModeFull)
	if err != nil || got != Skip {
		t.Fatalf("duplicate within job should be Skip, got %s err=%v", got, err)
	}

	store.urls["u"].Status = models.URLStatusSuccess
	got, err = gate.ShouldProcess("u", "site-a", "job-1", models.JobModeIncremental)
	if err != nil || got != Skip {
		t.Fatalf("fresh success should be Skip incrementally, got %s err=%v", got, err)
	}
}
