package models

import "time"

type URLStatus string

const (
	URLStatusPending    URLStatus = "pending"
	URLStatusInProgress URLStatus = "in_progress"
	URLStatusSuccess    URLStatus = "success"
	URLStatusFailed     URLStatus = "failed"
	URLStatusSkipped    URLStatus = "skipped"
)

// ScrapedURL tracks per-URL import state for a source. Created pending on
// first discovery during pagination; terminal states are success and
// failed-after-max-retries.
type ScrapedURL struct {
	URL           string     `json:"url" db:"url"`
	SourceID      string     `json:"source_id" db:"source_id"`
	Status        URLStatus  `json:"status" db:"status"`
	ErrorMessage  string     `json:"error_message" db:"error_message"`
	LastAttemptAt *time.Time `json:"last_attempt_at" db:"last_attempt_at"`
	RetryCount    int        `json:"retry_count" db:"retry_count"`
	JobID         string     `json:"job_id" db:"job_id"`
}
