package models

import "time"

type JobMode string

const (
	JobModeFull        JobMode = "full"
	JobModeIncremental JobMode = "incremental"
	JobModeSinglePage  JobMode = "single_page"
)

type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// ScrapeJob is one ingestion run for a source. It owns a stream of
// ScrapeLog entries and the summary counters.
type ScrapeJob struct {
	ID             string     `json:"id" db:"id"`
	SourceID       string     `json:"source_id" db:"source_id"`
	Mode           JobMode    `json:"mode" db:"mode"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at" db:"finished_at"`
	PagesProcessed int        `json:"pages_processed" db:"pages_processed"`
	URLsDiscovered int        `json:"urls_discovered" db:"urls_discovered"`
	URLsImported   int        `json:"urls_imported" db:"urls_imported"`
	Status         JobStatus  `json:"status" db:"status"`
	ErrorMessage   string     `json:"error_message" db:"error_message"`
}
