package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Benrotm/real-estate-mls-sub003/models"
)

// SQLiteStore is the operational store: URL states, job records, logs,
// per-source checkpoints and the command queue. Canonical listing data
// lives in Postgres.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS source_state (
		source_id TEXT PRIMARY KEY,
		last_page_scraped INTEGER DEFAULT 0,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS scraped_urls (
		url TEXT NOT NULL,
		source_id TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		last_attempt_at DATETIME,
		retry_count INTEGER DEFAULT 0,
		job_id TEXT,
		PRIMARY KEY (url, source_id)
	);

	CREATE TABLE IF NOT EXISTS scrape_jobs (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		started_at DATETIME,
		finished_at DATETIME,
		pages_processed INTEGER DEFAULT 0,
		urls_discovered INTEGER DEFAULT 0,
		urls_imported INTEGER DEFAULT 0,
		status TEXT,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS scrape_logs (
		id INTEGER PRIMARY KEY,
		job_id TEXT,
		timestamp DATETIME,
		level TEXT,
		message TEXT
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_urls_source_status ON scraped_urls(source_id, status);
	CREATE INDEX IF NOT EXISTS idx_urls_job ON scraped_urls(job_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_source_status ON scrape_jobs(source_id, status);
	CREATE INDEX IF NOT EXISTS idx_logs_job ON scrape_logs(job_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) GetCheckpoint(sourceID string) (int, error) {
	var page int
	err := s.db.QueryRow(`
		SELECT COALESCE(last_page_scraped, 0) FROM source_state WHERE source_id = ?`, sourceID).Scan(&page)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return page, err
}

func (s *SQLiteStore) SetCheckpoint(sourceID string, page int) error {
	_, err := s.db.Exec(`
		INSERT INTO source_state (source_id, last_page_scraped, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET last_page_scraped = ?, updated_at = ?`,
		sourceID, page, time.Now(), page, time.Now())
	return err
}

// ResetSource clears the scraping history for a source so the next full
// run starts from scratch. Imported listings are untouched.
func (s *SQLiteStore) ResetSource(sourceID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM scraped_urls WHERE source_id = ?`, sourceID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		UPDATE source_state SET last_page_scraped = 0, updated_at = ? WHERE source_id = ?`,
		time.Now(), sourceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetURLState(url, sourceID string) (*models.ScrapedURL, error) {
	row := s.db.QueryRow(`
		SELECT url, source_id, status, error_message, last_attempt_at, retry_count, job_id
		FROM scraped_urls WHERE url = ? AND source_id = ?`, url, sourceID)

	var u models.ScrapedURL
	var errMsg, jobID sql.NullString
	var lastAttempt sql.NullTime
	err := row.Scan(&u.URL, &u.SourceID, &u.Status, &errMsg, &lastAttempt, &u.RetryCount, &jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.ErrorMessage = errMsg.String
	u.JobID = jobID.String
	if lastAttempt.Valid {
		t := lastAttempt.Time
		u.LastAttemptAt = &t
	}
	return &u, nil
}

// ClaimURL transitions a URL to in_progress for the given job. The
// conditional upsert is the atomicity guarantee against concurrent
// workers: exactly one caller sees a row change. A claim left behind
// by a job that is no longer running does not block; it is taken over.
func (s *SQLiteStore) ClaimURL(url, sourceID, jobID string) (bool, error) {
	result, err := s.db.Exec(`
		INSERT INTO scraped_urls (url, source_id, status, last_attempt_at, retry_count, job_id)
		VALUES (?, ?, 'in_progress', ?, 0, ?)
		ON CONFLICT(url, source_id) DO UPDATE SET
			status = 'in_progress',
			last_attempt_at = excluded.last_attempt_at,
			job_id = excluded.job_id
		WHERE status != 'in_progress'
			OR job_id IS NULL
			OR job_id NOT IN (SELECT id FROM scrape_jobs WHERE status = 'running')`,
		url, sourceID, time.Now(), jobID)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) MarkURLSuccess(url, sourceID string) error {
	_, err := s.db.Exec(`
		UPDATE scraped_urls SET status = 'success', error_message = NULL, last_attempt_at = ?
		WHERE url = ? AND source_id = ?`,
		time.Now(), url, sourceID)
	return err
}

func (s *SQLiteStore) MarkURLFailed(url, sourceID, message string) error {
	_, err := s.db.Exec(`
		UPDATE scraped_urls SET status = 'failed', error_message = ?,
			last_attempt_at = ?, retry_count = retry_count + 1
		WHERE url = ? AND source_id = ?`,
		message, time.Now(), url, sourceID)
	return err
}

// MarkURLPending records a URL discovered during the index walk. Any
// existing state wins; this only creates the row.
func (s *SQLiteStore) MarkURLPending(url, sourceID string) error {
	_, err := s.db.Exec(`
		INSERT INTO scraped_urls (url, source_id, status, last_attempt_at, retry_count)
		VALUES (?, ?, 'pending', ?, 0)
		ON CONFLICT(url, source_id) DO NOTHING`,
		url, sourceID, time.Now())
	return err
}

// MarkURLSkipped records a deliberate skip. Only a pending row is
// upgraded; success and failed history stays as is.
func (s *SQLiteStore) MarkURLSkipped(url, sourceID, jobID string) error {
	_, err := s.db.Exec(`
		INSERT INTO scraped_urls (url, source_id, status, last_attempt_at, job_id)
		VALUES (?, ?, 'skipped', ?, ?)
		ON CONFLICT(url, source_id) DO UPDATE SET
			status = 'skipped',
			last_attempt_at = excluded.last_attempt_at,
			job_id = excluded.job_id
		WHERE status = 'pending'`,
		url, sourceID, time.Now(), jobID)
	return err
}

func (s *SQLiteStore) CreateJob(job *models.ScrapeJob) error {
	_, err := s.db.Exec(`
		INSERT INTO scrape_jobs (id, source_id, mode, started_at, status,
			pages_processed, urls_discovered, urls_imported)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0)`,
		job.ID, job.SourceID, job.Mode, job.StartedAt, job.Status)
	return err
}

func (s *SQLiteStore) UpdateJob(job *models.ScrapeJob) error {
	_, err := s.db.Exec(`
		UPDATE scrape_jobs SET finished_at = ?, pages_processed = ?, urls_discovered = ?,
			urls_imported = ?, status = ?, error_message = ?
		WHERE id = ?`,
		job.FinishedAt, job.PagesProcessed, job.URLsDiscovered, job.URLsImported,
		job.Status, job.ErrorMessage, job.ID)
	return err
}

func (s *SQLiteStore) GetJob(id string) (*models.ScrapeJob, error) {
	row := s.db.QueryRow(`
		SELECT id, source_id, mode, started_at, finished_at, pages_processed,
			urls_discovered, urls_imported, status, error_message
		FROM scrape_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetRunningJob returns the active job for a source, or nil.
func (s *SQLiteStore) GetRunningJob(sourceID string) (*models.ScrapeJob, error) {
	row := s.db.QueryRow(`
		SELECT id, source_id, mode, started_at, finished_at, pages_processed,
			urls_discovered, urls_imported, status, error_message
		FROM scrape_jobs WHERE source_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, sourceID)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*models.ScrapeJob, error) {
	var j models.ScrapeJob
	var finished sql.NullTime
	var errMsg sql.NullString
	err := row.Scan(&j.ID, &j.SourceID, &j.Mode, &j.StartedAt, &finished,
		&j.PagesProcessed, &j.URLsDiscovered, &j.URLsImported, &j.Status, &errMsg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		j.FinishedAt = &t
	}
	j.ErrorMessage = errMsg.String
	return &j, nil
}

// ReapRunningJobs marks jobs left 'running' by a previous process as
// failed. Their in_progress URLs are released so the next run can
// retry them.
func (s *SQLiteStore) ReapRunningJobs() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE scrape_jobs SET status = 'failed', finished_at = ?,
			error_message = 'interrupted by restart'
		WHERE status = 'running'`, time.Now())
	if err != nil {
		return 0, err
	}
	reaped, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		UPDATE scraped_urls SET status = 'failed',
			error_message = 'interrupted by restart',
			retry_count = retry_count + 1
		WHERE status = 'in_progress'`); err != nil {
		return 0, err
	}

	return reaped, tx.Commit()
}

func (s *SQLiteStore) AppendLog(jobID string, level models.LogLevel, message string) error {
	_, err := s.db.Exec(`
		INSERT INTO scrape_logs (job_id, timestamp, level, message)
		VALUES (?, ?, ?, ?)`,
		jobID, time.Now(), level, message)
	return err
}

func (s *SQLiteStore) GetLogs(jobID string) ([]models.ScrapeLog, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, timestamp, level, message
		FROM scrape_logs WHERE job_id = ? ORDER BY timestamp, id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.ScrapeLog
	for rows.Next() {
		var l models.ScrapeLog
		if err := rows.Scan(&l.ID, &l.JobID, &l.CreatedAt, &l.Level, &l.Message); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) GetPendingCommands() ([]models.Command, error) {
	rows, err := s.db.Query(`
		SELECT id, command, params, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		var cmd models.Command
		var params sql.NullString
		if err := rows.Scan(&cmd.ID, &cmd.Command, &params, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
			return nil, err
		}
		if params.Valid {
			cmd.Params = json.RawMessage(params.String)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) MarkCommandProcessed(id int64) error {
	_, err := s.db.Exec(`UPDATE commands SET processed_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

func (s *SQLiteStore) ParseCommandParams(cmd *models.Command) (*models.CommandParams, error) {
	if cmd.Params == nil || string(cmd.Params) == "null" {
		return &models.CommandParams{}, nil
	}
	var params models.CommandParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return nil, err
	}
	return &params, nil
}
