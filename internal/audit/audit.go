// Package audit keeps a SQLite ledger of runs and per-file outcomes.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrNoRuns is returned by LastRun when the ledger is empty
var ErrNoRuns = errors.New("no runs recorded")

// RunEntry is one recorded run
type RunEntry struct {
	RunID         string    `json:"run_id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Subdirs       int       `json:"subdirectories"`
	FilesSeen     int       `json:"files_seen"`
	FilesArchived int       `json:"files_archived"`
	FilesFailed   int       `json:"files_failed"`
	LinesRead     int       `json:"lines_read"`
	PointsSent    int       `json:"points_sent"`
	LinesSkipped  int       `json:"lines_skipped"`
	Error         string    `json:"error,omitempty"`
}

// FileEntry is the outcome of one file within a run
type FileEntry struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	Path         string    `json:"path"`
	Subdir       string    `json:"subdirectory"`
	LinesRead    int       `json:"lines_read"`
	PointsSent   int       `json:"points_sent"`
	LinesSkipped int       `json:"lines_skipped"`
	Archived     bool      `json:"archived"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// QueryFilter holds filter parameters for listing runs
type QueryFilter struct {
	Since  time.Time
	Limit  int
	Offset int
}

// Ledger records run and file outcomes
type Ledger struct {
	db            *sql.DB
	retentionDays int
	logger        zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// LedgerConfig holds configuration for creating a ledger
type LedgerConfig struct {
	DB            *sql.DB
	RetentionDays int
	Logger        zerolog.Logger
}

// Open opens the SQLite database at path for use as a ledger
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewLedger creates a ledger and its schema
func NewLedger(cfg *LedgerConfig) (*Ledger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	l := &Ledger{
		db:            cfg.DB,
		retentionDays: cfg.RetentionDays,
		logger:        cfg.Logger.With().Str("component", "ledger").Logger(),
		stopCh:        make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	l.logger.Debug().Msg("Run ledger created")
	return l, nil
}

func (l *Ledger) initSchema() error {
	// Only takes effect on new databases
	if _, err := l.db.Exec("PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to set auto_vacuum pragma")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		subdirs INTEGER,
		files_seen INTEGER,
		files_archived INTEGER,
		files_failed INTEGER,
		lines_read INTEGER,
		points_sent INTEGER,
		lines_skipped INTEGER,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS file_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		path TEXT NOT NULL,
		subdir TEXT,
		lines_read INTEGER,
		points_sent INTEGER,
		lines_skipped INTEGER,
		archived INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		duration_ms INTEGER,
		processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_files_run ON file_outcomes(run_id);
	CREATE INDEX IF NOT EXISTS idx_files_processed ON file_outcomes(processed_at);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create ledger tables: %w", err)
	}
	return nil
}

// Start starts the retention cleanup goroutine
func (l *Ledger) Start() error {
	l.wg.Add(1)
	go l.retentionLoop()

	l.logger.Info().Int("retention_days", l.retentionDays).Msg("Run ledger started")
	return nil
}

// Stop waits for background work to finish
func (l *Ledger) Stop() error {
	close(l.stopCh)
	l.wg.Wait()
	l.logger.Info().Msg("Run ledger stopped")
	return nil
}

// RecordFile stores the outcome of one file
func (l *Ledger) RecordFile(ctx context.Context, e *FileEntry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}

	result, err := l.db.ExecContext(ctx, `
		INSERT INTO file_outcomes (run_id, path, subdir, lines_read, points_sent, lines_skipped, archived, error, duration_ms, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.Path, e.Subdir, e.LinesRead, e.PointsSent, e.LinesSkipped, e.Archived, e.Error, e.DurationMs, e.ProcessedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to record file outcome: %w", err)
	}

	e.ID, _ = result.LastInsertId()
	return nil
}

// RecordRun stores a finished run
func (l *Ledger) RecordRun(ctx context.Context, r *RunEntry) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs (run_id, started_at, finished_at, subdirs, files_seen, files_archived, files_failed, lines_read, points_sent, lines_skipped, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.StartedAt.UTC(), r.FinishedAt.UTC(), r.Subdirs, r.FilesSeen, r.FilesArchived, r.FilesFailed, r.LinesRead, r.PointsSent, r.LinesSkipped, r.Error)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Runs lists recorded runs, most recent first
func (l *Ledger) Runs(ctx context.Context, filter *QueryFilter) ([]RunEntry, error) {
	query := "SELECT run_id, started_at, finished_at, subdirs, files_seen, files_archived, files_failed, lines_read, points_sent, lines_skipped, error FROM runs WHERE 1=1"
	var args []interface{}

	if filter == nil {
		filter = &QueryFilter{}
	}
	if !filter.Since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY started_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}
	query += " LIMIT ?"
	args = append(args, limit)

	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunEntry
	for rows.Next() {
		var r RunEntry
		var runErr sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &r.FinishedAt, &r.Subdirs, &r.FilesSeen, &r.FilesArchived, &r.FilesFailed, &r.LinesRead, &r.PointsSent, &r.LinesSkipped, &runErr); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = runErr.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LastRun returns the most recent run or ErrNoRuns
func (l *Ledger) LastRun(ctx context.Context) (*RunEntry, error) {
	runs, err := l.Runs(ctx, &QueryFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	return &runs[0], nil
}

// Files returns the file outcomes of one run in processing order
func (l *Ledger) Files(ctx context.Context, runID string) ([]FileEntry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_id, path, subdir, lines_read, points_sent, lines_skipped, archived, error, duration_ms, processed_at
		FROM file_outcomes WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query file outcomes: %w", err)
	}
	defer rows.Close()

	var files []FileEntry
	for rows.Next() {
		var e FileEntry
		var subdir, fileErr sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Path, &subdir, &e.LinesRead, &e.PointsSent, &e.LinesSkipped, &e.Archived, &fileErr, &e.DurationMs, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan file outcome: %w", err)
		}
		e.Subdir = subdir.String
		e.Error = fileErr.String
		files = append(files, e)
	}
	return files, rows.Err()
}

// retentionLoop periodically deletes old ledger entries
func (l *Ledger) retentionLoop() {
	defer l.wg.Done()

	l.cleanupOldEntries()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanupOldEntries()
		case <-l.stopCh:
			return
		}
	}
}

func (l *Ledger) cleanupOldEntries() {
	if l.retentionDays <= 0 {
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)

	files, err := l.db.Exec("DELETE FROM file_outcomes WHERE processed_at < ?", cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to cleanup old file outcomes")
		return
	}
	runs, err := l.db.Exec("DELETE FROM runs WHERE started_at < ?", cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to cleanup old runs")
		return
	}

	fileRows, _ := files.RowsAffected()
	runRows, _ := runs.RowsAffected()
	if fileRows+runRows > 0 {
		l.logger.Info().
			Int64("files_deleted", fileRows).
			Int64("runs_deleted", runRows).
			Int("retention_days", l.retentionDays).
			Msg("Cleaned up old ledger entries")

		if _, err := l.db.Exec("PRAGMA incremental_vacuum"); err != nil {
			l.logger.Warn().Err(err).Msg("Failed to run incremental vacuum")
		}
	}
}
