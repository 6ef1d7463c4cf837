// internal/history/db.go
// Scrub history. Only counters are stored; neither the input nor the
// sanitized output of a run is ever written.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a run ID has no record.
var ErrNotFound = errors.New("run not found")

// Run is one recorded scrub or rules refresh.
type Run struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"` // UUID, generated by RecordRun when empty
	Source       string    `json:"source"` // cli:text, mcp:scrub_json, daemon:refresh, ...
	RuleSet      string    `json:"rule_set"`
	RulesVersion int64     `json:"rules_version"`
	RuleCount    int       `json:"rule_count"`
	Strings      int       `json:"strings"`
	Changed      int       `json:"changed"`
	DurationMs   int64     `json:"duration_ms"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// DB wraps the SQLite database connection for scrub history.
type DB struct {
	db *sql.DB
}

const historySchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scrub_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    source TEXT NOT NULL,
    rule_set TEXT NOT NULL DEFAULT '',
    rules_version INTEGER NOT NULL DEFAULT 0,
    rule_count INTEGER NOT NULL DEFAULT 0,
    strings INTEGER NOT NULL DEFAULT 0,
    changed INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    started_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_scrub_runs_source ON scrub_runs(source);
CREATE INDEX IF NOT EXISTS idx_scrub_runs_started ON scrub_runs(started_at);
`

// Open opens or creates a history database at the given path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	// Insert schema version if not present
	var count int
	db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count)
	if count == 0 {
		db.Exec("INSERT INTO schema_version (version) VALUES (1)")
	}

	return &DB{db: db}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// RecordRun stores a run and returns its row ID.
func (d *DB) RecordRun(run Run) (int64, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	} else if _, err := uuid.Parse(run.RunID); err != nil {
		return 0, fmt.Errorf("invalid run id %q: %w", run.RunID, err)
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	var errStr *string
	if run.Error != "" {
		errStr = &run.Error
	}

	result, err := d.db.Exec(`
		INSERT INTO scrub_runs
		(run_id, source, rule_set, rules_version, rule_count, strings, changed,
		 duration_ms, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.RuleSet, run.RulesVersion, run.RuleCount,
		run.Strings, run.Changed, run.DurationMs, errStr, run.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run: %w", err)
	}
	return result.LastInsertId()
}

const runColumns = "id, run_id, source, rule_set, rules_version, rule_count, strings, changed, duration_ms, error, started_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	var errStr sql.NullString
	err := s.Scan(&r.ID, &r.RunID, &r.Source, &r.RuleSet, &r.RulesVersion, &r.RuleCount,
		&r.Strings, &r.Changed, &r.DurationMs, &errStr, &r.StartedAt)
	r.Error = errStr.String
	return r, err
}

// GetRun returns the run with the given UUID.
func (d *DB) GetRun(runID string) (Run, error) {
	row := d.db.QueryRow("SELECT "+runColumns+" FROM scrub_runs WHERE run_id = ?", runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("getting run: %w", err)
	}
	return r, nil
}

// GetHistory retrieves runs, newest first, optionally filtered by source.
func (d *DB) GetHistory(source string, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM scrub_runs WHERE 1=1"
	var args []any

	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}

	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Cleanup removes runs older than the specified number of days.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UTC()
	result, err := d.db.Exec(
		"DELETE FROM scrub_runs WHERE started_at < ?", cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
