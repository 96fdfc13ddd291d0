// internal/state/db.go
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run states stored in run_history.state.
const (
	StateRunning      = "running"
	StateSuccess      = "success"
	StateFailure      = "failure"
	StateTerminated   = "terminated"
	StateLaunchFailed = "launch_failed"
	StateOrphaned     = "orphaned" // adopted after a restart, exit status unknown
)

// MaxOutput is how much script output a history row keeps (the tail).
const MaxOutput = 10 * 1024

// ErrRunNotFound is returned when finishing a run that was never begun.
var ErrRunNotFound = errors.New("run not found")

// RunRecord represents a single script run in the history.
type RunRecord struct {
	ID         int64      `json:"id"`
	RunID      string     `json:"run_id"`
	ScheduleID string     `json:"schedule_id"`
	Stimulus   string     `json:"stimulus"` // startup, clock_tick, manual, ...
	Script     string     `json:"script"`
	PID        int        `json:"pid,omitempty"`
	State      string     `json:"state"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
	Output     string     `json:"output,omitempty"` // scrubbed tail
}

// DB wraps the SQLite database connection for run history.
type DB struct {
	db *sql.DB
}

const stateSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    schedule_id TEXT NOT NULL,
    stimulus TEXT NOT NULL,
    script TEXT NOT NULL,
    pid INTEGER NOT NULL DEFAULT 0,
    state TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    exit_code INTEGER,
    error TEXT,
    output TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_run_history_schedule ON run_history(schedule_id);
CREATE INDEX IF NOT EXISTS idx_run_history_state ON run_history(state);
CREATE INDEX IF NOT EXISTS idx_run_history_started ON run_history(started_at);
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
	// One writer; the dispatcher is the only caller that writes.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if _, err := db.Exec(stateSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

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

// TruncateOutput keeps the last MaxOutput bytes of out.
func TruncateOutput(out string) string {
	if len(out) <= MaxOutput {
		return out
	}
	return "...[truncated]\n" + out[len(out)-MaxOutput:]
}

// Begin records a run that has just been launched.
func (d *DB) Begin(rec RunRecord) (int64, error) {
	if rec.State == "" {
		rec.State = StateRunning
	}
	result, err := d.db.Exec(`
		INSERT INTO run_history (run_id, schedule_id, stimulus, script, pid, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ScheduleID, rec.Stimulus, rec.Script, rec.PID, rec.State, rec.StartedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("recording run start: %w", err)
	}
	return result.LastInsertId()
}

// Completion describes how a run ended.
type Completion struct {
	State      string
	FinishedAt time.Time
	Duration   time.Duration
	ExitCode   *int
	Error      string
	Output     string
}

// Finish completes a run begun with Begin.
func (d *DB) Finish(runID string, c Completion) error {
	result, err := d.db.Exec(`
		UPDATE run_history
		SET state = ?, finished_at = ?, duration_ms = ?, exit_code = ?, error = ?, output = ?
		WHERE run_id = ?`,
		c.State, c.FinishedAt.UTC(), c.Duration.Milliseconds(), c.ExitCode, c.Error,
		TruncateOutput(c.Output), runID,
	)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// RecordExecution stores a complete record in one step, for runs that never
// started (launch failures).
func (d *DB) RecordExecution(rec RunRecord) (int64, error) {
	var finished any
	if rec.FinishedAt != nil {
		finished = rec.FinishedAt.UTC()
	}
	result, err := d.db.Exec(`
		INSERT INTO run_history
		(run_id, schedule_id, stimulus, script, pid, state, started_at, finished_at,
		 duration_ms, exit_code, error, output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ScheduleID, rec.Stimulus, rec.Script, rec.PID, rec.State,
		rec.StartedAt.UTC(), finished, rec.DurationMs, rec.ExitCode, rec.Error, TruncateOutput(rec.Output),
	)
	if err != nil {
		return 0, fmt.Errorf("recording execution: %w", err)
	}
	return result.LastInsertId()
}

// FinishOrphan closes the open row of a run whose process ended without
// this daemon instance seeing its exit status. output is whatever could be
// recovered from the run's output file.
func (d *DB) FinishOrphan(scheduleID string, pid int, output string, finishedAt time.Time) error {
	_, err := d.db.Exec(`
		UPDATE run_history SET state = ?, finished_at = ?, output = ?
		WHERE schedule_id = ? AND pid = ? AND state = ?`,
		StateOrphaned, finishedAt.UTC(), output, scheduleID, pid, StateRunning,
	)
	if err != nil {
		return fmt.Errorf("recording orphan finish: %w", err)
	}
	return nil
}

// GetHistory retrieves run history filtered by schedule id and/or state,
// newest first.
func (d *DB) GetHistory(scheduleID, state string, limit int) ([]RunRecord, error) {
	query := `SELECT id, run_id, schedule_id, stimulus, script, pid, state, started_at,
		finished_at, duration_ms, exit_code, error, output FROM run_history WHERE 1=1`
	var args []any

	if scheduleID != "" {
		query += " AND schedule_id = ?"
		args = append(args, scheduleID)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
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

	var records []RunRecord
	for rows.Next() {
		var (
			r        RunRecord
			finished sql.NullTime
			exitCode sql.NullInt64
			errStr   sql.NullString
			output   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.ScheduleID, &r.Stimulus, &r.Script, &r.PID,
			&r.State, &r.StartedAt, &finished, &r.DurationMs, &exitCode, &errStr, &output); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		if exitCode.Valid {
			c := int(exitCode.Int64)
			r.ExitCode = &c
		}
		r.Error = errStr.String
		r.Output = output.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetLastState returns the most recent run state for a schedule.
func (d *DB) GetLastState(scheduleID string) (string, error) {
	var state sql.NullString
	err := d.db.QueryRow(
		"SELECT state FROM run_history WHERE schedule_id = ? ORDER BY started_at DESC, id DESC LIMIT 1",
		scheduleID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting last state: %w", err)
	}
	return state.String, nil
}

// Cleanup removes finished run records older than the specified number of days.
func (d *DB) Cleanup(retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := d.db.Exec(
		"DELETE FROM run_history WHERE started_at < ? AND state != ?", cutoff, StateRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up history: %w", err)
	}
	return result.RowsAffected()
}
