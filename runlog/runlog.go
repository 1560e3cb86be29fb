// Package runlog persists worker run history to a local SQLite database,
// so the daemon can answer what ran, where, and how it ended after the
// workers themselves are gone.
package runlog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound means no run exists with the requested ID.
var ErrNotFound = errors.New("run not found")

// Run is one worker's history row.
type Run struct {
	ID            string
	AgentID       string
	ChannelID     string
	Directory     string
	Task          string
	Interactive   bool
	Status        string
	Result        string
	FailureReason string
	StartedAt     time.Time
	FinishedAt    time.Time // zero until the run reaches a terminal state
}

// Store is a handle to the run history database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	channel_id     TEXT NOT NULL,
	directory      TEXT NOT NULL,
	task           TEXT NOT NULL,
	interactive    INTEGER NOT NULL,
	status         TEXT NOT NULL,
	result         TEXT NOT NULL DEFAULT '',
	failure_reason TEXT NOT NULL DEFAULT '',
	started_at     INTEGER NOT NULL,
	finished_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

// Open opens (and if needed creates) the run database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create runlog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open runlog database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize runlog schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a running row for a freshly spawned worker.
func (s *Store) RecordStart(run Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, agent_id, channel_id, directory, task, interactive, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.AgentID, run.ChannelID, run.Directory, run.Task,
		boolToInt(run.Interactive), run.Status, run.StartedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// RecordFinish updates a row with its terminal status.
func (s *Store) RecordFinish(id, status, result, failureReason string, finishedAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE runs SET status = ?, result = ?, failure_reason = ?, finished_at = ? WHERE id = ?`,
		status, result, failureReason, finishedAt.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Get returns one run by ID.
func (s *Store) Get(id string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT id, agent_id, channel_id, directory, task, interactive, status, result, failure_reason, started_at, finished_at
		 FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run, err
}

// List returns the most recent runs, newest first.
func (s *Store) List(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT id, agent_id, channel_id, directory, task, interactive, status, result, failure_reason, started_at, finished_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var interactive int
	var startedAt int64
	var finishedAt sql.NullInt64

	err := row.Scan(&run.ID, &run.AgentID, &run.ChannelID, &run.Directory, &run.Task,
		&interactive, &run.Status, &run.Result, &run.FailureReason, &startedAt, &finishedAt)
	if err != nil {
		return Run{}, err
	}

	run.Interactive = interactive != 0
	run.StartedAt = time.UnixMilli(startedAt)
	if finishedAt.Valid {
		run.FinishedAt = time.UnixMilli(finishedAt.Int64)
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
