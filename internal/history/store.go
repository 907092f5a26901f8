// Package history records pipeline runs in a local SQLite journal so failed
// inputs can be found and retried later.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pic4k/internal/logging"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned by Finish and Get for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Run is one pipeline invocation.
type Run struct {
	ID          string
	Mode        string
	Input       string
	Prompt      string
	Output      string
	Status      string
	FailedStage string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time // zero while running
	OutputBytes int64
}

// Duration is the wall time of a finished run.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome is what Finish records.
type Outcome struct {
	Err         error
	FailedStage string
	OutputBytes int64
}

// Filter narrows List results.
type Filter struct {
	Limit      int
	FailedOnly bool
}

// Store manages the run journal database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
	now    func() time.Time
}

// Open creates or opens the journal at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: path,
		now:    time.Now,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.History("opened run journal at %s", path)
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		input TEXT NOT NULL,
		prompt TEXT,
		output TEXT NOT NULL,
		status TEXT NOT NULL,
		failed_stage TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		output_bytes INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Begin inserts run with status running. ID and StartedAt are filled in
// when empty.
func (s *Store) Begin(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	run.Status = StatusRunning

	_, err := s.db.Exec(`
		INSERT INTO runs (id, mode, input, prompt, output, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Mode, run.Input, run.Prompt, run.Output, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Finish marks a run succeeded, or failed when outcome.Err is set.
func (s *Store) Finish(id string, outcome Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusSucceeded
	var errText, stage sql.NullString
	if outcome.Err != nil {
		status = StatusFailed
		errText = sql.NullString{String: outcome.Err.Error(), Valid: true}
		stage = sql.NullString{String: outcome.FailedStage, Valid: outcome.FailedStage != ""}
	}

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, failed_stage = ?, error = ?, finished_at = ?, output_bytes = ?
		WHERE id = ?
	`, status, stage, errText, s.now(), outcome.OutputBytes, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, mode, input, prompt, output, status, failed_stage, error, started_at, finished_at, output_bytes`

// Get loads one run.
func (s *Store) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// List returns runs newest first.
func (s *Store) List(f Filter) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if f.FailedOnly {
		query += ` WHERE status = ?`
		args = append(args, StatusFailed)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var run Run
	var prompt, stage, errText sql.NullString
	var finished sql.NullTime
	if err := sc.Scan(&run.ID, &run.Mode, &run.Input, &prompt, &run.Output, &run.Status,
		&stage, &errText, &run.StartedAt, &finished, &run.OutputBytes); err != nil {
		return nil, err
	}
	run.Prompt = prompt.String
	run.FailedStage = stage.String
	run.Error = errText.String
	if finished.Valid {
		run.FinishedAt = finished.Time
	}
	return &run, nil
}
