// Package history keeps an append-only ledger of sessions and task attempts.
// The state document holds only the current attempt; the ledger answers
// questions across attempts (durations, outcome mix) for STATS lines and
// the status command. It is never needed for correctness.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Outcome of a finished attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Attempt is one claim of one task.
type Attempt struct {
	ID        string
	RunID     string
	TaskID    string
	Attempt   int
	Worker    string
	Baseline  string
	StartedAt time.Time
	EndedAt   *time.Time
	Outcome   Outcome
	Category  string
	Message   string
}

// Stats aggregates the whole ledger.
type Stats struct {
	Sessions     int           `json:"sessions"`
	Attempts     int           `json:"attempts"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Open         int           `json:"open"`
	MeanDuration time.Duration `json:"mean_duration_ns"` // over finished attempts
}

// Ledger defines the attempt-history interface.
type Ledger interface {
	StartSession(ctx context.Context, session int, worker string, at time.Time) (runID string, err error)
	EndSession(ctx context.Context, runID, reason string, finished int, at time.Time) error
	StartAttempt(ctx context.Context, a Attempt) (string, error)
	FinishAttempt(ctx context.Context, taskID string, outcome Outcome, category, message string, at time.Time) error
	TaskAttempts(ctx context.Context, taskID string) ([]Attempt, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
}

// Open creates a SQLite-backed ledger at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func Open(ctx context.Context, dbPath string) (*SQLiteLedger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Busy timeout covers concurrent workers sharing one state root
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return open(ctx, connStr)
}

// OpenMemory creates a private in-memory ledger for testing.
func OpenMemory(ctx context.Context) (*SQLiteLedger, error) {
	// Shared cache so both pool connections see the same database; the
	// random name keeps ledgers from different tests apart.
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(2)

	l := &SQLiteLedger{db: db}
	if err := l.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}
