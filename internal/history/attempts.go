package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// opTimeout bounds every ledger statement; history is best effort.
const opTimeout = 5 * time.Second

// StartSession records a new session run and returns its id.
func (l *SQLiteLedger) StartSession(ctx context.Context, session int, worker string, at time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	runID := uuid.NewString()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO sessions (id, session, worker, started_at)
		VALUES (?, ?, ?, ?)
	`, runID, session, worker, at.UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return runID, nil
}

// EndSession closes a session run.
func (l *SQLiteLedger) EndSession(ctx context.Context, runID, reason string, finished int, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := l.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, reason = ?, finished = ?
		WHERE id = ?
	`, at.UTC(), reason, finished, runID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", runID)
	}
	return nil
}

// StartAttempt records a claim. Any attempt of the same task still open is
// closed as failed first: a new claim means the previous one was lost.
func (l *SQLiteLedger) StartAttempt(ctx context.Context, a Attempt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE attempts SET ended_at = ?, outcome = ?, message = 'superseded by a new claim'
		WHERE task_id = ? AND ended_at IS NULL
	`, a.StartedAt.UTC(), OutcomeFailed, a.TaskID)
	if err != nil {
		return "", fmt.Errorf("failed to close open attempts: %w", err)
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var runID sql.NullString
	if a.RunID != "" {
		runID = sql.NullString{String: a.RunID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (id, run_id, task_id, attempt, worker, baseline, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, runID, a.TaskID, a.Attempt, a.Worker, a.Baseline, a.StartedAt.UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return a.ID, nil
}

// FinishAttempt closes the open attempt of taskID. Finishing a task with no
// open attempt (claimed before the ledger existed) is not an error.
func (l *SQLiteLedger) FinishAttempt(ctx context.Context, taskID string, outcome Outcome, category, message string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx, `
		UPDATE attempts SET ended_at = ?, outcome = ?, category = ?, message = ?
		WHERE task_id = ? AND ended_at IS NULL
	`, at.UTC(), outcome, category, message, taskID)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}
	return nil
}

// TaskAttempts returns every attempt of taskID, oldest first.
func (l *SQLiteLedger) TaskAttempts(ctx context.Context, taskID string) ([]Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.db.QueryContext(ctx, `
		SELECT id, COALESCE(run_id, ''), task_id, attempt, worker, baseline, started_at, ended_at,
			COALESCE(outcome, ''), COALESCE(category, ''), COALESCE(message, '')
		FROM attempts
		WHERE task_id = ?
		ORDER BY started_at, attempt
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var ended sql.NullTime
		var outcome string
		if err := rows.Scan(&a.ID, &a.RunID, &a.TaskID, &a.Attempt, &a.Worker, &a.Baseline,
			&a.StartedAt, &ended, &outcome, &a.Category, &a.Message); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			a.EndedAt = &t
		}
		a.Outcome = Outcome(outcome)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempts: %w", err)
	}
	return attempts, nil
}

// Stats aggregates the ledger.
func (l *SQLiteLedger) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var st Stats
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&st.Sessions); err != nil {
		return Stats{}, fmt.Errorf("failed to count sessions: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `SELECT started_at, ended_at, COALESCE(outcome, '') FROM attempts`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var total time.Duration
	var finished int
	for rows.Next() {
		var started time.Time
		var ended sql.NullTime
		var outcome string
		if err := rows.Scan(&started, &ended, &outcome); err != nil {
			return Stats{}, fmt.Errorf("failed to scan attempt: %w", err)
		}
		st.Attempts++
		switch Outcome(outcome) {
		case OutcomeCompleted:
			st.Completed++
		case OutcomeFailed:
			st.Failed++
		default:
			st.Open++
		}
		if ended.Valid {
			total += ended.Time.Sub(started)
			finished++
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("error iterating attempts: %w", err)
	}
	if finished > 0 {
		st.MeanDuration = total / time.Duration(finished)
	}
	return st, nil
}
