package history

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteLedger) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session INTEGER NOT NULL,
		worker TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		reason TEXT,
		finished INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		worker TEXT NOT NULL,
		baseline TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		outcome TEXT,
		category TEXT,
		message TEXT,
		FOREIGN KEY (run_id) REFERENCES sessions(id) ON DELETE SET NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_task_started
		ON attempts(task_id, started_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
