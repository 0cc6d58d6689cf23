package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		completed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		blocked INTEGER NOT NULL,
		merge_clean INTEGER NOT NULL DEFAULT 0,
		merge_conflicted INTEGER NOT NULL DEFAULT 0,
		needs_manual_resolution INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS task_reports (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		state TEXT NOT NULL,
		artifacts TEXT,
		error TEXT,
		blocked_by TEXT,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS merge_results (
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		paths TEXT,
		conflict_paths TEXT,
		PRIMARY KEY (run_id, task_id),
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS discoveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		value TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_discoveries_run_timestamp
		ON discoveries(run_id, timestamp);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
