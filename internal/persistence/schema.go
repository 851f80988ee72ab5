package persistence

import (
	"context"
	"fmt"
)

// initSchema creates all required tables if they don't exist.
// Every task row is keyed by its session; times are RFC 3339 text in UTC.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		category TEXT NOT NULL,
		extra TEXT NOT NULL DEFAULT '',
		forced_category TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		progress REAL NOT NULL,
		token_budget INTEGER NOT NULL,
		tokens_used INTEGER NOT NULL,
		milestones TEXT NOT NULL,
		estimated_duration INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		last_checkpoint_at TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		archived_at TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tasks (
		session_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		phase TEXT NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		max_retries INTEGER NOT NULL,
		result TEXT NOT NULL,
		cancel_reason TEXT NOT NULL,
		tokens_used INTEGER NOT NULL,
		weight REAL NOT NULL,
		optional INTEGER NOT NULL,
		quality_gate INTEGER NOT NULL,
		timeout INTEGER NOT NULL,
		deliverables TEXT NOT NULL,
		not_before TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		PRIMARY KEY (session_id, id),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_session_position ON tasks(session_id, position);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (session_id, task_id, depends_on_id),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE,
		FOREIGN KEY (session_id, depends_on_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task ON task_dependencies(session_id, task_id);

	CREATE TABLE IF NOT EXISTS task_errors (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		at TEXT NOT NULL,
		PRIMARY KEY (session_id, task_id, attempt),
		FOREIGN KEY (session_id, task_id) REFERENCES tasks(session_id, id) ON DELETE CASCADE
	);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return s.migrate(ctx)
}

// addedColumns lists session columns introduced after the first schema.
var addedColumns = []struct{ name, ddl string }{
	{"extra", "ALTER TABLE sessions ADD COLUMN extra TEXT NOT NULL DEFAULT ''"},
	{"forced_category", "ALTER TABLE sessions ADD COLUMN forced_category TEXT NOT NULL DEFAULT ''"},
}

// migrate brings a database created by an older build up to date.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info('sessions')`)
	if err != nil {
		return fmt.Errorf("inspect sessions table: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("inspect sessions table: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect sessions table: %w", err)
	}

	for _, c := range addedColumns {
		if have[c.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, c.ddl); err != nil {
			return fmt.Errorf("add column sessions.%s: %w", c.name, err)
		}
	}
	return nil
}
