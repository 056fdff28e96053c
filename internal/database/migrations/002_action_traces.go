package migrations

import "database/sql"

func init() {
	Register(Migration{
		Version: 2,
		Name:    "action_traces",
		Up:      actionTracesSchema,
	})
}

func actionTracesSchema(db *sql.DB) error {
	return execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS action_traces (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			action TEXT NOT NULL,
			outcome TEXT NOT NULL,
			event_id TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			details_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_action_traces_user ON action_traces(user_id, created_at DESC)`,
	})
}
