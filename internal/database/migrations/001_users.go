package migrations

import "database/sql"

func init() {
	Register(Migration{
		Version: 1,
		Name:    "users",
		Up:      usersSchema,
	})
}

// Chat users are keyed by the opaque id the chat layer hands us.
func usersSchema(db *sql.DB) error {
	return execAll(db, []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			timezone TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	})
}
