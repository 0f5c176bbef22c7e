package storage

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultSQLiteDSN = "file:classwatch?mode=memory&cache=shared"

var sqliteDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			metadata_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			violation_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			violation_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			confidence REAL NOT NULL,
			metadata_json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id, ts_ms)`,
	},
	bind: func(q string) string { return q },
}

// NewSQLite opens a modernc sqlite database. The default is an in-memory
// database that lives as long as the process.
func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = defaultSQLiteDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps an in-memory database alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	return &sqlStore{db: db, d: sqliteDialect}, nil
}
