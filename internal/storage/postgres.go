package storage

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	schema: []string{
		`CREATE TABLE IF NOT EXISTS session_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts_ms BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			metadata_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id BIGSERIAL PRIMARY KEY,
			violation_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			ts_ms BIGINT NOT NULL,
			violation_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			metadata_json JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_violations_session ON violations(session_id, ts_ms)`,
	},
	bind: rebindDollar,
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/classwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, d: postgresDialect}, nil
}

// rebindDollar turns ? placeholders into $1..$n. Queries here never carry
// literal question marks.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
