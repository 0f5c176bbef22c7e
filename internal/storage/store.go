// Package storage archives session events and violations to SQL. Rows are
// keyed by session id so a finished session can be purged as a unit.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"classwatch/internal/config"
	"classwatch/internal/model"
)

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveEvent(ctx context.Context, ev model.SessionEvent) error
	SaveViolation(ctx context.Context, sessionID string, v model.Violation) error
	Events(ctx context.Context, sessionID string) ([]model.SessionEvent, error)
	Violations(ctx context.Context, sessionID string) ([]model.Violation, error)
	PurgeSession(ctx context.Context, sessionID string) (int64, error)
}

// NewStore returns nil when storage is disabled.
func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
}

// dialect captures what differs between the SQL backends.
type dialect struct {
	schema []string
	// bind rewrites ? placeholders for the driver.
	bind func(query string) string
}

type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) SaveEvent(ctx context.Context, ev model.SessionEvent) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(
		`INSERT INTO session_events (event_id, session_id, ts_ms, event_type, severity, title, description, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID,
		ev.SessionID,
		ev.Timestamp.UnixMilli(),
		string(ev.Type),
		string(ev.Severity),
		ev.Title,
		ev.Description,
		encodeJSON(ev.Metadata),
	)
	return err
}

func (s *sqlStore) SaveViolation(ctx context.Context, sessionID string, v model.Violation) error {
	_, err := s.db.ExecContext(ctx, s.d.bind(
		`INSERT INTO violations (violation_id, session_id, ts_ms, violation_type, severity, title, description, confidence, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		v.ID,
		sessionID,
		v.Timestamp.UnixMilli(),
		string(v.Type),
		string(v.Severity),
		v.Title,
		v.Description,
		v.Confidence,
		encodeJSON(v.Metadata),
	)
	return err
}

func (s *sqlStore) Events(ctx context.Context, sessionID string) ([]model.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(
		`SELECT event_id, session_id, ts_ms, event_type, severity, title, description, metadata_json
		FROM session_events WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SessionEvent
	for rows.Next() {
		var ev model.SessionEvent
		var ts int64
		var typ, sev, meta string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ts, &typ, &sev, &ev.Title, &ev.Description, &meta); err != nil {
			return nil, err
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.TimeFormatted = ev.Timestamp.Format(model.TimeLayout)
		ev.Type = model.EventType(typ)
		ev.Severity = model.Severity(sev)
		ev.Metadata = decodeJSON(meta)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) Violations(ctx context.Context, sessionID string) ([]model.Violation, error) {
	rows, err := s.db.QueryContext(ctx, s.d.bind(
		`SELECT violation_id, ts_ms, violation_type, severity, title, description, confidence, metadata_json
		FROM violations WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Violation
	for rows.Next() {
		var v model.Violation
		var ts int64
		var typ, sev, meta string
		if err := rows.Scan(&v.ID, &ts, &typ, &sev, &v.Title, &v.Description, &v.Confidence, &meta); err != nil {
			return nil, err
		}
		v.Timestamp = time.UnixMilli(ts).UTC()
		v.TimeFormatted = v.Timestamp.Format(model.TimeLayout)
		v.Type = model.ViolationType(typ)
		v.Severity = model.Severity(sev)
		v.Metadata = decodeJSON(meta)
		out = append(out, v)
	}
	return out, rows.Err()
}

// PurgeSession deletes every row of the session and reports how many were
// removed.
func (s *sqlStore) PurgeSession(ctx context.Context, sessionID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, table := range []string{"session_events", "violations"} {
		res, err := tx.ExecContext(ctx, s.d.bind(`DELETE FROM `+table+` WHERE session_id = ?`), sessionID)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

func encodeJSON(value map[string]any) string {
	if len(value) == 0 {
		return "{}"
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func decodeJSON(raw string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}
