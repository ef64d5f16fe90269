package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteSink is the single-host fallback when no Postgres DSN is configured.
// Same record shape, payload stored as JSON text.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS engine_events (
		ts INTEGER NOT NULL,
		type TEXT NOT NULL,
		coin TEXT NOT NULL DEFAULT '',
		payload TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS engine_events_type_ts ON engine_events (type, ts)`); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) WriteEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO engine_events (ts, type, coin, payload) VALUES (?, ?, ?, ?)`,
		ev.Time.UnixMilli(), ev.Type, ev.Coin, string(payload))
	return err
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
