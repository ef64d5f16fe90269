package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"hl-regime-bot/internal/config"
)

const writeTimeout = 3 * time.Second

// PostgresSink appends events to an engine_events table, converted to a
// TimescaleDB hypertable when the extension is available.
type PostgresSink struct {
	db     *sql.DB
	schema string
	log    *zap.Logger
}

func NewPostgresSink(cfg config.EventsConfig, log *zap.Logger) (*PostgresSink, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("events dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	sink := &PostgresSink{db: db, schema: schema, log: log}
	if err := sink.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	if s.schema != "public" {
		if err := s.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", s.schema)); err != nil {
			return err
		}
	}
	if err := s.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		coin TEXT NOT NULL DEFAULT '',
		payload JSONB
	)`, s.table())); err != nil {
		return err
	}
	if err := s.exec(ctx, fmt.Sprintf("CREATE INDEX IF NOT EXISTS engine_events_type_ts ON %s (type, ts)", s.table())); err != nil {
		return err
	}
	if err := s.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		if s.log != nil {
			s.log.Warn("timescale extension ensure failed", zap.Error(err))
		}
		return nil
	}
	if err := s.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", s.table())); err != nil && s.log != nil {
		s.log.Warn("engine_events hypertable create failed", zap.Error(err))
	}
	return nil
}

func (s *PostgresSink) WriteEvent(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf("INSERT INTO %s (ts, type, coin, payload) VALUES ($1,$2,$3,$4)", s.table())
	_, err = s.db.ExecContext(ctx, query, ev.Time, ev.Type, ev.Coin, payload)
	return err
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}

func (s *PostgresSink) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresSink) table() string {
	return s.schema + ".engine_events"
}
