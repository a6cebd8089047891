package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"fieldsense/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/fieldsense?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, model.Unavailable("open postgres", err)
	}
	return &postgresStore{baseStore{db: db, numbered: true}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL,
			occurred_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			kind TEXT NOT NULL,
			dedup_key TEXT NOT NULL UNIQUE,
			fields_json JSONB NOT NULL,
			labels_json JSONB NOT NULL,
			source TEXT,
			raw_payload BYTEA
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_order ON events(device_id, occurred_at, received_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_order ON events(occurred_at, received_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return model.Unavailable("init postgres schema", err)
		}
	}
	return nil
}
