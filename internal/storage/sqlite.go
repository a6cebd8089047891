package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"fieldsense/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fieldsense.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, model.Unavailable("open sqlite", err)
	}
	// single writer connection; pages are materialized before yielding so scans never pin it
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			device_id TEXT NOT NULL,
			occurred_at INTEGER NOT NULL,
			received_at INTEGER NOT NULL,
			kind TEXT NOT NULL,
			dedup_key TEXT NOT NULL UNIQUE,
			fields_json TEXT NOT NULL,
			labels_json TEXT NOT NULL,
			source TEXT,
			raw_payload BLOB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_device_order ON events(device_id, occurred_at, received_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_order ON events(occurred_at, received_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return model.Unavailable("init sqlite schema", err)
		}
	}
	return nil
}
