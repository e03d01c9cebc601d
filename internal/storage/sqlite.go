package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:correlator.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// single writer
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, rebind: noRebind}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			script_id TEXT NOT NULL DEFAULT '',
			hook_endpoint TEXT NOT NULL DEFAULT '',
			hook_retry INTEGER NOT NULL DEFAULT 0,
			event_types_json TEXT NOT NULL,
			dwell_ms INTEGER NOT NULL,
			dwell_deadline_ms INTEGER NOT NULL,
			max_dwell_ms INTEGER NOT NULL,
			correlation_key TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			body_json TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			correlation_key TEXT NOT NULL,
			bucket_json TEXT NOT NULL,
			result_json TEXT NOT NULL,
			hook_status_code INTEGER NOT NULL,
			hook_attempts INTEGER NOT NULL,
			opened_at_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_rule_created ON executions(rule_id, created_at_ms)`,
	})
}
