package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/correlator?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, rebind: dollarRebind}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	return s.initSchema(ctx, []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			script_id TEXT NOT NULL DEFAULT '',
			hook_endpoint TEXT NOT NULL DEFAULT '',
			hook_retry INTEGER NOT NULL DEFAULT 0,
			event_types_json TEXT NOT NULL,
			dwell_ms BIGINT NOT NULL,
			dwell_deadline_ms BIGINT NOT NULL,
			max_dwell_ms BIGINT NOT NULL,
			correlation_key TEXT NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			body_json TEXT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			correlation_key TEXT NOT NULL,
			bucket_json TEXT NOT NULL,
			result_json TEXT NOT NULL,
			hook_status_code INTEGER NOT NULL,
			hook_attempts INTEGER NOT NULL,
			opened_at_ms BIGINT NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_rule_created ON executions(rule_id, created_at_ms)`,
	})
}
