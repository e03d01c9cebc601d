package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
)

// Store persists rules, scripts and execution history. It serves as both a
// registry.Source and a history.Sink.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Append(ctx context.Context, rec model.ExecutionRecord) error
	ListExecutions(ctx context.Context, ruleID string, limit int) ([]model.ExecutionRecord, error)
	ListActiveRules(ctx context.Context) ([]model.Rule, error)
	GetScript(ctx context.Context, id string) (model.Script, error)
	UpsertRule(ctx context.Context, rule model.Rule) error
	UpsertScript(ctx context.Context, sc model.Script) error
}

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

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
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, cfg.Driver)
	}
}

// baseStore holds the dialect-neutral queries, written with '?'
// placeholders and rewritten by rebind.
type baseStore struct {
	db     *sql.DB
	rebind func(string) string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) exec(ctx context.Context, query string, args ...any) error {
	_, err := b.db.ExecContext(ctx, b.rebind(query), args...)
	return err
}

func (b *baseStore) Append(ctx context.Context, rec model.ExecutionRecord) error {
	if b.db == nil {
		return nil
	}
	return b.exec(ctx,
		`INSERT INTO executions (id, rule_id, correlation_key, bucket_json, result_json, hook_status_code, hook_attempts, opened_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.RuleID,
		rec.CorrelationKey,
		encodeJSON(rec.Bucket),
		encodeJSON(rec.ScriptResult),
		rec.HookStatusCode,
		rec.HookAttempts,
		rec.OpenedAt.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
	)
}

// ListExecutions returns up to limit of the newest records, oldest first.
// An empty ruleID lists every rule.
func (b *baseStore) ListExecutions(ctx context.Context, ruleID string, limit int) ([]model.ExecutionRecord, error) {
	if b.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, rule_id, correlation_key, bucket_json, result_json, hook_status_code, hook_attempts, opened_at_ms, created_at_ms
		FROM executions`
	args := []any{}
	if ruleID != "" {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY created_at_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := b.db.QueryContext(ctx, b.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.ExecutionRecord, 0)
	for rows.Next() {
		var rec model.ExecutionRecord
		var bucket, result string
		var openedMS, createdMS int64
		if err := rows.Scan(&rec.ID, &rec.RuleID, &rec.CorrelationKey, &bucket, &result,
			&rec.HookStatusCode, &rec.HookAttempts, &openedMS, &createdMS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bucket), &rec.Bucket); err != nil {
			return nil, fmt.Errorf("execution %s bucket: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(result), &rec.ScriptResult); err != nil {
			return nil, fmt.Errorf("execution %s result: %w", rec.ID, err)
		}
		rec.OpenedAt = time.UnixMilli(openedMS).UTC()
		rec.CreatedAt = time.UnixMilli(createdMS).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (b *baseStore) ListActiveRules(ctx context.Context) ([]model.Rule, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, b.rebind(
		`SELECT id, title, script_id, hook_endpoint, hook_retry, event_types_json, dwell_ms, dwell_deadline_ms, max_dwell_ms, correlation_key
		FROM rules WHERE active = ? ORDER BY id`), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Rule, 0)
	for rows.Next() {
		var r model.Rule
		var patterns string
		var dwell, deadline, maxDwell int64
		if err := rows.Scan(&r.ID, &r.Title, &r.ScriptID, &r.HookEndpoint, &r.HookRetry, &patterns,
			&dwell, &deadline, &maxDwell, &r.CorrelationKey); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(patterns), &r.EventTypePatterns); err != nil {
			return nil, fmt.Errorf("rule %s event types: %w", r.ID, err)
		}
		r.Dwell = time.Duration(dwell) * time.Millisecond
		r.DwellDeadline = time.Duration(deadline) * time.Millisecond
		r.MaxDwell = time.Duration(maxDwell) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *baseStore) GetScript(ctx context.Context, id string) (model.Script, error) {
	if b.db == nil {
		return model.Script{}, registry.ErrScriptNotFound
	}
	var body string
	err := b.db.QueryRowContext(ctx, b.rebind(`SELECT body_json FROM scripts WHERE id = ?`), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Script{}, registry.ErrScriptNotFound
	}
	if err != nil {
		return model.Script{}, err
	}
	var sc model.Script
	if err := json.Unmarshal([]byte(body), &sc); err != nil {
		return model.Script{}, fmt.Errorf("script %s: %w", id, err)
	}
	return sc, nil
}

func (b *baseStore) UpsertRule(ctx context.Context, r model.Rule) error {
	if b.db == nil {
		return nil
	}
	return b.exec(ctx,
		`INSERT INTO rules (id, title, script_id, hook_endpoint, hook_retry, event_types_json, dwell_ms, dwell_deadline_ms, max_dwell_ms, correlation_key, active, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			script_id = excluded.script_id,
			hook_endpoint = excluded.hook_endpoint,
			hook_retry = excluded.hook_retry,
			event_types_json = excluded.event_types_json,
			dwell_ms = excluded.dwell_ms,
			dwell_deadline_ms = excluded.dwell_deadline_ms,
			max_dwell_ms = excluded.max_dwell_ms,
			correlation_key = excluded.correlation_key,
			active = excluded.active,
			updated_at_ms = excluded.updated_at_ms`,
		r.ID,
		r.Title,
		r.ScriptID,
		r.HookEndpoint,
		r.HookRetry,
		encodeJSON(r.EventTypePatterns),
		r.Dwell.Milliseconds(),
		r.DwellDeadline.Milliseconds(),
		r.MaxDwell.Milliseconds(),
		r.CorrelationKey,
		!r.Disabled,
		nowUTC().UnixMilli(),
	)
}

func (b *baseStore) UpsertScript(ctx context.Context, sc model.Script) error {
	if b.db == nil {
		return nil
	}
	return b.exec(ctx,
		`INSERT INTO scripts (id, kind, body_json, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET kind = excluded.kind, body_json = excluded.body_json, updated_at_ms = excluded.updated_at_ms`,
		sc.ID,
		string(sc.Kind),
		encodeJSON(sc),
		nowUTC().UnixMilli(),
	)
}

func (b *baseStore) initSchema(ctx context.Context, stmts []string) error {
	if b.db == nil {
		return nil
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func noRebind(q string) string { return q }

// dollarRebind rewrites '?' placeholders to $1, $2, ...
func dollarRebind(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, ch := range q {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
