package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
)

func newSQLite(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	// idempotent
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestRulesAndScriptsRoundTrip(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	rule := model.Rule{
		ID:                "revenue",
		Title:             "Revenue impact",
		ScriptID:          "revenue",
		HookEndpoint:      "http://hooks/rca",
		HookRetry:         3,
		EventTypePatterns: []string{"site24x7.deadui", "devapi.5xx.metric"},
		Dwell:             120 * time.Second,
		DwellDeadline:     100 * time.Second,
		MaxDwell:          180 * time.Second,
		CorrelationKey:    "host",
	}
	require.NoError(t, s.UpsertRule(ctx, rule))
	off := model.Rule{ID: "off", EventTypePatterns: []string{"x"}, Disabled: true}
	require.NoError(t, s.UpsertRule(ctx, off))

	rules, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, rule, rules[0])

	rule.HookRetry = 5
	require.NoError(t, s.UpsertRule(ctx, rule))
	rules, err = s.ListActiveRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, rules[0].HookRetry)

	sc := model.Script{ID: "revenue", Kind: model.ScriptThreshold, Threshold: &model.ThresholdSpec{
		MatchCount: 1,
		Conditions: []model.Condition{{EventType: "site24x7.deadui", Field: "status", Op: "==", Value: "down"}},
	}}
	require.NoError(t, s.UpsertScript(ctx, sc))
	got, err := s.GetScript(ctx, "revenue")
	require.NoError(t, err)
	assert.Equal(t, sc, got)

	_, err = s.GetScript(ctx, "missing")
	assert.ErrorIs(t, err, registry.ErrScriptNotFound)
}

func TestExecutionsAppendAndList(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 5; i++ {
		rule := "a"
		if i%2 == 1 {
			rule = "b"
		}
		require.NoError(t, s.Append(ctx, model.ExecutionRecord{
			ID:             fmt.Sprintf("rec-%d", i),
			RuleID:         rule,
			CorrelationKey: rule,
			Bucket:         []model.Event{{EventID: fmt.Sprint(i), EventType: "x.y", Data: map[string]any{"n": float64(i)}}},
			ScriptResult:   model.EvaluationResult{Incident: i == 4, Events: []model.Finding{{EventID: fmt.Sprint(i)}}},
			HookStatusCode: 200,
			HookAttempts:   1,
			OpenedAt:       base.Add(time.Duration(i) * time.Second),
			CreatedAt:      base.Add(time.Duration(i)*time.Second + time.Millisecond),
		}))
	}

	all, err := s.ListExecutions(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "rec-2", all[0].ID)
	assert.Equal(t, "rec-4", all[2].ID)
	assert.True(t, all[2].ScriptResult.Incident)
	assert.Equal(t, 4.0, all[2].Bucket[0].Data["n"])
	assert.Equal(t, base.Add(4*time.Second), all[2].OpenedAt)

	onlyB, err := s.ListExecutions(ctx, "b", 0)
	require.NoError(t, err)
	require.Len(t, onlyB, 2)
	assert.Equal(t, "rec-1", onlyB[0].ID)
	assert.Equal(t, "rec-3", onlyB[1].ID)
}

func TestStoreFeedsRegistryCache(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertRule(ctx, model.Rule{ID: "r", EventTypePatterns: []string{"a.*"}, Dwell: time.Second, MaxDwell: time.Second}))

	c := registry.NewCache(s, nil)
	_, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, c.Match(model.Event{EventType: "a.b"}), 1)
}

func TestNewStoreDrivers(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "mysql"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)

	pg, err := NewStore(config.StorageConfig{Enabled: true, Driver: "postgres", DSN: "postgres://localhost:1/x"})
	require.NoError(t, err)
	assert.NoError(t, pg.Close())
}

func TestDollarRebind(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", dollarRebind("SELECT * FROM t WHERE a = ? AND b = ?"))
}
