package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/logging"
	"eventcorrelator/internal/model"
)

func rule(id string, patterns ...string) model.Rule {
	return model.Rule{ID: id, EventTypePatterns: patterns, Dwell: time.Second, MaxDwell: time.Second}
}

func TestStaticListsActiveRulesOnly(t *testing.T) {
	off := rule("off", "c")
	off.Disabled = true
	s := NewStatic([]model.Rule{rule("a", "a"), off}, []model.Script{{ID: "s1"}})

	rules, err := s.ListActiveRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "a", rules[0].ID)

	sc, err := s.GetScript(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", sc.ID)

	_, err = s.GetScript(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrScriptNotFound)
}

func TestCacheRefreshSkipsInvalid(t *testing.T) {
	bad := rule("bad", "a")
	bad.DwellDeadline = time.Hour
	src := NewStatic([]model.Rule{rule("ok", "x.*"), bad, rule("pattern", "a..b")}, nil)
	c := NewCache(src, logging.Discard())

	assert.Empty(t, c.Match(model.Event{EventType: "x.y"}))

	snap, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Set.Len())
	assert.Equal(t, 2, snap.Skipped)
	require.Len(t, c.Match(model.Event{EventType: "x.y"}), 1)

	_, ok := c.Rule("ok")
	assert.True(t, ok)
}

func TestCacheRefreshPicksUpReplacement(t *testing.T) {
	src := NewStatic([]model.Rule{rule("a", "a")}, nil)
	c := NewCache(src, logging.Discard())
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)

	src.Replace([]model.Rule{rule("b", "b")}, nil)
	assert.Len(t, c.Match(model.Event{EventType: "a"}), 1)

	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Empty(t, c.Match(model.Event{EventType: "a"}))
	assert.Len(t, c.Match(model.Event{EventType: "b"}), 1)
}

func TestCachePrepareHook(t *testing.T) {
	r := model.Rule{ID: "a", EventTypePatterns: []string{"a"}}
	c := NewCache(NewStatic([]model.Rule{r}, nil), logging.Discard(), WithPrepare(func(r model.Rule) model.Rule {
		r.Dwell, r.MaxDwell = time.Minute, time.Minute
		return r
	}))
	_, err := c.Refresh(context.Background())
	require.NoError(t, err)
	got, ok := c.Rule("a")
	require.True(t, ok)
	assert.Equal(t, time.Minute, got.Dwell)
}

type failingSource struct{}

func (failingSource) ListActiveRules(context.Context) ([]model.Rule, error) {
	return nil, errors.New("db down")
}

func (failingSource) GetScript(context.Context, string) (model.Script, error) {
	return model.Script{}, ErrScriptNotFound
}

func TestCacheKeepsSnapshotOnSourceError(t *testing.T) {
	c := NewCache(failingSource{}, logging.Discard())
	before := c.Snapshot()
	snap, err := c.Refresh(context.Background())
	assert.Error(t, err)
	assert.Same(t, before, snap)
}
