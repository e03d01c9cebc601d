// Package registry is the read side of rule and script storage. The engine
// only ever sees the active rule set and a script lookup.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"eventcorrelator/internal/matcher"
	"eventcorrelator/internal/model"
)

var ErrScriptNotFound = errors.New("script not found")

// Source is the external rule store.
type Source interface {
	ListActiveRules(ctx context.Context) ([]model.Rule, error)
	GetScript(ctx context.Context, id string) (model.Script, error)
}

// Static serves rules and scripts held in memory, typically from config.
type Static struct {
	mu      sync.RWMutex
	rules   []model.Rule
	scripts map[string]model.Script
}

func NewStatic(rules []model.Rule, scripts []model.Script) *Static {
	s := &Static{}
	s.Replace(rules, scripts)
	return s
}

// Replace swaps the whole content, used on config reload.
func (s *Static) Replace(rules []model.Rule, scripts []model.Script) {
	byID := make(map[string]model.Script, len(scripts))
	for _, sc := range scripts {
		byID[sc.ID] = sc
	}
	cp := append([]model.Rule(nil), rules...)
	s.mu.Lock()
	s.rules = cp
	s.scripts = byID
	s.mu.Unlock()
}

func (s *Static) ListActiveRules(ctx context.Context) ([]model.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if !r.Disabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Static) GetScript(ctx context.Context, id string) (model.Script, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.scripts[id]
	if !ok {
		return model.Script{}, ErrScriptNotFound
	}
	return sc, nil
}

// Snapshot is one loaded view of the active rules.
type Snapshot struct {
	Set      *matcher.Set
	LoadedAt time.Time
	Skipped  int
}

// Cache keeps the active rules compiled for matching. It is loaded once at
// start and refreshed on demand or on an interval; script lookups pass
// through to the source.
type Cache struct {
	src    Source
	logger *slog.Logger
	snap   atomic.Pointer[Snapshot]
	// prepare rewrites a rule before compilation, e.g. to apply dwell defaults.
	prepare func(model.Rule) model.Rule
}

type CacheOption func(*Cache)

// WithPrepare sets a hook applied to every rule before validation.
func WithPrepare(fn func(model.Rule) model.Rule) CacheOption {
	return func(c *Cache) { c.prepare = fn }
}

func NewCache(src Source, logger *slog.Logger, opts ...CacheOption) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{src: src, logger: logger}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&Snapshot{Set: &matcher.Set{}})
	return c
}

// Refresh reloads the rule set. Invalid rules are logged and skipped. On a
// source error the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	rules, err := c.src.ListActiveRules(ctx)
	if err != nil {
		return c.Snapshot(), err
	}
	valid := make([]model.Rule, 0, len(rules))
	skipped := 0
	for _, r := range rules {
		if c.prepare != nil {
			r = c.prepare(r)
		}
		if err := r.Validate(); err != nil {
			c.logger.Error("skipping invalid rule", "rule_id", r.ID, "error", err)
			skipped++
			continue
		}
		valid = append(valid, r)
	}
	set, errs := matcher.NewSet(valid)
	for _, err := range errs {
		c.logger.Error("skipping rule with invalid pattern", "error", err)
	}
	snap := &Snapshot{Set: set, LoadedAt: time.Now().UTC(), Skipped: skipped + len(errs)}
	c.snap.Store(snap)
	c.logger.Info("rules loaded", "active", set.Len(), "skipped", snap.Skipped)
	return snap, nil
}

func (c *Cache) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Match routes ev against the current snapshot.
func (c *Cache) Match(ev model.Event) []model.Rule {
	return c.Snapshot().Set.Match(ev)
}

func (c *Cache) Rules() []model.Rule {
	return c.Snapshot().Set.Rules()
}

func (c *Cache) Rule(id string) (model.Rule, bool) {
	return c.Snapshot().Set.Get(id)
}

func (c *Cache) GetScript(ctx context.Context, id string) (model.Script, error) {
	return c.src.GetScript(ctx, id)
}

func (c *Cache) ListActiveRules(ctx context.Context) ([]model.Rule, error) {
	return c.Rules(), nil
}

// Run refreshes on every tick until ctx is done. A non-positive interval
// returns immediately.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := c.Refresh(ctx); err != nil {
				c.logger.Error("rule refresh failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
