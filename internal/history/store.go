// Package history records the outcome of every closed window.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"eventcorrelator/internal/model"
)

// Sink is the write side of execution history.
type Sink interface {
	Append(ctx context.Context, rec model.ExecutionRecord) error
}

// Store is a bounded in-memory ring of the most recent records.
type Store struct {
	mu    sync.RWMutex
	buf   []model.ExecutionRecord
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Append(_ context.Context, rec model.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, rec)
		return nil
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = rec
	return nil
}

// List returns up to limit of the newest records, oldest first.
func (s *Store) List(limit int) []model.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return tail(s.buf, limit)
}

// ForRule is List restricted to one rule.
func (s *Store) ForRule(ruleID string, limit int) []model.ExecutionRecord {
	s.mu.RLock()
	matched := make([]model.ExecutionRecord, 0)
	for _, r := range s.buf {
		if r.RuleID == ruleID {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()
	return tail(matched, limit)
}

func (s *Store) Since(ts time.Time) []model.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ExecutionRecord, 0)
	for _, r := range s.buf {
		if !r.CreatedAt.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}

func tail(buf []model.ExecutionRecord, limit int) []model.ExecutionRecord {
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]model.ExecutionRecord, 0, limit)
	out = append(out, buf[len(buf)-limit:]...)
	return out
}

// Tee appends to every sink, in order, and joins their errors.
type Tee []Sink

func (t Tee) Append(ctx context.Context, rec model.ExecutionRecord) error {
	var errs []error
	for _, s := range t {
		if s == nil {
			continue
		}
		if err := s.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
