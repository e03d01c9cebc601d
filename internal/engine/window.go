package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"eventcorrelator/internal/model"
)

// CloseReason says which trigger moved a window out of Open.
type CloseReason string

const (
	// CloseEarly fires after the dwell deadline once the bucket is sufficient.
	CloseEarly CloseReason = "deadline"
	// CloseDwell is the normal close at the end of the dwell period.
	CloseDwell CloseReason = "dwell"
	// CloseForced is the max dwell safety valve; the bucket is not evaluated.
	CloseForced CloseReason = "max_dwell"
	// CloseShutdown evaluates whatever was collected when the engine stops.
	CloseShutdown CloseReason = "shutdown"
)

// Closure is a window that has left Open, handed to the close handler.
type Closure struct {
	WindowID       string
	Rule           model.Rule
	CorrelationKey string
	OpenedAt       time.Time
	ClosedAt       time.Time
	Bucket         []model.Event
	Reason         CloseReason
}

// SufficiencyFunc reports whether a bucket may be evaluated before dwell ends.
type SufficiencyFunc func(ctx context.Context, rule model.Rule, bucket []model.Event) bool

// CloseFunc evaluates, dispatches and records a closed window. It runs on its
// own goroutine.
type CloseFunc func(c Closure)

type windowKey struct {
	ruleID string
	key    string
}

type window struct {
	id       string
	key      windowKey
	rule     model.Rule
	openedAt time.Time

	mu             sync.Mutex
	bucket         []model.Event
	phase          model.WindowPhase
	deadlinePassed bool
	checking       bool
	recheck        bool
	timers         []*time.Timer
}

// Manager owns one dwell window per (rule, correlation key). Appends and
// timer transitions on a window are serialized by the window's own lock.
// Lock order is window then manager, never the reverse.
type Manager struct {
	logger     *slog.Logger
	sufficient SufficiencyFunc
	onClose    CloseFunc
	now        func() time.Time

	mu       sync.Mutex
	windows  map[windowKey]*window
	stopping bool

	wg sync.WaitGroup
}

func NewManager(sufficient SufficiencyFunc, onClose CloseFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger,
		sufficient: sufficient,
		onClose:    onClose,
		now:        time.Now,
		windows:    make(map[windowKey]*window),
	}
}

// AddResult tells the caller which window took the event.
type AddResult struct {
	WindowID string
	Opened   bool
}

// Add appends ev to the open window for (rule, key), opening one when none
// is open. An event racing a close lands in a fresh window. After Shutdown
// has begun Add returns ok false.
func (m *Manager) Add(rule model.Rule, key string, ev model.Event) (AddResult, bool) {
	k := windowKey{ruleID: rule.ID, key: key}
	for {
		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			return AddResult{}, false
		}
		w, ok := m.windows[k]
		if !ok {
			w = &window{
				id:       uuid.NewString(),
				key:      k,
				rule:     rule,
				openedAt: m.now().UTC(),
				bucket:   []model.Event{ev},
				phase:    model.PhaseOpen,
			}
			m.windows[k] = w
			m.mu.Unlock()
			m.arm(w)
			return AddResult{WindowID: w.id, Opened: true}, true
		}
		m.mu.Unlock()

		if m.append(w, ev) {
			return AddResult{WindowID: w.id}, true
		}
		m.forget(w)
	}
}

func (m *Manager) append(w *window, ev model.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != model.PhaseOpen {
		return false
	}
	w.bucket = append(w.bucket, ev)
	if w.deadlinePassed {
		m.requestCheckLocked(w)
	}
	return true
}

func (m *Manager) arm(w *window) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != model.PhaseOpen {
		return
	}
	r := w.rule
	w.timers = append(w.timers,
		time.AfterFunc(r.DwellDeadline, func() { m.deadlineReached(w) }),
		time.AfterFunc(r.Dwell, func() { m.close(w, CloseDwell) }),
	)
	if r.MaxDwell != r.Dwell {
		w.timers = append(w.timers, time.AfterFunc(r.MaxDwell, func() { m.close(w, CloseForced) }))
	}
}

func (m *Manager) deadlineReached(w *window) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase != model.PhaseOpen {
		return
	}
	w.deadlinePassed = true
	m.requestCheckLocked(w)
}

// requestCheckLocked starts a sufficiency check off the ingest path. While
// one is running, later appends only mark the bucket for a recheck.
func (m *Manager) requestCheckLocked(w *window) {
	if m.sufficient == nil {
		return
	}
	if w.checking {
		w.recheck = true
		return
	}
	w.checking = true
	bucket := append([]model.Event(nil), w.bucket...)
	m.wg.Add(1)
	go m.runCheck(w, bucket)
}

func (m *Manager) runCheck(w *window, bucket []model.Event) {
	defer m.wg.Done()
	for {
		ok := m.sufficient(context.Background(), w.rule, bucket)

		w.mu.Lock()
		if w.phase != model.PhaseOpen {
			w.checking = false
			w.mu.Unlock()
			return
		}
		if ok {
			w.checking = false
			m.closeLocked(w, CloseEarly)
			w.mu.Unlock()
			return
		}
		if !w.recheck {
			w.checking = false
			w.mu.Unlock()
			return
		}
		w.recheck = false
		bucket = append([]model.Event(nil), w.bucket...)
		w.mu.Unlock()
	}
}

func (m *Manager) close(w *window, reason CloseReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m.closeLocked(w, reason)
}

// closeLocked moves an Open window to Evaluating (or Closed when forced),
// detaches it from the manager and hands it to the close handler. It is a
// no-op for a window that already left Open, so each window closes once.
func (m *Manager) closeLocked(w *window, reason CloseReason) {
	if w.phase != model.PhaseOpen {
		return
	}
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	if reason == CloseForced {
		w.phase = model.PhaseClosed
	} else {
		w.phase = model.PhaseEvaluating
	}
	m.forget(w)

	c := Closure{
		WindowID:       w.id,
		Rule:           w.rule,
		CorrelationKey: w.key.key,
		OpenedAt:       w.openedAt,
		ClosedAt:       m.now().UTC(),
		Bucket:         append([]model.Event(nil), w.bucket...),
		Reason:         reason,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("window close handler panicked", "rule_id", c.Rule.ID, "window_id", c.WindowID, "panic", r)
			}
			w.mu.Lock()
			w.phase = model.PhaseClosed
			w.mu.Unlock()
		}()
		if m.onClose != nil {
			m.onClose(c)
		}
	}()
}

// forget removes w from the index if it is still the registered window.
func (m *Manager) forget(w *window) {
	m.mu.Lock()
	if cur, ok := m.windows[w.key]; ok && cur == w {
		delete(m.windows, w.key)
	}
	m.mu.Unlock()
}

func (m *Manager) list() []*window {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*window, 0, len(m.windows))
	for _, w := range m.windows {
		out = append(out, w)
	}
	return out
}

// Len is the number of open windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Windows returns a snapshot of the open windows, oldest first.
func (m *Manager) Windows() []model.WindowSnapshot {
	ws := m.list()
	out := make([]model.WindowSnapshot, 0, len(ws))
	for _, w := range ws {
		w.mu.Lock()
		out = append(out, model.WindowSnapshot{
			ID:             w.id,
			RuleID:         w.rule.ID,
			CorrelationKey: w.key.key,
			OpenedAt:       w.openedAt,
			Events:         len(w.bucket),
			Phase:          w.phase,
			DeadlinePassed: w.deadlinePassed,
		})
		w.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Reset discards every open window without evaluating it and returns how
// many were dropped.
func (m *Manager) Reset() int {
	m.mu.Lock()
	old := m.windows
	m.windows = make(map[windowKey]*window)
	m.mu.Unlock()

	for _, w := range old {
		w.mu.Lock()
		for _, t := range w.timers {
			t.Stop()
		}
		w.timers = nil
		w.phase = model.PhaseClosed
		w.mu.Unlock()
	}
	return len(old)
}

// Shutdown stops accepting events, evaluates every open window as it
// stands, and waits for in-flight evaluations and dispatches to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	for _, w := range m.list() {
		m.close(w, CloseShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart clears the stopping flag so the manager accepts events again.
func (m *Manager) Restart() {
	m.mu.Lock()
	m.stopping = false
	m.mu.Unlock()
}
