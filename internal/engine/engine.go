package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"eventcorrelator/internal/history"
	"eventcorrelator/internal/hook"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/normalize"
)

// Ingest statuses.
const (
	StatusPending   = "pending"
	StatusIgnored   = "ignored"
	StatusDuplicate = "duplicate"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrStopped      = errors.New("engine is shutting down")
)

// Router resolves the rules an event belongs to. registry.Cache is the
// production implementation.
type Router interface {
	Match(ev model.Event) []model.Rule
	Rule(id string) (model.Rule, bool)
}

type Evaluator interface {
	Evaluate(ctx context.Context, rule model.Rule, bucket []model.Event) model.EvaluationResult
	Sufficient(ctx context.Context, rule model.Rule, bucket []model.Event) bool
}

type Dispatcher interface {
	Dispatch(ctx context.Context, rule model.Rule, result model.EvaluationResult) hook.Outcome
}

type Options struct {
	// DedupeWindow drops events whose content hash was seen within the
	// window. Zero keeps every event.
	DedupeWindow time.Duration
}

type Engine struct {
	logger     *slog.Logger
	metrics    *metrics.Store
	router     Router
	evaluator  Evaluator
	dispatcher Dispatcher
	sink       history.Sink
	windows    *Manager
	opts       atomic.Value
	deDupe     atomic.Pointer[DedupeCache]
	started    time.Time
}

// WindowRef names the window an event was routed into.
type WindowRef struct {
	RuleID         string `json:"rule_id"`
	WindowID       string `json:"window_id"`
	CorrelationKey string `json:"correlation_key"`
	Opened         bool   `json:"opened"`
}

// IngestResult is returned inline for every accepted event. Verdicts arrive
// later through the history sink.
type IngestResult struct {
	EventID string      `json:"eventID"`
	Status  string      `json:"status"`
	Windows []WindowRef `json:"windows"`
}

func NewEngine(router Router, evaluator Evaluator, dispatcher Dispatcher, sink history.Sink, metricsStore *metrics.Store, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if metricsStore == nil {
		metricsStore = metrics.NewStore(0)
	}
	e := &Engine{
		logger:     logger,
		metrics:    metricsStore,
		router:     router,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		sink:       sink,
		started:    time.Now().UTC(),
	}
	e.opts.Store(opts)
	e.deDupe.Store(NewDedupeCache())
	e.windows = NewManager(evaluator.Sufficient, e.finish, logger)
	return e
}

func (e *Engine) UpdateOptions(opts Options) {
	e.opts.Store(opts)
}

func (e *Engine) options() Options {
	return e.opts.Load().(Options)
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Event) {
	go func() {
		for {
			select {
			case ev := <-in:
				if _, err := e.Ingest(ctx, ev); err != nil {
					e.logger.Warn("event rejected", "event_id", ev.EventID, "event_type", ev.EventType, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Ingest validates ev and routes it into the dwell window of every rule it
// matches. It never blocks on evaluation or dispatch.
func (e *Engine) Ingest(ctx context.Context, ev model.Event) (IngestResult, error) {
	if err := normalize.Validate(ev); err != nil {
		e.metrics.Inc(metrics.EventsInvalid)
		return IngestResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e.metrics.Inc(metrics.EventsReceived)
	res := IngestResult{EventID: ev.EventID, Status: StatusIgnored, Windows: []WindowRef{}}

	if e.isDuplicate(ev) {
		e.metrics.Inc(metrics.EventsDuplicate)
		res.Status = StatusDuplicate
		e.logger.Debug("duplicate event dropped", "event_id", ev.EventID, "event_type", ev.EventType)
		return res, nil
	}

	rules := e.router.Match(ev)
	if len(rules) == 0 {
		e.metrics.Inc(metrics.EventsIgnored)
		e.logger.Debug("event matched no rule", "event_id", ev.EventID, "event_type", ev.EventType, "source", ev.Source)
		return res, nil
	}

	for _, rule := range rules {
		key := CorrelationKey(rule, ev)
		added, ok := e.windows.Add(rule, key, ev)
		if !ok {
			return res, ErrStopped
		}
		if added.Opened {
			e.metrics.WindowOpened(rule.ID)
			e.logger.Debug("window opened",
				"rule_id", rule.ID,
				"window_id", added.WindowID,
				"correlation_key", key,
				"dwell", rule.Dwell,
				"dwell_deadline", rule.DwellDeadline,
			)
		}
		res.Windows = append(res.Windows, WindowRef{
			RuleID:         rule.ID,
			WindowID:       added.WindowID,
			CorrelationKey: key,
			Opened:         added.Opened,
		})
	}
	res.Status = StatusPending
	return res, nil
}

// EvaluateNow runs the script of rule ruleID over bucket synchronously,
// without opening a window or dispatching the hook. ok is false when no
// active rule has that id.
func (e *Engine) EvaluateNow(ctx context.Context, ruleID string, bucket []model.Event) (model.EvaluationResult, bool) {
	rule, ok := e.router.Rule(ruleID)
	if !ok {
		e.logger.Info("unknown rule type requested", "rule_id", ruleID)
		return model.EvaluationResult{}, false
	}
	return e.evaluator.Evaluate(ctx, rule, bucket), true
}

// finish is the close handler: it evaluates the bucket, dispatches the hook
// and appends the execution record. In-flight work is not cancelled by
// later events or by shutdown.
func (e *Engine) finish(c Closure) {
	ctx := context.Background()
	var result model.EvaluationResult
	outcome := hook.Outcome{StatusCode: model.HookStatusNotApplicable}

	if c.Reason == CloseForced {
		result = model.EvaluationResult{Error: fmt.Sprintf("window force-closed after max dwell %s without evaluation", c.Rule.MaxDwell)}
		e.logger.Warn("window force-closed", "rule_id", c.Rule.ID, "window_id", c.WindowID, "events", len(c.Bucket))
	} else {
		result = e.evaluator.Evaluate(ctx, c.Rule, c.Bucket)
		outcome = e.dispatcher.Dispatch(ctx, c.Rule, result)
	}

	rec := model.ExecutionRecord{
		ID:             uuid.NewString(),
		RuleID:         c.Rule.ID,
		CorrelationKey: c.CorrelationKey,
		Bucket:         c.Bucket,
		ScriptResult:   result,
		HookStatusCode: outcome.StatusCode,
		HookAttempts:   outcome.Attempts,
		OpenedAt:       c.OpenedAt,
		CreatedAt:      time.Now().UTC(),
	}
	if e.sink != nil {
		if err := e.sink.Append(ctx, rec); err != nil {
			e.logger.Error("failed to record execution", "rule_id", rec.RuleID, "record_id", rec.ID, "error", err)
		}
	}
	e.metrics.Executed(rec, c.Reason == CloseForced)

	attrs := []any{
		"rule_id", c.Rule.ID,
		"window_id", c.WindowID,
		"correlation_key", c.CorrelationKey,
		"reason", string(c.Reason),
		"events", len(c.Bucket),
		"incident", result.Incident,
		"hook_status", outcome.StatusCode,
		"hook_attempts", outcome.Attempts,
	}
	switch {
	case result.Error != "":
		e.logger.Warn("window closed with error", append(attrs, "error", result.Error)...)
	case outcome.Err != nil:
		e.logger.Error("window closed, hook delivery failed", append(attrs, "error", outcome.Err)...)
	case result.Incident:
		e.logger.Warn("incident detected", attrs...)
	default:
		e.logger.Info("window closed", attrs...)
	}
}

func (e *Engine) Windows() []model.WindowSnapshot {
	return e.windows.Windows()
}

func (e *Engine) OpenWindows() int {
	return e.windows.Len()
}

func (e *Engine) Metrics() *metrics.Store {
	return e.metrics
}

func (e *Engine) StartedAt() time.Time {
	return e.started
}

// Reset drops open windows without evaluation and clears the dedupe cache.
func (e *Engine) Reset() int {
	n := e.windows.Reset()
	e.deDupe.Store(NewDedupeCache())
	return n
}

// Shutdown evaluates open windows and waits for in-flight work.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.windows.Shutdown(ctx)
}

// Resume accepts events again after Shutdown.
func (e *Engine) Resume() {
	e.windows.Restart()
}

func (e *Engine) isDuplicate(ev model.Event) bool {
	window := e.options().DedupeWindow
	if window <= 0 {
		return false
	}
	return e.deDupe.Load().Seen(ev.Hash(), time.Now().UTC(), window)
}

// CorrelationKey derives the window key for ev under rule. A rule without a
// correlation key path, or an event lacking that field, correlates on the
// rule id.
func CorrelationKey(rule model.Rule, ev model.Event) string {
	if rule.CorrelationKey == "" {
		return rule.ID
	}
	v, ok := ev.Lookup(rule.CorrelationKey)
	if !ok || v == nil {
		return rule.ID
	}
	s := fmt.Sprint(v)
	if s == "" {
		return rule.ID
	}
	return s
}
