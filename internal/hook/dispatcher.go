// Package hook delivers incident verdicts to rule webhooks with bounded retry.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"eventcorrelator/internal/model"
)

type Options struct {
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Disabled turns every dispatch into a logged no-op.
	Disabled bool
	// RateLimit caps posts per second per endpoint; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

// Outcome is what a dispatch recorded. StatusCode is the last HTTP status,
// or one of the model.HookStatus sentinels.
type Outcome struct {
	StatusCode int
	Attempts   int
	Err        error
}

type Dispatcher struct {
	client *http.Client
	logger *slog.Logger
	opts   Options
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewDispatcher(client *http.Client, logger *slog.Logger, opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 500 * time.Millisecond
	}
	if opts.BackoffMax < opts.BackoffBase {
		opts.BackoffMax = opts.BackoffBase
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:   client,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		sleep:    sleepCtx,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Dispatch posts result to rule.HookEndpoint when it is an incident. It makes
// at most rule.HookRetry+1 attempts and never returns an error to the
// caller; failures are reported in the Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, rule model.Rule, result model.EvaluationResult) Outcome {
	if !result.Incident {
		return Outcome{StatusCode: model.HookStatusNotApplicable}
	}
	if d.opts.Disabled {
		d.logger.Info("hook posting disabled, skipping dispatch", "rule_id", rule.ID, "endpoint", rule.HookEndpoint)
		return Outcome{StatusCode: model.HookStatusDisabled}
	}
	if rule.HookEndpoint == "" {
		d.logger.Warn("incident without hook endpoint", "rule_id", rule.ID)
		return Outcome{StatusCode: model.HookStatusNotApplicable, Err: fmt.Errorf("rule %s has no hook endpoint", rule.ID)}
	}

	body, err := json.Marshal(NewEnvelope(result, d.now()))
	if err != nil {
		return Outcome{StatusCode: model.HookStatusTransportFailure, Err: fmt.Errorf("hook: encode envelope: %w", err)}
	}

	attempts := rule.HookRetry + 1
	if attempts < 1 {
		attempts = 1
	}
	out := Outcome{StatusCode: model.HookStatusTransportFailure}
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && !d.sleep(ctx, d.Backoff(attempt-1)) {
			out.Err = fmt.Errorf("hook: %w", ctx.Err())
			break
		}
		if err := d.wait(ctx, rule.HookEndpoint); err != nil {
			out.Err = fmt.Errorf("hook: %w", err)
			break
		}
		out.Attempts = attempt
		status, err := d.post(ctx, rule.HookEndpoint, body)
		if err != nil {
			out.StatusCode = model.HookStatusTransportFailure
			out.Err = err
		} else {
			out.StatusCode = status
			out.Err = nil
			if status >= 200 && status < 300 {
				return out
			}
			out.Err = fmt.Errorf("hook: HTTP %d", status)
		}
		d.logger.Warn("hook attempt failed",
			"rule_id", rule.ID,
			"endpoint", rule.HookEndpoint,
			"attempt", attempt,
			"of", attempts,
			"status", out.StatusCode,
			"error", out.Err,
		)
	}
	return out
}

// Backoff is the delay before retry n (n >= 1): base doubled per retry,
// capped at the configured maximum.
func (d *Dispatcher) Backoff(n int) time.Duration {
	delay := d.opts.BackoffBase
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= d.opts.BackoffMax {
			return d.opts.BackoffMax
		}
	}
	if delay > d.opts.BackoffMax {
		return d.opts.BackoffMax
	}
	return delay
}

func (d *Dispatcher) post(ctx context.Context, endpoint string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("hook: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("hook: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) wait(ctx context.Context, endpoint string) error {
	if d.opts.RateLimit <= 0 {
		return nil
	}
	d.mu.Lock()
	lim, ok := d.limiters[endpoint]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.opts.RateLimit), d.opts.RateBurst)
		d.limiters[endpoint] = lim
	}
	d.mu.Unlock()
	return lim.Wait(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
