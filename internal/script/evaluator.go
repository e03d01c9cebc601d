// Package script turns a bucket of correlated events into an incident
// verdict by running the rule's script. Failures of any kind are reported in
// EvaluationResult.Error and never escape to the caller.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
)

const (
	errScriptNotFound = "script not found"

	DefaultTimeout   = 2 * time.Second
	DefaultCostLimit = 1000000
)

// Lookup resolves a script by id. registry.Cache and registry.Static satisfy it.
type Lookup interface {
	GetScript(ctx context.Context, id string) (model.Script, error)
}

type Options struct {
	Timeout   time.Duration
	CostLimit uint64
}

type Evaluator struct {
	scripts   Lookup
	logger    *slog.Logger
	timeout   time.Duration
	costLimit uint64
	cel       *celEnv

	mu       sync.Mutex
	compiled map[string]compiledScript
}

// compiledScript is a program ready to run for one script version.
type compiledScript interface {
	evaluate(ctx context.Context, rule model.Rule, bucket []model.Event) (model.EvaluationResult, error)
	sufficient(ctx context.Context, rule model.Rule, bucket []model.Event) (bool, error)
}

func NewEvaluator(scripts Lookup, logger *slog.Logger, opts Options) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CostLimit == 0 {
		opts.CostLimit = DefaultCostLimit
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		scripts:   scripts,
		logger:    logger,
		timeout:   opts.Timeout,
		costLimit: opts.CostLimit,
		cel:       env,
		compiled:  make(map[string]compiledScript),
	}, nil
}

// Evaluate runs the rule's script against bucket.
func (e *Evaluator) Evaluate(ctx context.Context, rule model.Rule, bucket []model.Event) model.EvaluationResult {
	var res model.EvaluationResult
	err := e.guard(ctx, func(ctx context.Context) error {
		prog, err := e.program(ctx, rule.ScriptID)
		if err != nil {
			return err
		}
		res, err = prog.evaluate(ctx, rule, bucket)
		return err
	})
	if err != nil {
		e.logger.Warn("script evaluation failed", "rule_id", rule.ID, "script_id", rule.ScriptID, "error", err)
		return model.EvaluationResult{Incident: false, Error: err.Error()}
	}
	if !res.Incident {
		res.Events = nil
	}
	return res
}

// Sufficient reports whether bucket already holds enough evidence for an
// early evaluation. Any failure counts as not sufficient; the normal close
// will surface the error through Evaluate.
func (e *Evaluator) Sufficient(ctx context.Context, rule model.Rule, bucket []model.Event) bool {
	var ok bool
	err := e.guard(ctx, func(ctx context.Context) error {
		prog, err := e.program(ctx, rule.ScriptID)
		if err != nil {
			return err
		}
		ok, err = prog.sufficient(ctx, rule, bucket)
		return err
	})
	if err != nil {
		e.logger.Debug("sufficiency check failed", "rule_id", rule.ID, "error", err)
		return false
	}
	return ok
}

// Compile checks that a script can be compiled, without caching it.
func (e *Evaluator) Compile(sc model.Script) error {
	_, err := e.compile(sc)
	return err
}

// guard runs fn under the execution budget and converts panics and
// deadline overruns into errors. fn may keep running after a timeout; its
// result is discarded.
func (e *Evaluator) guard(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("script panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.timeoutErr()
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return e.timeoutErr()
		}
		return ctx.Err()
	}
}

func (e *Evaluator) timeoutErr() error {
	return fmt.Errorf("script timed out after %s", e.timeout)
}

func (e *Evaluator) program(ctx context.Context, id string) (compiledScript, error) {
	if id == "" {
		return nil, errors.New(errScriptNotFound)
	}
	sc, err := e.scripts.GetScript(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrScriptNotFound) {
			return nil, errors.New(errScriptNotFound)
		}
		return nil, fmt.Errorf("script lookup: %w", err)
	}
	key := sc.ID + "@" + sc.Fingerprint()

	e.mu.Lock()
	prog, ok := e.compiled[key]
	e.mu.Unlock()
	if ok {
		return prog, nil
	}
	prog, err = e.compile(sc)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	// drop older versions of the same script
	for k := range e.compiled {
		if strings.HasPrefix(k, sc.ID+"@") {
			delete(e.compiled, k)
		}
	}
	e.compiled[key] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Evaluator) compile(sc model.Script) (compiledScript, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	switch sc.Kind {
	case model.ScriptThreshold:
		p, err := compileThreshold(*sc.Threshold)
		if err != nil {
			return nil, fmt.Errorf("script %s: %w", sc.ID, err)
		}
		return p, nil
	case model.ScriptCEL:
		p, err := e.cel.compile(sc, e.costLimit)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("script %s: unknown kind %q", sc.ID, sc.Kind)
}
