package script

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"eventcorrelator/internal/model"
)

// celEnv declares the variables visible to CEL scripts:
//
//	events  list of the bucket's events as maps
//	event   the single event under test, for event_filter
//	rule    the rule that owns the window
type celEnv struct {
	env *cel.Env
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("events", cel.ListType(cel.DynType)),
		cel.Variable("event", cel.DynType),
		cel.Variable("rule", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celEnv{env: env}, nil
}

type celProgram struct {
	main   cel.Program
	filter cel.Program
	ready  cel.Program
}

func (c *celEnv) compile(sc model.Script, costLimit uint64) (*celProgram, error) {
	main, err := c.program(sc.Expression, costLimit)
	if err != nil {
		return nil, fmt.Errorf("script %s expression: %w", sc.ID, err)
	}
	p := &celProgram{main: main, ready: main}
	if sc.EventFilter != "" {
		if p.filter, err = c.program(sc.EventFilter, costLimit); err != nil {
			return nil, fmt.Errorf("script %s event_filter: %w", sc.ID, err)
		}
	}
	if sc.Ready != "" {
		if p.ready, err = c.program(sc.Ready, costLimit); err != nil {
			return nil, fmt.Errorf("script %s ready: %w", sc.ID, err)
		}
	}
	return p, nil
}

func (c *celEnv) program(expr string, costLimit uint64) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", out)
	}
	prog, err := c.env.Program(ast,
		cel.CostLimit(costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prog, nil
}

func (p *celProgram) evaluate(ctx context.Context, rule model.Rule, bucket []model.Event) (model.EvaluationResult, error) {
	vars := activation(rule, bucket)
	incident, err := evalBool(ctx, p.main, vars)
	if err != nil {
		return model.EvaluationResult{}, err
	}
	if !incident {
		return model.EvaluationResult{Incident: false}, nil
	}
	findings := make([]model.Finding, 0, len(bucket))
	events := vars["events"].([]any)
	for i, ev := range bucket {
		if p.filter != nil {
			keep, err := evalBool(ctx, p.filter, map[string]any{"event": events[i], "rule": vars["rule"], "events": events})
			if err != nil {
				return model.EvaluationResult{}, fmt.Errorf("event_filter: %w", err)
			}
			if !keep {
				continue
			}
		}
		findings = append(findings, model.Finding{EventID: ev.EventID, EventType: ev.EventType, Source: ev.Source})
	}
	return model.EvaluationResult{Events: findings, Incident: true}, nil
}

func (p *celProgram) sufficient(ctx context.Context, rule model.Rule, bucket []model.Event) (bool, error) {
	return evalBool(ctx, p.ready, activation(rule, bucket))
}

func evalBool(ctx context.Context, prog cel.Program, vars map[string]any) (bool, error) {
	out, _, err := prog.ContextEval(ctx, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression returned %T, expected bool", out.Value())
	}
	return b, nil
}

func activation(rule model.Rule, bucket []model.Event) map[string]any {
	events := make([]any, 0, len(bucket))
	for _, ev := range bucket {
		events = append(events, eventValue(ev))
	}
	var first any = map[string]any{}
	if len(events) > 0 {
		first = events[0]
	}
	return map[string]any{
		"events": events,
		"event":  first,
		"rule": map[string]any{
			"id":          rule.ID,
			"title":       rule.Title,
			"script_id":   rule.ScriptID,
			"event_types": append([]string(nil), rule.EventTypePatterns...),
		},
	}
}

func eventValue(ev model.Event) map[string]any {
	data := ev.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"eventID":   ev.EventID,
		"eventType": ev.EventType,
		"source":    ev.Source,
		"eventTime": ev.EventTime,
		"data":      data,
	}
}
