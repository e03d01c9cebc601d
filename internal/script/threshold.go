package script

import (
	"context"
	"fmt"

	"eventcorrelator/internal/matcher"
	"eventcorrelator/internal/model"
)

type thresholdProgram struct {
	matchCount int
	conditions []model.Condition
	patterns   []*matcher.Pattern
}

func compileThreshold(th model.ThresholdSpec) (*thresholdProgram, error) {
	p := &thresholdProgram{matchCount: th.MatchCount, conditions: th.Conditions}
	for i, c := range th.Conditions {
		pat, err := matcher.Compile(c.EventType)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		p.patterns = append(p.patterns, pat)
	}
	return p, nil
}

// scan walks the bucket once. It returns how many distinct conditions were
// satisfied and the events that satisfied any of them, in bucket order.
func (p *thresholdProgram) scan(ctx context.Context, bucket []model.Event) (int, []model.Finding, error) {
	hit := make([]bool, len(p.conditions))
	satisfied := 0
	var findings []model.Finding
	for _, ev := range bucket {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		reason := ""
		matched := false
		for i, c := range p.conditions {
			if !p.patterns[i].Matches(ev.EventType) || !conditionHolds(c, ev) {
				continue
			}
			if !hit[i] {
				hit[i] = true
				satisfied++
			}
			if !matched {
				matched = true
				reason = describe(c)
			}
		}
		if matched {
			findings = append(findings, model.Finding{
				EventID:   ev.EventID,
				EventType: ev.EventType,
				Source:    ev.Source,
				Reason:    reason,
			})
		}
	}
	return satisfied, findings, nil
}

func (p *thresholdProgram) evaluate(ctx context.Context, _ model.Rule, bucket []model.Event) (model.EvaluationResult, error) {
	satisfied, findings, err := p.scan(ctx, bucket)
	if err != nil {
		return model.EvaluationResult{}, err
	}
	if satisfied < p.matchCount {
		return model.EvaluationResult{Incident: false}, nil
	}
	return model.EvaluationResult{Events: findings, Incident: true}, nil
}

func (p *thresholdProgram) sufficient(ctx context.Context, _ model.Rule, bucket []model.Event) (bool, error) {
	satisfied, _, err := p.scan(ctx, bucket)
	if err != nil {
		return false, err
	}
	return satisfied >= p.matchCount, nil
}

// conditionHolds applies c to ev. A condition without a field is satisfied by
// any event of a matching type.
func conditionHolds(c model.Condition, ev model.Event) bool {
	if c.Field == "" {
		return true
	}
	actual, ok := ev.Lookup(c.Field)
	if !ok {
		return false
	}
	return compare(actual, c.Op, c.Value)
}

func describe(c model.Condition) string {
	if c.Reason != "" {
		return c.Reason
	}
	if c.Field == "" {
		return c.EventType
	}
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}
