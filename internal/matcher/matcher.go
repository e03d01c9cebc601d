// Package matcher routes events to the rules whose event type patterns they
// satisfy.
//
// Patterns are dot-segmented event type names. A pattern without '*' matches
// only the identical event type. A '*' inside the pattern matches one or more
// characters of a single segment. A trailing '*' matches any non-empty
// remainder, so "com.acme.cart.*" matches "com.acme.cart.memory" and also
// deeper names such as "com.acme.cart.node1.memory", while "acme.prod*"
// matches "acme.prod-1" but not "acme.prod" itself.
package matcher

import (
	"fmt"
	"regexp"
	"strings"

	"eventcorrelator/internal/model"
)

var patternRE = regexp.MustCompile(`^(\*\.|[^.]+\.|\.)*(\*|[^.]+)$`)

// Pattern is a compiled event type pattern.
type Pattern struct {
	raw   string
	regex *regexp.Regexp
}

// Compile validates and compiles a single pattern.
func Compile(pattern string) (*Pattern, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	if !patternRE.MatchString(pattern) || strings.Contains(pattern, "..") {
		return nil, fmt.Errorf("unexpected pattern %q: must be dot separated segments, optionally with '*'", pattern)
	}
	p := &Pattern{raw: pattern}
	if !strings.Contains(pattern, "*") {
		return p, nil
	}
	parts := strings.Split(pattern, "*")
	var b strings.Builder
	b.WriteString("^")
	for i, part := range parts {
		b.WriteString(regexp.QuoteMeta(part))
		switch {
		case i == len(parts)-1:
		case i == len(parts)-2 && parts[len(parts)-1] == "":
			b.WriteString("(.+)")
		default:
			b.WriteString("([^.]+)")
		}
	}
	b.WriteString("$")
	p.regex = regexp.MustCompile(b.String())
	return p, nil
}

// String returns the pattern as written.
func (p *Pattern) String() string {
	return p.raw
}

// Matches reports whether eventType satisfies the pattern.
func (p *Pattern) Matches(eventType string) bool {
	if eventType == p.raw {
		return true
	}
	if p.regex == nil {
		return false
	}
	return p.regex.MatchString(eventType)
}

// CompiledRule pairs a rule with its compiled patterns.
type CompiledRule struct {
	Rule     model.Rule
	patterns []*Pattern
}

// Matches reports whether at least one of the rule's patterns accepts eventType.
func (c *CompiledRule) Matches(eventType string) bool {
	for _, p := range c.patterns {
		if p.Matches(eventType) {
			return true
		}
	}
	return false
}

// CompileRule compiles every pattern of r. Duplicate patterns are dropped,
// the remaining order is kept for display.
func CompileRule(r model.Rule) (*CompiledRule, error) {
	seen := make(map[string]struct{}, len(r.EventTypePatterns))
	c := &CompiledRule{Rule: r}
	for _, raw := range r.EventTypePatterns {
		p, err := Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		if _, dup := seen[p.raw]; dup {
			continue
		}
		seen[p.raw] = struct{}{}
		c.patterns = append(c.patterns, p)
	}
	c.Rule.EventTypePatterns = make([]string, 0, len(c.patterns))
	for _, p := range c.patterns {
		c.Rule.EventTypePatterns = append(c.Rule.EventTypePatterns, p.raw)
	}
	return c, nil
}

// Set is an immutable collection of compiled rules.
type Set struct {
	rules []*CompiledRule
}

// NewSet compiles rules. Rules that fail to compile are returned as errors
// alongside a set containing the remaining ones.
func NewSet(rules []model.Rule) (*Set, []error) {
	s := &Set{rules: make([]*CompiledRule, 0, len(rules))}
	var errs []error
	for _, r := range rules {
		c, err := CompileRule(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.rules = append(s.rules, c)
	}
	return s, errs
}

// Match returns every rule whose patterns accept ev.EventType, in set order.
// No match yields an empty slice.
func (s *Set) Match(ev model.Event) []model.Rule {
	if s == nil {
		return nil
	}
	out := make([]model.Rule, 0)
	for _, c := range s.rules {
		if c.Matches(ev.EventType) {
			out = append(out, c.Rule)
		}
	}
	return out
}

// Rules returns the rules in the set.
func (s *Set) Rules() []model.Rule {
	if s == nil {
		return nil
	}
	out := make([]model.Rule, 0, len(s.rules))
	for _, c := range s.rules {
		out = append(out, c.Rule)
	}
	return out
}

// Get returns the rule with the given id.
func (s *Set) Get(id string) (model.Rule, bool) {
	if s == nil {
		return model.Rule{}, false
	}
	for _, c := range s.rules {
		if c.Rule.ID == id {
			return c.Rule, true
		}
	}
	return model.Rule{}, false
}

// Len returns the number of rules in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}
