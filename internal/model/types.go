package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Event is a single occurrence reported by a monitoring source. The JSON
// shape follows the cloudevents 0.1 attribute names.
type Event struct {
	EventID            string            `json:"eventID"`
	EventType          string            `json:"eventType"`
	Source             string            `json:"source"`
	EventTime          time.Time         `json:"eventTime"`
	Data               map[string]any    `json:"data,omitempty"`
	CloudEventsVersion string            `json:"cloudEventsVersion,omitempty"`
	EventTypeVersion   string            `json:"eventTypeVersion,omitempty"`
	ContentType        string            `json:"contentType,omitempty"`
	SchemaURL          string            `json:"schemaURL,omitempty"`
	Extensions         map[string]string `json:"extensions,omitempty"`
}

// Hash returns a content hash of the event ignoring EventID and EventTime,
// so re-deliveries of the same alert hash identically.
func (e Event) Hash() string {
	content := struct {
		EventType          string            `json:"t"`
		Source             string            `json:"s"`
		Data               map[string]any    `json:"d"`
		CloudEventsVersion string            `json:"cv"`
		EventTypeVersion   string            `json:"tv"`
		ContentType        string            `json:"ct"`
		SchemaURL          string            `json:"su"`
		Extensions         map[string]string `json:"x"`
	}{e.EventType, e.Source, e.Data, e.CloudEventsVersion, e.EventTypeVersion, e.ContentType, e.SchemaURL, e.Extensions}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:])
}

// Lookup resolves a dot path inside Data, e.g. "host.name".
func (e Event) Lookup(path string) (any, bool) {
	if path == "" || e.Data == nil {
		return nil, false
	}
	var cur any = e.Data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Rule describes which event types must co-occur, and for how long evidence
// is collected, before the rule's script is asked for a verdict.
type Rule struct {
	ID                string        `json:"id" yaml:"id"`
	Title             string        `json:"title" yaml:"title"`
	ScriptID          string        `json:"script_id" yaml:"script_id"`
	HookEndpoint      string        `json:"hook_endpoint" yaml:"hook_endpoint"`
	HookRetry         int           `json:"hook_retry" yaml:"hook_retry"`
	EventTypePatterns []string      `json:"event_types" yaml:"event_types"`
	Dwell             time.Duration `json:"dwell" yaml:"dwell"`
	DwellDeadline     time.Duration `json:"dwell_deadline" yaml:"dwell_deadline"`
	MaxDwell          time.Duration `json:"max_dwell" yaml:"max_dwell"`
	CorrelationKey    string        `json:"correlation_key,omitempty" yaml:"correlation_key"`
	Disabled          bool          `json:"disabled,omitempty" yaml:"disabled"`
}

// Validate checks the structural invariants the window manager relies on.
func (r Rule) Validate() error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	if len(r.EventTypePatterns) == 0 {
		return fmt.Errorf("rule %s: event_types must not be empty", r.ID)
	}
	if r.HookRetry < 0 {
		return fmt.Errorf("rule %s: hook_retry must be >= 0", r.ID)
	}
	if r.DwellDeadline < 0 {
		return fmt.Errorf("rule %s: dwell_deadline must be >= 0", r.ID)
	}
	if r.DwellDeadline > r.Dwell {
		return fmt.Errorf("rule %s: dwell_deadline (%s) must not exceed dwell (%s)", r.ID, r.DwellDeadline, r.Dwell)
	}
	if r.Dwell > r.MaxDwell {
		return fmt.Errorf("rule %s: dwell (%s) must not exceed max_dwell (%s)", r.ID, r.Dwell, r.MaxDwell)
	}
	return nil
}

// ruleWire carries the dwell fields as duration strings ("120s") on the wire.
// Numbers are accepted on input and read as milliseconds.
type ruleAlias Rule

type ruleWire struct {
	ruleAlias
	Dwell         json.RawMessage `json:"dwell,omitempty"`
	DwellDeadline json.RawMessage `json:"dwell_deadline,omitempty"`
	MaxDwell      json.RawMessage `json:"max_dwell,omitempty"`
}

func (r Rule) MarshalJSON() ([]byte, error) {
	w := ruleWire{ruleAlias: ruleAlias(r)}
	w.Dwell, _ = json.Marshal(r.Dwell.String())
	w.DwellDeadline, _ = json.Marshal(r.DwellDeadline.String())
	w.MaxDwell, _ = json.Marshal(r.MaxDwell.String())
	return json.Marshal(w)
}

func (r *Rule) UnmarshalJSON(b []byte) error {
	var w ruleWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Rule(w.ruleAlias)
	var err error
	if out.Dwell, err = parseWireDuration("dwell", w.Dwell); err != nil {
		return err
	}
	if out.DwellDeadline, err = parseWireDuration("dwell_deadline", w.DwellDeadline); err != nil {
		return err
	}
	if out.MaxDwell, err = parseWireDuration("max_dwell", w.MaxDwell); err != nil {
		return err
	}
	*r = out
	return nil
}

func parseWireDuration(field string, raw json.RawMessage) (time.Duration, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		if s == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		return d, nil
	}
	ms, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: expected duration string or milliseconds, got %s", field, raw)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// ScriptKind tags which evaluator variant a Script carries.
type ScriptKind string

const (
	ScriptThreshold ScriptKind = "threshold"
	ScriptCEL       ScriptKind = "cel"
)

// Script is the evaluation program referenced by Rule.ScriptID. Exactly one
// of Threshold or Expression is meaningful, selected by Kind.
type Script struct {
	ID          string         `json:"id" yaml:"id"`
	Kind        ScriptKind     `json:"kind" yaml:"kind"`
	Threshold   *ThresholdSpec `json:"threshold,omitempty" yaml:"threshold"`
	Expression  string         `json:"expression,omitempty" yaml:"expression"`
	EventFilter string         `json:"event_filter,omitempty" yaml:"event_filter"`
	Ready       string         `json:"ready,omitempty" yaml:"ready"`
}

func (s Script) Validate() error {
	if s.ID == "" {
		return errors.New("script id is required")
	}
	switch s.Kind {
	case ScriptThreshold:
		if s.Threshold == nil {
			return fmt.Errorf("script %s: threshold kind requires a threshold block", s.ID)
		}
		if len(s.Threshold.Conditions) == 0 {
			return fmt.Errorf("script %s: threshold needs at least one condition", s.ID)
		}
		if s.Threshold.MatchCount <= 0 || s.Threshold.MatchCount > len(s.Threshold.Conditions) {
			return fmt.Errorf("script %s: match_count must be within [1, %d]", s.ID, len(s.Threshold.Conditions))
		}
		for i, c := range s.Threshold.Conditions {
			if c.EventType == "" {
				return fmt.Errorf("script %s: condition %d has no event_type", s.ID, i)
			}
			if c.Field != "" && !ValidOp(c.Op) {
				return fmt.Errorf("script %s: condition %d has unsupported op %q", s.ID, i, c.Op)
			}
		}
	case ScriptCEL:
		if s.Expression == "" {
			return fmt.Errorf("script %s: cel kind requires an expression", s.ID)
		}
	default:
		return fmt.Errorf("script %s: unknown kind %q", s.ID, s.Kind)
	}
	return nil
}

// ValidOp reports whether op is a supported condition comparator.
func ValidOp(op string) bool {
	switch op {
	case "==", "!=", ">", ">=", "<", "<=":
		return true
	}
	return false
}

// Fingerprint identifies the script content so compiled programs can be
// reused until the script changes.
func (s Script) Fingerprint() string {
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum[:8])
}

// ThresholdSpec is the built-in comparator script: an incident is declared
// once MatchCount distinct conditions have each been satisfied by at least
// one event in the bucket.
type ThresholdSpec struct {
	MatchCount int         `json:"match_count" yaml:"match_count"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Condition applies to events whose type matches EventType (pattern syntax
// allowed). An empty Field means any matching event satisfies it.
type Condition struct {
	EventType string `json:"event_type" yaml:"event_type"`
	Field     string `json:"field,omitempty" yaml:"field"`
	Op        string `json:"op,omitempty" yaml:"op"`
	Value     any    `json:"value,omitempty" yaml:"value"`
	Reason    string `json:"reason,omitempty" yaml:"reason"`
}

// Finding annotates one bucket event that contributed to a verdict.
type Finding struct {
	EventID   string `json:"eventID"`
	EventType string `json:"event"`
	Source    string `json:"source"`
	Reason    string `json:"reason,omitempty"`
}

// EvaluationResult is the verdict produced for one bucket.
type EvaluationResult struct {
	Events   []Finding `json:"events"`
	Incident bool      `json:"incident"`
	Error    string    `json:"error"`
}

const (
	// HookStatusNotApplicable marks records whose verdict did not require dispatch.
	HookStatusNotApplicable = 0
	// HookStatusTransportFailure marks a final attempt that got no HTTP response.
	HookStatusTransportFailure = -1
	// HookStatusDisabled marks records produced while hook posting is turned off.
	HookStatusDisabled = -2
)

// ExecutionRecord is the audit entry written once per closed window.
type ExecutionRecord struct {
	ID             string           `json:"id"`
	RuleID         string           `json:"rule_id"`
	CorrelationKey string           `json:"correlation_key"`
	Bucket         []Event          `json:"bucket"`
	ScriptResult   EvaluationResult `json:"script_result"`
	HookStatusCode int              `json:"hook_status_code"`
	HookAttempts   int              `json:"hook_attempts"`
	OpenedAt       time.Time        `json:"opened_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

// WindowPhase is the lifecycle state of a dwell window.
type WindowPhase string

const (
	PhaseOpen       WindowPhase = "open"
	PhaseEvaluating WindowPhase = "evaluating"
	PhaseClosed     WindowPhase = "closed"
)

// WindowSnapshot is a read-only view of a window for inspection endpoints.
type WindowSnapshot struct {
	ID             string      `json:"id"`
	RuleID         string      `json:"rule_id"`
	CorrelationKey string      `json:"correlation_key"`
	OpenedAt       time.Time   `json:"opened_at"`
	Events         int         `json:"events"`
	Phase          WindowPhase `json:"phase"`
	DeadlinePassed bool        `json:"deadline_passed"`
}
