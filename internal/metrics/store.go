package metrics

import (
	"io"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"eventcorrelator/internal/model"
)

// Counter names for engine-wide events.
const (
	EventsReceived  = "events_received"
	EventsIgnored   = "events_ignored"
	EventsInvalid   = "events_invalid"
	EventsDuplicate = "events_duplicate"
	EventsDropped   = "events_dropped"
)

var counterHelp = map[string]string{
	EventsReceived:  "Events accepted at the ingest boundary.",
	EventsIgnored:   "Events that matched no active rule.",
	EventsInvalid:   "Events rejected by validation.",
	EventsDuplicate: "Events dropped by content dedupe.",
	EventsDropped:   "Events dropped because the ingest channel was full.",
}

type RuleStats struct {
	RuleID          string    `json:"rule_id"`
	WindowsOpened   uint64    `json:"windows_opened"`
	Evaluations     uint64    `json:"evaluations"`
	Incidents       uint64    `json:"incidents"`
	ScriptErrors    uint64    `json:"script_errors"`
	ForceClosed     uint64    `json:"force_closed"`
	HookFailures    uint64    `json:"hook_failures"`
	HookAttempts    uint64    `json:"hook_attempts"`
	LastStatusCode  int       `json:"last_status_code"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
	updatedAt       time.Time
}

type Store struct {
	mu       sync.RWMutex
	counters map[string]uint64
	byRule   map[string]*RuleStats
	limit    int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		counters: make(map[string]uint64),
		byRule:   make(map[string]*RuleStats),
		limit:    limit,
	}
}

func (s *Store) Inc(name string) {
	s.mu.Lock()
	s.counters[name]++
	s.mu.Unlock()
}

func (s *Store) WindowOpened(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rule(ruleID).WindowsOpened++
}

// Executed folds one execution record into the rule's stats.
func (s *Store) Executed(rec model.ExecutionRecord, forced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.rule(rec.RuleID)
	if forced {
		st.ForceClosed++
	} else {
		st.Evaluations++
	}
	if rec.ScriptResult.Incident {
		st.Incidents++
	}
	if rec.ScriptResult.Error != "" && !forced {
		st.ScriptErrors++
	}
	st.HookAttempts += uint64(rec.HookAttempts)
	if rec.ScriptResult.Incident && (rec.HookStatusCode == model.HookStatusTransportFailure || rec.HookStatusCode >= 300) {
		st.HookFailures++
	}
	st.LastStatusCode = rec.HookStatusCode
	st.LastEvaluatedAt = rec.CreatedAt
}

func (s *Store) rule(ruleID string) *RuleStats {
	st, ok := s.byRule[ruleID]
	if !ok {
		st = &RuleStats{RuleID: ruleID}
		s.byRule[ruleID] = st
		if len(s.byRule) > s.limit {
			s.evictOldest(ruleID)
		}
	}
	st.updatedAt = time.Now().UTC()
	return st
}

func (s *Store) Counter(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[name]
}

func (s *Store) Counters() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

func (s *Store) Get(ruleID string) (RuleStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byRule[ruleID]
	if !ok {
		return RuleStats{}, false
	}
	return *st, true
}

func (s *Store) GetAll() []RuleStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RuleStats, 0, len(s.byRule))
	for _, st := range s.byRule {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleID < out[j].RuleID })
	return out
}

func (s *Store) evictOldest(keep string) {
	var oldestRule string
	var oldest time.Time
	for id, st := range s.byRule {
		if id == keep {
			continue
		}
		if oldestRule == "" || st.updatedAt.Before(oldest) {
			oldestRule = id
			oldest = st.updatedAt
		}
	}
	if oldestRule != "" {
		delete(s.byRule, oldestRule)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]uint64)
	s.byRule = make(map[string]*RuleStats)
}

// Families renders the store as Prometheus metric families. openWindows is
// reported as a gauge.
func (s *Store) Families(openWindows int) []*dto.MetricFamily {
	counters := s.Counters()
	rules := s.GetAll()

	names := make([]string, 0, len(counterHelp))
	for name := range counterHelp {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*dto.MetricFamily, 0, len(names)+8)
	for _, name := range names {
		out = append(out, counterFamily("correlator_"+name+"_total", counterHelp[name], []*dto.Metric{
			{Counter: &dto.Counter{Value: ptr(float64(counters[name]))}},
		}))
	}
	out = append(out, &dto.MetricFamily{
		Name:   ptr("correlator_open_windows"),
		Help:   ptr("Dwell windows currently collecting events."),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(float64(openWindows))}}},
	})

	perRule := []struct {
		name, help string
		value      func(RuleStats) uint64
	}{
		{"correlator_windows_opened_total", "Windows opened per rule.", func(r RuleStats) uint64 { return r.WindowsOpened }},
		{"correlator_evaluations_total", "Script evaluations per rule.", func(r RuleStats) uint64 { return r.Evaluations }},
		{"correlator_incidents_total", "Incident verdicts per rule.", func(r RuleStats) uint64 { return r.Incidents }},
		{"correlator_script_errors_total", "Script failures per rule.", func(r RuleStats) uint64 { return r.ScriptErrors }},
		{"correlator_force_closed_total", "Windows force-closed at max dwell per rule.", func(r RuleStats) uint64 { return r.ForceClosed }},
		{"correlator_hook_attempts_total", "Hook POST attempts per rule.", func(r RuleStats) uint64 { return r.HookAttempts }},
		{"correlator_hook_failures_total", "Incidents whose hook delivery failed per rule.", func(r RuleStats) uint64 { return r.HookFailures }},
	}
	for _, f := range perRule {
		metrics := make([]*dto.Metric, 0, len(rules))
		for _, r := range rules {
			metrics = append(metrics, &dto.Metric{
				Label:   []*dto.LabelPair{{Name: ptr("rule"), Value: ptr(r.RuleID)}},
				Counter: &dto.Counter{Value: ptr(float64(f.value(r)))},
			})
		}
		out = append(out, counterFamily(f.name, f.help, metrics))
	}
	return out
}

// WritePrometheus writes the text exposition format.
func (s *Store) WritePrometheus(w io.Writer, openWindows int) error {
	for _, mf := range s.Families(openWindows) {
		if len(mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// ContentType is the exposition content type for WritePrometheus output.
func ContentType() string {
	return string(expfmt.NewFormat(expfmt.TypeTextPlain))
}

func counterFamily(name, help string, metrics []*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(name),
		Help:   ptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: metrics,
	}
}

func ptr[T any](v T) *T {
	return &v
}
