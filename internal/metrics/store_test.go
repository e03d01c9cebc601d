package metrics

import (
	"bytes"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/model"
)

func TestCountersAndRuleStats(t *testing.T) {
	s := NewStore(10)
	s.Inc(EventsReceived)
	s.Inc(EventsReceived)
	s.Inc(EventsIgnored)
	s.WindowOpened("revenue")
	s.Executed(model.ExecutionRecord{
		RuleID:         "revenue",
		ScriptResult:   model.EvaluationResult{Incident: true},
		HookStatusCode: 503,
		HookAttempts:   3,
		CreatedAt:      time.Now(),
	}, false)
	s.Executed(model.ExecutionRecord{RuleID: "revenue", ScriptResult: model.EvaluationResult{Error: "script not found"}}, false)
	s.Executed(model.ExecutionRecord{RuleID: "revenue", ScriptResult: model.EvaluationResult{Error: "force closed"}}, true)

	assert.Equal(t, uint64(2), s.Counter(EventsReceived))
	st, ok := s.Get("revenue")
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.WindowsOpened)
	assert.Equal(t, uint64(2), st.Evaluations)
	assert.Equal(t, uint64(1), st.Incidents)
	assert.Equal(t, uint64(1), st.ScriptErrors)
	assert.Equal(t, uint64(1), st.ForceClosed)
	assert.Equal(t, uint64(1), st.HookFailures)
	assert.Equal(t, uint64(3), st.HookAttempts)

	s.Clear()
	assert.Empty(t, s.GetAll())
	assert.Equal(t, uint64(0), s.Counter(EventsReceived))
}

func TestRuleStatsEviction(t *testing.T) {
	s := NewStore(2)
	s.WindowOpened("a")
	time.Sleep(time.Millisecond)
	s.WindowOpened("b")
	time.Sleep(time.Millisecond)
	s.WindowOpened("c")
	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].RuleID)
	assert.Equal(t, "c", all[1].RuleID)
}

func TestWritePrometheusParses(t *testing.T) {
	s := NewStore(10)
	s.Inc(EventsReceived)
	s.WindowOpened("revenue")

	var buf bytes.Buffer
	require.NoError(t, s.WritePrometheus(&buf, 4))

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(&buf)
	require.NoError(t, err)

	require.Contains(t, mfs, "correlator_events_received_total")
	assert.Equal(t, 1.0, mfs["correlator_events_received_total"].GetMetric()[0].GetCounter().GetValue())
	assert.Equal(t, 4.0, mfs["correlator_open_windows"].GetMetric()[0].GetGauge().GetValue())

	opened := mfs["correlator_windows_opened_total"].GetMetric()
	require.Len(t, opened, 1)
	assert.Equal(t, "revenue", opened[0].GetLabel()[0].GetValue())
	assert.Contains(t, ContentType(), "text/plain")
}
