package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRule() Rule {
	return Rule{
		ID:                "revenue",
		EventTypePatterns: []string{"a.b"},
		Dwell:             120 * time.Second,
		DwellDeadline:     100 * time.Second,
		MaxDwell:          180 * time.Second,
	}
}

func TestRuleValidate(t *testing.T) {
	require.NoError(t, validRule().Validate())

	r := validRule()
	r.DwellDeadline = 130 * time.Second
	assert.Error(t, r.Validate())

	r = validRule()
	r.MaxDwell = 60 * time.Second
	assert.Error(t, r.Validate())

	r = validRule()
	r.HookRetry = -1
	assert.Error(t, r.Validate())

	r = validRule()
	r.EventTypePatterns = nil
	assert.Error(t, r.Validate())
}

func TestRuleJSONDurations(t *testing.T) {
	b, err := json.Marshal(validRule())
	require.NoError(t, err)
	assert.Contains(t, string(b), `"dwell":"2m0s"`)

	var back Rule
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, validRule(), back)

	var ms Rule
	require.NoError(t, json.Unmarshal([]byte(`{"id":"x","event_types":["a"],"dwell":180000,"dwell_deadline":"150s","max_dwell":360000}`), &ms))
	assert.Equal(t, 3*time.Minute, ms.Dwell)
	assert.Equal(t, 150*time.Second, ms.DwellDeadline)
	assert.Equal(t, 6*time.Minute, ms.MaxDwell)

	assert.Error(t, json.Unmarshal([]byte(`{"dwell":"soon"}`), &ms))
}

func TestEventHashIgnoresIdentity(t *testing.T) {
	a := Event{EventID: "1", EventType: "x.y", Source: "s", EventTime: time.Now(), Data: map[string]any{"k": 1}}
	b := a
	b.EventID = "2"
	b.EventTime = a.EventTime.Add(time.Minute)
	assert.Equal(t, a.Hash(), b.Hash())

	b.Data = map[string]any{"k": 2}
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestScriptValidate(t *testing.T) {
	ok := Script{ID: "s", Kind: ScriptThreshold, Threshold: &ThresholdSpec{
		MatchCount: 1,
		Conditions: []Condition{{EventType: "a", Field: "status", Op: "==", Value: "down"}},
	}}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.Threshold = &ThresholdSpec{MatchCount: 2, Conditions: ok.Threshold.Conditions}
	assert.Error(t, bad.Validate())

	assert.Error(t, Script{ID: "c", Kind: ScriptCEL}.Validate())
	assert.Error(t, Script{ID: "u", Kind: "lua"}.Validate())
	assert.NotEqual(t, ok.Fingerprint(), bad.Fingerprint())
}
