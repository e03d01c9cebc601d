package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/model"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestFromMapCloudEvent(t *testing.T) {
	ev, err := FromMap(map[string]any{
		"eventID":            "abc",
		"eventType":          "site24x7.deadui",
		"source":             "site24x7",
		"eventTime":          "2024-05-01T11:59:00Z",
		"cloudEventsVersion": "0.1",
		"data":               map[string]any{"status": "down"},
		"extensions":         map[string]any{"team": "web"},
	}, now)
	require.NoError(t, err)
	assert.Equal(t, "abc", ev.EventID)
	assert.Equal(t, "site24x7.deadui", ev.EventType)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 59, 0, 0, time.UTC), ev.EventTime)
	assert.Equal(t, "down", ev.Data["status"])
	assert.Equal(t, "0.1", ev.CloudEventsVersion)
	assert.Equal(t, "web", ev.Extensions["team"])
}

func TestFromMapDefaultsAndAliases(t *testing.T) {
	ev, err := FromMap(map[string]any{"event_type": "devapi.5xx.metric", "timestamp": float64(1714564800)}, now)
	require.NoError(t, err)
	assert.Len(t, ev.EventID, 36)
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), ev.EventTime)

	ev, err = FromMap(map[string]any{"type": "a.b", "ts": "1714564800123"}, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1714564800123), ev.EventTime.UnixMilli())

	ev, err = FromMap(map[string]any{"eventType": "a.b", "id": float64(42)}, now)
	require.NoError(t, err)
	assert.Equal(t, "42", ev.EventID)
	assert.Equal(t, now, ev.EventTime)
}

func TestFromMapRejects(t *testing.T) {
	cases := map[string]map[string]any{
		"missing type": {"eventID": "1"},
		"empty seg":    {"eventType": "a..b"},
		"wildcard":     {"eventType": "a.*"},
		"data array":   {"eventType": "a.b", "data": []any{1}},
		"bad time":     {"eventType": "a.b", "eventTime": "yesterday"},
	}
	for name, obj := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromMap(obj, now)
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(model.Event{EventID: "1", EventType: "a.b"}))
	assert.ErrorIs(t, Validate(model.Event{EventType: "a.b"}), ErrMissingEventID)
	assert.ErrorIs(t, Validate(model.Event{EventID: "1"}), ErrMissingEventType)
	assert.Error(t, Validate(model.Event{EventID: "1", EventType: "a. b"}))
}

func TestParseTimestampLayouts(t *testing.T) {
	ts, err := ParseTimestamp("05/01/2024 10:30:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC), ts)

	_, err = ParseTimestamp("", nil)
	assert.Error(t, err)
}
