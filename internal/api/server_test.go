package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/engine"
	"eventcorrelator/internal/history"
	"eventcorrelator/internal/hook"
	"eventcorrelator/internal/logging"
	"eventcorrelator/internal/metrics"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/registry"
	"eventcorrelator/internal/script"
)

type harness struct {
	handler http.Handler
	engine  *engine.Engine
	history *history.Store
	metrics *metrics.Store
	static  *registry.Static
}

type fakeLister struct {
	ruleID string
	limit  int
}

func (f *fakeLister) ListExecutions(_ context.Context, ruleID string, limit int) ([]model.ExecutionRecord, error) {
	f.ruleID, f.limit = ruleID, limit
	return []model.ExecutionRecord{{ID: "db-1", RuleID: "outage"}}, nil
}

func outageRule() model.Rule {
	return model.Rule{
		ID:                "outage",
		Title:             "Checkout outage",
		ScriptID:          "outage",
		EventTypePatterns: []string{"lb.*.5xx", "db.primary.down"},
		Dwell:             time.Minute,
		DwellDeadline:     30 * time.Second,
		MaxDwell:          2 * time.Minute,
	}
}

func outageScript() model.Script {
	return model.Script{
		ID:   "outage",
		Kind: model.ScriptThreshold,
		Threshold: &model.ThresholdSpec{
			MatchCount: 2,
			Conditions: []model.Condition{
				{EventType: "lb.*.5xx"},
				{EventType: "db.primary.down"},
			},
		},
	}
}

func newHarness(t *testing.T, storage ExecutionLister) *harness {
	t.Helper()
	static := registry.NewStatic([]model.Rule{outageRule()}, []model.Script{outageScript()})
	cache := registry.NewCache(static, logging.Discard())
	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)

	ev, err := script.NewEvaluator(cache, logging.Discard(), script.Options{Timeout: time.Second})
	require.NoError(t, err)
	disp := hook.NewDispatcher(nil, logging.Discard(), hook.Options{Disabled: true})
	hist := history.NewStore(50)
	m := metrics.NewStore(50)
	eng := engine.NewEngine(cache, ev, disp, hist, m, logging.Discard(), engine.Options{})
	t.Cleanup(func() { eng.Reset() })

	srv := New(Deps{
		Config:   &config.Manager{},
		Engine:   eng,
		Registry: cache,
		Metrics:  m,
		History:  hist,
		Storage:  storage,
		Logger:   logging.Discard(),
		Version:  "test",
	})
	return &harness{handler: srv.Router(), engine: eng, history: hist, metrics: m, static: static}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func lbEvent(id string) model.Event {
	return model.Event{EventID: id, EventType: "lb.edge.5xx", Source: "lb", EventTime: time.Now().UTC()}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, 1, resp.Registry.Rules)
	assert.Equal(t, "config", resp.Registry.Source)
	assert.True(t, resp.Ingest.REST)
	assert.False(t, resp.Storage)
}

func TestRulesEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodGet, "/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = h.do(t, http.MethodGet, "/rules/outage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rule := decode(t, rec)["rule"].(map[string]any)
	assert.Equal(t, "Checkout outage", rule["title"])
	assert.Equal(t, "1m0s", rule["dwell"])

	rec = h.do(t, http.MethodGet, "/rules/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRefreshPicksUpNewRules(t *testing.T) {
	h := newHarness(t, nil)
	extra := outageRule()
	extra.ID = "second"
	h.static.Replace([]model.Rule{outageRule(), extra}, []model.Script{outageScript()})

	rec := h.do(t, http.MethodPost, "/rules/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["rules"])

	rec = h.do(t, http.MethodGet, "/rules/second", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWindowsAndRestart(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Ingest(context.Background(), lbEvent("e1"))
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/windows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	win := body["windows"].([]any)[0].(map[string]any)
	assert.Equal(t, "outage", win["rule_id"])
	assert.EqualValues(t, 1, win["events"])

	rec = h.do(t, http.MethodPost, "/admin/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["dropped_windows"])
	assert.Equal(t, 0, h.engine.OpenWindows())
	assert.Equal(t, 0, h.history.Len())
}

func TestExecutions(t *testing.T) {
	h := newHarness(t, nil)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"outage", "other", "outage"} {
		require.NoError(t, h.history.Append(context.Background(), model.ExecutionRecord{
			ID: id + "-" + string(rune('a'+i)), RuleID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := h.do(t, http.MethodGet, "/executions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["count"])

	rec = h.do(t, http.MethodGet, "/executions?limit=1", "")
	list := decode(t, rec)["executions"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "outage-c", list[0].(map[string]any)["id"])

	rec = h.do(t, http.MethodGet, "/rules/outage/executions", "")
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = h.do(t, http.MethodGet, "/rules/outage/executions?since=2024-05-01T10:01:00Z", "")
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = h.do(t, http.MethodGet, "/executions?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/executions?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodGet, "/executions?source=storage", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionsFromStorage(t *testing.T) {
	lister := &fakeLister{}
	h := newHarness(t, lister)
	rec := h.do(t, http.MethodGet, "/rules/outage/executions?source=storage", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
	assert.Equal(t, "outage", lister.ruleID)
	assert.Equal(t, 100, lister.limit)
}

func TestEvaluateKnownRule(t *testing.T) {
	h := newHarness(t, nil)
	bucket := `[
		{"eventID":"a","eventType":"lb.edge.5xx","source":"lb"},
		{"eventID":"b","eventType":"db.primary.down","source":"db"}
	]`
	rec := h.do(t, http.MethodPost, "/evaluate/outage", bucket)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Status)
	assert.True(t, resp.RCAObject.Data.Incident)
	assert.Len(t, resp.RCAObject.Data.Events, 2)
	assert.Equal(t, hook.EnvelopeEventType, resp.RCAObject.EventType)

	assert.Equal(t, 0, h.history.Len(), "synchronous evaluation is not recorded")
}

func TestEvaluateUnknownRule(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(t, http.MethodPost, "/evaluate/nope", `[{"eventType":"lb.edge.5xx"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp evaluateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Status)
	assert.Equal(t, hook.ErrRuleTypeNotFound, resp.RCAObject.Data.Error)

	rec = h.do(t, http.MethodPost, "/evaluate/outage", `[{"source":"x"}]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsExposition(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.Ingest(context.Background(), lbEvent("e1"))
	require.NoError(t, err)

	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "correlator_events_received_total 1")
	assert.Contains(t, rec.Body.String(), "correlator_open_windows 1")

	rec = h.do(t, http.MethodGet, "/metrics/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestAdminClear(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.history.Append(context.Background(), model.ExecutionRecord{ID: "x", RuleID: "outage"}))
	h.metrics.Inc(metrics.EventsReceived)

	rec := h.do(t, http.MethodPost, "/admin/clear", `{"target":"history"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.history.Len())
	assert.Equal(t, uint64(1), h.metrics.Counter(metrics.EventsReceived))

	rec = h.do(t, http.MethodPost, "/admin/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(0), h.metrics.Counter(metrics.EventsReceived))

	rec = h.do(t, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
