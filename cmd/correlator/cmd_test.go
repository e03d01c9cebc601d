package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventcorrelator/internal/config"
	"eventcorrelator/internal/logging"
	"eventcorrelator/internal/model"
	"eventcorrelator/internal/storage"
)

const rulesYAML = `
rules:
  - id: outage
    title: Checkout outage
    script_id: outage
    event_types: ["lb.*.5xx", "db.primary.down"]
    dwell: 80ms
    dwell_deadline: 0s
    max_dwell: 200ms
scripts:
  - id: outage
    kind: threshold
    threshold:
      match_count: 2
      conditions:
        - event_type: "lb.*.5xx"
        - event_type: db.primary.down
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	root := rootCmd()
	assert.Equal(t, "correlator", root.Use)
	assert.Equal(t, version, root.Version)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["validate"])
	assert.True(t, names["import"])

	flag := root.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t, rulesYAML)
	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "config ok: 1 rules, 1 scripts")
}

func TestValidateRejectsUnknownScript(t *testing.T) {
	path := writeConfig(t, strings.Replace(rulesYAML, "script_id: outage", "script_id: missing", 1))
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown script "missing"`)
}

func TestValidateRejectsBadCELScript(t *testing.T) {
	path := writeConfig(t, `
scripts:
  - id: broken
    kind: cel
    expression: "size(events) >"
`)
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script broken")
}

func TestImportCommand(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "import.db")
	path := writeConfig(t, rulesYAML+"storage:\n  enabled: true\n  driver: sqlite\n  dsn: \""+dsn+"\"\n")

	out, err := execute(t, "import", "-c", path, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would import 1 rules, 1 scripts")

	out, err = execute(t, "import", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 1 rules, 1 scripts")

	store, err := storage.NewSQLite(dsn)
	require.NoError(t, err)
	defer store.Close()
	rules, err := store.ListActiveRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 80*time.Millisecond, rules[0].Dwell)
	sc, err := store.GetScript(context.Background(), "outage")
	require.NoError(t, err)
	assert.Equal(t, model.ScriptThreshold, sc.Kind)
}

func TestImportRequiresStorage(t *testing.T) {
	path := writeConfig(t, rulesYAML)
	_, err := execute(t, "import", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.enabled")
}

func TestAppCorrelatesAndRecords(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "app.db")
	path := writeConfig(t, rulesYAML+`
api:
  enabled: false
ingest:
  rest:
    enabled: false
storage:
  enabled: true
  driver: sqlite
  dsn: "`+dsn+`"
`)
	mgr, err := config.NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, mgr, logging.Discard())
	require.NoError(t, err)
	a.run(ctx)

	now := time.Now().UTC()
	a.events <- model.Event{EventID: "a", EventType: "lb.edge.5xx", Source: "lb", EventTime: now}
	a.events <- model.Event{EventID: "b", EventType: "db.primary.down", Source: "db", EventTime: now}

	require.Eventually(t, func() bool { return a.history.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	rec := a.history.List(1)[0]
	assert.Equal(t, "outage", rec.RuleID)
	assert.True(t, rec.ScriptResult.Incident)
	assert.Len(t, rec.Bucket, 2)

	persisted, err := a.store.ListExecutions(ctx, "outage", 10)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, rec.ID, persisted[0].ID)

	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	require.NoError(t, a.close(closeCtx))
}

func TestAppReloadReplacesRules(t *testing.T) {
	path := writeConfig(t, rulesYAML+"api:\n  enabled: false\ningest:\n  rest:\n    enabled: false\n")
	mgr, err := config.NewManager(path)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := newApp(ctx, mgr, logging.Discard())
	require.NoError(t, err)
	require.Len(t, a.cache.Rules(), 1)

	next, err := config.Parse([]byte(strings.Replace(rulesYAML, "id: outage\n    title", "id: renamed\n    title", 1)))
	require.NoError(t, err)
	a.reload(ctx, next)

	_, ok := a.cache.Rule("renamed")
	assert.True(t, ok)
	_, ok = a.cache.Rule("outage")
	assert.False(t, ok)
	require.NoError(t, a.close(context.Background()))
}
