package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/persistence"
	"github.com/moltenlabs/cabal/config"
)

func testRunConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Orchestrator.GracePeriod = 100 * time.Millisecond
	return cfg
}

// decodeLines parses every JSON line written by a run.
func decodeLines(t *testing.T, out string) []agent.Event {
	t.Helper()
	var events []agent.Event
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		ev, err := agent.UnmarshalEvent([]byte(line))
		require.NoError(t, err, "line %q", line)
		events = append(events, ev)
	}
	return events
}

func TestRunScenario_Completes(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", releaseScenario))
	require.NoError(t, err)

	cfg := testRunConfig()
	cfg.Persistence.Type = persistence.StoreTypeFile
	cfg.Persistence.BaseDir = t.TempDir()

	var out bytes.Buffer
	code, err := runScenario(context.Background(), cfg, sc, runOptions{metricsAddr: "127.0.0.1:0"}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)

	events := decodeLines(t, out.String())
	last, ok := events[len(events)-1].(agent.TaskComplete)
	require.True(t, ok, "last line must be the root's TaskComplete")
	assert.Equal(t, "api done\n\ndb done", last.Result.Summary)
	require.Len(t, last.Result.Failures, 1)
	assert.Equal(t, "TIMEOUT", string(last.Result.Failures[0].Code))
	assert.Equal(t, 15, last.Usage.TokensIn)
	assert.Equal(t, 5, last.Usage.TokensOut)

	// The file store outlives the run.
	store, err := persistence.NewFileCheckpointStore(cfg.Persistence, nil)
	require.NoError(t, err)
	defer store.Close()
	terminals, err := store.List(context.Background(), persistence.Filter{SessionID: "ses_release", TerminalOnly: true})
	require.NoError(t, err)
	assert.Len(t, terminals, 5)
}

func TestRunScenario_RequiredFailureExitsTwo(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", `
task: build
plans:
  build:
    - {description: compile}
tools:
  compile: {error: "syntax error"}
`))
	require.NoError(t, err)

	var out bytes.Buffer
	code, err := runScenario(context.Background(), testRunConfig(), sc, runOptions{}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, exitFailed, code)

	events := decodeLines(t, out.String())
	failed, ok := events[len(events)-1].(agent.AgentFailed)
	require.True(t, ok)
	assert.Equal(t, "TOOL_EXECUTION_FAILED", string(failed.Error.Code))
}

func TestRunScenario_CancelAfter(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", `
task: long haul
cancel_after: 50ms
plans:
  long haul:
    - {description: slow-1}
    - {description: slow-2}
default_tool: {summary: late, delay: 1h}
`))
	require.NoError(t, err)

	var out bytes.Buffer
	start := time.Now()
	code, err := runScenario(context.Background(), testRunConfig(), sc, runOptions{}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, exitFailed, code)
	assert.Less(t, time.Since(start), 5*time.Second)

	events := decodeLines(t, out.String())
	failed, ok := events[len(events)-1].(agent.AgentFailed)
	require.True(t, ok)
	assert.Equal(t, "CANCELLED", string(failed.Error.Code))
}

func TestRunScenario_InterruptCancels(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", `
task: wait
default_tool: {delay: 1h}
`))
	require.NoError(t, err)

	interrupt, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	var out bytes.Buffer
	code, err := runScenario(interrupt, testRunConfig(), sc, runOptions{}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, exitFailed, code)
}

func TestRunScenario_Executors(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", `
task: fan out
executors: [alpha, beta]
coordinator: {selection: least_loaded, task_timeout: 1s}
plans:
  fan out:
    - {description: a}
    - {description: b}
    - {description: c}
`))
	require.NoError(t, err)

	var out bytes.Buffer
	code, err := runScenario(context.Background(), testRunConfig(), sc, runOptions{}, &out, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, exitOK, code)
}

func TestRealMain(t *testing.T) {
	assert.Equal(t, exitError, realMain(nil))
	assert.Equal(t, exitError, realMain([]string{"bogus"}))
	assert.Equal(t, exitOK, realMain([]string{"version"}))
	assert.Equal(t, exitError, realMain([]string{"run"}), "run needs -scenario")
}

func TestValidateCommand(t *testing.T) {
	var out bytes.Buffer
	scenario := writeFile(t, "s.yaml", releaseScenario)
	cfgPath := writeFile(t, "c.yaml", "orchestrator:\n  max_depth: 2\n")

	assert.Equal(t, exitOK, validateCommand([]string{"-config", cfgPath, "-scenario", scenario}, &out))
	assert.Equal(t, "OK\n", out.String())

	bad := writeFile(t, "bad.yaml", "orchestrator:\n  failure_policy: retry\n")
	assert.Equal(t, exitError, validateCommand([]string{"-config", bad}, &out))

	badScenario := writeFile(t, "bad-s.yaml", "plans: {}\n")
	assert.Equal(t, exitError, validateCommand([]string{"-scenario", badScenario}, &out))
}
