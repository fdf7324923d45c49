package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/hierarchical"
	"github.com/moltenlabs/cabal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const releaseScenario = `
task: ship the release
session_id: ses_release
plans:
  ship the release:
    - {description: backend, role: "lead:backend"}
    - {description: docs, role: worker, required: false}
  backend:
    - {description: api}
    - {description: db, role: "specialist:sql"}
tools:
  api: {summary: "api done", tokens_in: 10, tokens_out: 4}
  db: {summary: "db done", tokens_in: 5, tokens_out: 1, delay: 10ms}
  docs: {error: "no writer available", code: TIMEOUT}
`

func TestLoadScenario(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", releaseScenario))
	require.NoError(t, err)

	assert.Equal(t, "ship the release", sc.Task)
	assert.Equal(t, "ses_release", sc.SessionID)
	require.Len(t, sc.Plans["ship the release"], 2)
	assert.Equal(t, 10*time.Millisecond, sc.Tools["db"].Delay)
}

func TestLoadScenario_Errors(t *testing.T) {
	_, err := loadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	_, err = loadScenario(writeFile(t, "bad.yaml", "task: [unclosed"))
	assert.Error(t, err)

	_, err = loadScenario(writeFile(t, "empty.yaml", "plans: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task is required")

	_, err = loadScenario(writeFile(t, "role.yaml", `
task: t
plans:
  t:
    - {description: x, role: wizard}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wizard")

	_, err = loadScenario(writeFile(t, "exec.yaml", "task: t\nexecutors: [a, a]\n"))
	assert.Error(t, err)
}

func TestScenario_Planner(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", releaseScenario))
	require.NoError(t, err)

	res, err := sc.Planner().Plan(context.Background(), agent.PlanRequest{Task: "ship the release"})
	require.NoError(t, err)
	plan := res.Subtasks
	require.Len(t, plan, 2)

	assert.Equal(t, types.DomainLead("backend"), plan[0].Role)
	assert.True(t, plan[0].Required, "required defaults to true")
	assert.Equal(t, types.Worker(), plan[1].Role)
	assert.False(t, plan[1].Required)

	res, err = sc.Planner().Plan(context.Background(), agent.PlanRequest{Task: "backend"})
	require.NoError(t, err)
	sub := res.Subtasks
	require.Len(t, sub, 2)
	assert.Equal(t, types.Worker(), sub[0].Role, "empty role is a worker")
	assert.Equal(t, types.Specialist("sql"), sub[1].Role)
}

func TestScenario_ToolRunner(t *testing.T) {
	sc, err := loadScenario(writeFile(t, "s.yaml", releaseScenario))
	require.NoError(t, err)
	runner := sc.ToolRunner(zaptest.NewLogger(t))
	ctx := context.Background()

	res, err := runner.Run(ctx, agent.ToolRequest{Task: "api"})
	require.NoError(t, err)
	assert.Equal(t, "api done", res.Summary)
	assert.Equal(t, types.UsageDelta{TokensIn: 10, TokensOut: 4}, res.Usage)

	_, err = runner.Run(ctx, agent.ToolRequest{Task: "docs"})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))

	res, err = runner.Run(ctx, agent.ToolRequest{Task: "unscripted"})
	require.NoError(t, err)
	assert.Equal(t, "unscripted", res.Summary)
}

func TestScenario_ToolRunnerHonoursCancel(t *testing.T) {
	sc := &Scenario{Task: "t", DefaultTool: &ToolSpec{Delay: time.Hour}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sc.ToolRunner(nil).Run(ctx, agent.ToolRequest{Task: "slow"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScenario_ExecutorsUseCoordinator(t *testing.T) {
	sc := &Scenario{Task: "t", Executors: []string{"alpha", "beta"}}
	runner := sc.ToolRunner(zaptest.NewLogger(t))

	coord, ok := runner.(*hierarchical.Coordinator)
	require.True(t, ok)

	for range 4 {
		_, err := coord.Run(context.Background(), agent.ToolRequest{Task: "x"})
		require.NoError(t, err)
	}
	status := coord.Status()
	assert.Equal(t, 2, status["alpha"].CompletedTasks)
	assert.Equal(t, 2, status["beta"].CompletedTasks)
}
