package agent_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/internal/metrics"
	"github.com/moltenlabs/cabal/testutil"
	"github.com/moltenlabs/cabal/testutil/fixtures"
	"github.com/moltenlabs/cabal/testutil/mocks"
	"github.com/moltenlabs/cabal/types"
)

// =============================================================================
// 🔧 Harness
// =============================================================================

type collected struct {
	events   []agent.Event
	terminal agent.Event
	err      error
}

// collect reads the root conduit in the background so emitting nodes never
// stall on a full queue while the test waits on something else.
func collect(ctx context.Context, ctrl *agent.GoblinChannel) <-chan collected {
	out := make(chan collected, 1)
	go func() {
		var c collected
		for {
			ev, err := ctrl.Recv(ctx)
			if err != nil {
				c.err = err
				out <- c
				return
			}
			c.events = append(c.events, ev)
			if ev.IsTerminal() && ev.Agent() == ctrl.AgentID() {
				c.terminal = ev
				out <- c
				return
			}
		}
	}()
	return out
}

func await(t *testing.T, ch <-chan collected) collected {
	t.Helper()
	select {
	case c := <-ch:
		require.NoError(t, c.err, "conduit ended before the root reported")
		require.NotNil(t, c.terminal)
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal event")
		return collected{}
	}
}

func testConfig() agent.Config {
	cfg := agent.DefaultConfig()
	cfg.GracePeriod = 150 * time.Millisecond
	return cfg
}

func newOrchestrator(t *testing.T, cfg agent.Config, opts ...agent.Option) (*agent.Orchestrator, *agent.GoblinChannel) {
	t.Helper()
	opts = append([]agent.Option{agent.WithLogger(zaptest.NewLogger(t))}, opts...)
	o, ctrl, err := agent.New(cfg, opts...)
	require.NoError(t, err)
	return o, ctrl
}

func waitStarted(t *testing.T, tools *mocks.ToolRunner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-tools.Started():
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d tool calls started", i, n)
		}
	}
}

func sumTokenUsage(events []agent.Event) types.UsageDelta {
	var total types.UsageDelta
	for _, tu := range testutil.EventsOfType[agent.TokenUsage](events) {
		total = total.Add(tu.Delta)
	}
	return total
}

// =============================================================================
// 🧪 Completion
// =============================================================================

func TestOrchestrator_LeafRootEchoesTask(t *testing.T) {
	ctx := testutil.TestContext(t)
	o, ctrl := newOrchestrator(t, testConfig())
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)

	input := agent.NewUserInput("summarise the repo")
	require.NoError(t, ctrl.Send(ctx, input))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, "summarise the repo", tc.Result.Summary)
	assert.Equal(t, input.OpID, tc.Cause())
	assert.Equal(t, o.RootID(), tc.AgentID)

	first, ok := c.events[0].(agent.AgentSpawned)
	require.True(t, ok)
	assert.Equal(t, types.RoleOrchestrator, first.Role.Kind)

	assert.Equal(t,
		[]types.Status{types.StatusActive, types.StatusAwaitingChildren, types.StatusMerging, types.StatusCompleted},
		testutil.StatusTrail(c.events, o.RootID()))

	require.NoError(t, <-done)
	assert.Equal(t, 0, o.Live())
}

func TestOrchestrator_RequiredChildFailureFailsRoot(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := mocks.NewPlanner().On("build", fixtures.Required("A"), fixtures.Required("B"))
	tools := mocks.NewToolRunner().
		On("A", mocks.ToolOutcome{Summary: "a done", Usage: types.UsageDelta{TokensIn: 10, TokensOut: 5}}).
		On("B", mocks.ToolOutcome{Err: errors.New("exit status 1")})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("build")))

	c := await(t, events)
	ids := testutil.SpawnedByTask(c.events)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrToolExecutionFailed, af.Error.Code)
	assert.Equal(t, ids["B"], af.Error.AgentID)
	assert.Equal(t, types.UsageDelta{TokensIn: 10, TokensOut: 5}, af.Usage.Tokens())
	require.Len(t, af.Failures, 1)
	assert.True(t, af.Failures[0].Required)

	require.NoError(t, <-done)
}

func TestOrchestrator_OptionalFailureDegrades(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := mocks.NewPlanner().On("build",
		fixtures.Required("a"), fixtures.Optional("b"), fixtures.Required("c"))
	tools := mocks.NewToolRunner().On("b", mocks.ToolOutcome{Err: errors.New("lint crashed"), Usage: types.UsageDelta{TokensIn: 1}})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("build")))

	c := await(t, events)
	ids := testutil.SpawnedByTask(c.events)

	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, "a\n\nc", tc.Result.Summary)
	assert.True(t, tc.Result.Degraded())
	require.Len(t, tc.Result.Failures, 1)
	assert.Equal(t, ids["b"], tc.Result.Failures[0].AgentID)
	assert.False(t, tc.Result.Failures[0].Required)
	assert.Equal(t, 1, tc.Usage.TokensIn, "failed work is still counted")

	require.NoError(t, <-done)
}

func TestOrchestrator_AbortPolicyFailsOnOptional(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.FailurePolicy = agent.PolicyAbort
	planner := mocks.NewPlanner().On("build", fixtures.Required("a"), fixtures.Optional("b"))
	tools := mocks.NewToolRunner().On("b", mocks.ToolOutcome{Err: errors.New("boom")})

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("build")))

	c := await(t, events)
	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrToolExecutionFailed, af.Error.Code)
}

func TestOrchestrator_PlanningFailure(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship").Fail("frontend", errors.New("model unavailable"))

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	ids := testutil.SpawnedByTask(c.events)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrPlanningFailed, af.Error.Code)
	assert.Equal(t, ids["frontend"], af.Error.AgentID)
	assert.NotContains(t, ids, "frontend-1")
}

func TestOrchestrator_FailedLeadKeepsGrandchildFailures(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := mocks.NewPlanner().
		On("release", fixtures.Lead("backend", "backend")).
		On("backend", fixtures.Optional("lint"), fixtures.Required("compile"))
	tools := mocks.NewToolRunner().
		On("lint", mocks.ToolOutcome{Err: errors.New("linter crashed")}).
		On("compile", mocks.ToolOutcome{Err: errors.New("exit status 2")})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("release")))

	c := await(t, events)
	ids := testutil.SpawnedByTask(c.events)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, ids["compile"], af.Error.AgentID)

	notes := make(map[types.AgentID]types.FailureNote)
	for _, note := range af.Failures {
		notes[note.AgentID] = note
	}
	require.Contains(t, notes, ids["lint"], "optional grandchild failure reaches the root")
	assert.False(t, notes[ids["lint"]].Required)
	require.Contains(t, notes, ids["compile"])
	assert.True(t, notes[ids["compile"]].Required)
	require.Contains(t, notes, ids["backend"])
	assert.Equal(t, ids["backend"], af.Failures[0].AgentID, "the child's own note comes first")
}

func TestOrchestrator_FanoutRejectionIsAFailureSlot(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.MaxFanout = 2
	planner := mocks.NewPlanner().On("build",
		fixtures.Required("a"), fixtures.Required("b"), fixtures.Optional("c"))

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("build")))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, "a\n\nb", tc.Result.Summary)
	require.Len(t, tc.Result.Failures, 1)
	assert.Equal(t, types.ErrFanoutExceeded, tc.Result.Failures[0].Code)
	assert.Len(t, testutil.SpawnedIDs(c.events), 3, "root plus two children")
}

func TestOrchestrator_DelegatingRoleAtMaxDepthExecutes(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.MaxDepth = 1
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	tools := mocks.NewToolRunner()

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, "backend\n\nfrontend", tc.Result.Summary)

	require.Len(t, planner.Calls(), 1)
	assert.Equal(t, "ship", planner.Calls()[0].Task)
	assert.Equal(t, 2, tools.CallCount())
	for _, call := range tools.Calls() {
		assert.Equal(t, 1, call.Depth)
		assert.Equal(t, types.RoleDomainLead, call.Role.Kind)
	}
}

func TestOrchestrator_UsageConservation(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	tools := mocks.NewToolRunner()
	for i, task := range fixtures.WorkerTasks {
		tools.On(task, mocks.ToolOutcome{Summary: task, Usage: types.UsageDelta{TokensIn: 10 * (i + 1), TokensOut: i + 1}})
	}

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)

	assert.Equal(t, types.UsageDelta{TokensIn: 100, TokensOut: 10}, tc.Usage.Tokens())
	assert.Equal(t, tc.Usage.Tokens(), sumTokenUsage(c.events))
	assert.Equal(t, tc.Usage, tc.Result.Usage)
	assert.Equal(t, "backend-1\n\nbackend-2\n\nfrontend-1\n\nfrontend-2", tc.Result.Summary)
	require.NotNil(t, tc.Usage.CompletedAt)
	assert.False(t, tc.Usage.CompletedAt.Before(tc.Usage.StartedAt))
}

func TestOrchestrator_PlanningUsageIsCounted(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship").
		WithUsage("ship", types.UsageDelta{TokensIn: 120, TokensOut: 40}).
		WithUsage("backend", types.UsageDelta{TokensIn: 30, TokensOut: 10})
	tools := mocks.NewToolRunner().Default(mocks.ToolOutcome{Usage: types.UsageDelta{TokensIn: 1, TokensOut: 1}})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)

	want := types.UsageDelta{TokensIn: 154, TokensOut: 54}
	assert.Equal(t, want, tc.Usage.Tokens())
	assert.Equal(t, want, sumTokenUsage(c.events))

	var rootPlanning bool
	for _, tu := range testutil.EventsOfType[agent.TokenUsage](c.events) {
		if tu.AgentID == o.RootID() && tu.Delta == (types.UsageDelta{TokensIn: 120, TokensOut: 40}) {
			rootPlanning = true
		}
	}
	assert.True(t, rootPlanning, "root reports its own planning tokens")
}

func TestOrchestrator_FailedPlanningUsageIsCounted(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship").
		Fail("frontend", errors.New("model unavailable")).
		WithUsage("frontend", types.UsageDelta{TokensIn: 25})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner))
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, 25, af.Usage.TokensIn)
	assert.Equal(t, af.Usage.Tokens(), sumTokenUsage(c.events))
}

func TestOrchestrator_ExactlyOneTerminalPerAgent(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	tools := mocks.NewToolRunner().On("frontend-2", mocks.ToolOutcome{Err: errors.New("flaky")})
	cp := mocks.NewCheckpointer()

	o, ctrl := newOrchestrator(t, testConfig(),
		agent.WithPlanner(planner), agent.WithToolRunner(tools), agent.WithCheckpointer(cp))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	require.NoError(t, <-done)

	terminals := make(map[types.AgentID]int)
	for _, rec := range cp.Records() {
		if rec.EventType == agent.EventTaskComplete || rec.EventType == agent.EventAgentFailed {
			terminals[rec.AgentID]++
		}
		assert.Equal(t, o.SessionID(), rec.SessionID)
	}

	spawned := testutil.SpawnedIDs(c.events)
	require.Len(t, spawned, 7)
	for _, id := range spawned {
		assert.Equal(t, 1, terminals[id], "agent %s", id)
	}

	// Only the root's terminal event reaches the caller.
	var rootTerminals int
	for _, ev := range c.events {
		if ev.IsTerminal() {
			rootTerminals++
		}
	}
	assert.Equal(t, 1, rootTerminals)
}

// =============================================================================
// 🧪 Ops
// =============================================================================

func TestOrchestrator_PingThenCancelIdleRoot(t *testing.T) {
	ctx := testutil.TestContext(t)
	o, ctrl := newOrchestrator(t, testConfig())
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)

	ping := agent.NewPing()
	require.NoError(t, ctrl.Send(ctx, ping))
	require.NoError(t, ctrl.Send(ctx, agent.NewCancel("user quit")))

	c := await(t, events)
	pongs := testutil.EventsOfType[agent.Pong](c.events)
	require.Len(t, pongs, 1)
	assert.Equal(t, ping.OpID, pongs[0].Cause())
	assert.Equal(t, types.StatusActive, pongs[0].Status)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrCancelled, af.Error.Code)
	assert.Equal(t, "user quit", af.Error.Message)
}

func TestOrchestrator_DelegateAsFirstOp(t *testing.T) {
	ctx := testutil.TestContext(t)
	o, ctrl := newOrchestrator(t, testConfig())
	events := collect(ctx, ctrl)
	testutil.RunOrchestrator(t, ctx, o)

	op := agent.NewDelegate(fixtures.Required("write docs"))
	require.NoError(t, ctrl.Send(ctx, op))

	c := await(t, events)
	tc, ok := c.terminal.(agent.TaskComplete)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, "write docs", tc.Result.Summary)
	assert.Equal(t, op.OpID, tc.Cause())

	spawned := testutil.EventsOfType[agent.AgentSpawned](c.events)
	require.Len(t, spawned, 2)
	assert.Equal(t, o.RootID(), spawned[1].ParentID)
	assert.Equal(t, op.OpID, spawned[1].Cause())
}

func TestOrchestrator_RunTwice(t *testing.T) {
	ctx := testutil.TestContext(t)
	o, ctrl := newOrchestrator(t, testConfig())
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)

	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("once")))
	await(t, events)
	require.NoError(t, <-done)

	assert.ErrorIs(t, o.Run(ctx), agent.ErrAlreadyRunning)
}

// =============================================================================
// 🧪 Cancellation
// =============================================================================

func TestOrchestrator_CancelPropagatesThroughTwoLevels(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	tools := mocks.NewToolRunner().Default(mocks.ToolOutcome{Hang: true, Usage: types.UsageDelta{TokensIn: 2, TokensOut: 1}})

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))
	waitStarted(t, tools, len(fixtures.WorkerTasks))

	tree := o.Tree()
	require.NotNil(t, tree)
	assert.Equal(t, 7, tree.Count())
	require.Len(t, tree.Children, 2)
	assert.Len(t, o.Registry().AgentsAtDepth(2), 4)

	began := time.Now()
	require.NoError(t, ctrl.Send(ctx, agent.NewCancel("deadline moved")))
	c := await(t, events)
	elapsed := time.Since(began)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrCancelled, af.Error.Code)
	assert.Less(t, elapsed, cfg.GracePeriod*time.Duration(cfg.MaxDepth)+time.Second)

	ids := testutil.SpawnedByTask(c.events)
	for _, task := range fixtures.WorkerTasks {
		assert.Contains(t, testutil.StatusTrail(c.events, ids[task]), types.StatusCancelled, task)
	}
	assert.Equal(t, types.UsageDelta{TokensIn: 8, TokensOut: 4}, af.Usage.Tokens())

	require.NoError(t, <-done)
	assert.Equal(t, 0, o.Live())
	assert.Equal(t, 1, o.Tree().Count(), "only the root record remains")
}

func TestOrchestrator_CancelDuringPlanningKeepsUsage(t *testing.T) {
	ctx := testutil.TestContext(t)
	planner := mocks.NewPlanner().Hang("ship").WithUsage("ship", types.UsageDelta{TokensIn: 64})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))
	testutil.AssertEventuallyTrue(t, func() bool { return len(planner.Calls()) == 1 }, 5*time.Second)

	require.NoError(t, ctrl.Send(ctx, agent.NewCancel("never mind")))
	c := await(t, events)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrCancelled, af.Error.Code)
	assert.Equal(t, types.UsageDelta{TokensIn: 64}, af.Usage.Tokens())
	assert.Empty(t, af.Failures)
	require.NoError(t, <-done)
}

func TestOrchestrator_CancelFanoutWithMinimalQueues(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.QueueDepth = 1
	cfg.MaxDepth = 1
	cfg.MaxFanout = 12

	var subtasks []agent.Subtask
	var tasks []string
	for i := 0; i < 12; i++ {
		task := fmt.Sprintf("shard-%02d", i)
		tasks = append(tasks, task)
		subtasks = append(subtasks, fixtures.Required(task))
	}
	planner := mocks.NewPlanner().On("reindex", subtasks...)
	tools := mocks.NewToolRunner().Default(mocks.ToolOutcome{Hang: true, Usage: types.UsageDelta{TokensIn: 1}})

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner), agent.WithToolRunner(tools))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("reindex")))
	waitStarted(t, tools, len(tasks))

	began := time.Now()
	require.NoError(t, ctrl.Send(ctx, agent.NewCancel("shutting down")))
	c := await(t, events)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrCancelled, af.Error.Code)
	assert.Less(t, time.Since(began), cfg.GracePeriod+time.Second)

	ids := testutil.SpawnedByTask(c.events)
	for _, task := range tasks {
		assert.Contains(t, testutil.StatusTrail(c.events, ids[task]), types.StatusCancelled, task)
	}
	for _, note := range af.Failures {
		assert.NotEqual(t, types.ErrTimeout, note.Code, "child %s was force-finalized", note.AgentID)
	}
	assert.Equal(t, len(tasks), af.Usage.TokensIn)

	require.NoError(t, <-done)
	assert.Equal(t, 0, o.Live())
}

func TestOrchestrator_UnresponsiveChildForceFinalized(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.MaxDepth = 1
	planner := mocks.NewPlanner().On("job", fixtures.Required("stuck"))
	tools := mocks.NewToolRunner().On("stuck", mocks.ToolOutcome{IgnoreCancel: true})
	t.Cleanup(tools.ReleaseHung)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("cabal", reg, nil)

	o, ctrl := newOrchestrator(t, cfg,
		agent.WithPlanner(planner), agent.WithToolRunner(tools), agent.WithMetrics(collector))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("job")))
	waitStarted(t, tools, 1)

	began := time.Now()
	require.NoError(t, ctrl.Send(ctx, agent.NewCancel("stop")))
	c := await(t, events)
	elapsed := time.Since(began)

	af, ok := c.terminal.(agent.AgentFailed)
	require.True(t, ok, "got %T", c.terminal)
	assert.Equal(t, types.ErrCancelled, af.Error.Code)
	require.Len(t, af.Failures, 1)
	assert.Equal(t, types.ErrTimeout, af.Failures[0].Code)
	assert.Equal(t, testutil.SpawnedByTask(c.events)["stuck"], af.Failures[0].AgentID)

	assert.GreaterOrEqual(t, elapsed, cfg.GracePeriod)
	assert.Less(t, elapsed, cfg.GracePeriod+2*time.Second)

	require.NoError(t, <-done)
	assert.Equal(t, 1.0, counterValue(t, reg, "cabal_agent_forced_finalizations_total"))
	assert.Equal(t, 2.0, counterValue(t, reg, "cabal_agent_spawns_total"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "cabal_agents_live"))
}

func TestOrchestrator_HardStopViaContext(t *testing.T) {
	ctx, cancel := context.WithCancel(testutil.TestContext(t))
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	tools := mocks.NewToolRunner().Default(mocks.ToolOutcome{Hang: true})

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithPlanner(planner), agent.WithToolRunner(tools))
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))
	drainCtx, stopDrain := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopDrain()
	drained := make(chan []agent.Event, 1)
	go func() { drained <- testutil.CollectAll(drainCtx, ctrl) }()
	waitStarted(t, tools, len(fixtures.WorkerTasks))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, 0, o.Live())

	stopDrain()
	for _, ev := range <-drained {
		assert.False(t, ev.IsTerminal(), "hard stop emitted %s for %s", ev.Type(), ev.Agent())
	}
}

// =============================================================================
// 🧪 Checkpoints
// =============================================================================

func TestOrchestrator_SlowCheckpointerNeverBlocks(t *testing.T) {
	ctx := testutil.TestContext(t)
	cfg := testConfig()
	cfg.CheckpointTimeout = 100 * time.Millisecond
	planner := fixtures.TwoLevel(mocks.NewPlanner(), "ship")
	cp := mocks.NewCheckpointer().WithDelay(time.Hour)

	o, ctrl := newOrchestrator(t, cfg, agent.WithPlanner(planner), agent.WithCheckpointer(cp))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("ship")))

	c := await(t, events)
	_, ok := c.terminal.(agent.TaskComplete)
	assert.True(t, ok, "got %T", c.terminal)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked on the checkpointer")
	}
	assert.Empty(t, cp.Records())
}

func TestOrchestrator_FailingCheckpointerIsCounted(t *testing.T) {
	ctx := testutil.TestContext(t)
	cp := mocks.NewCheckpointer().WithError(errors.New("disk full"))
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegisterer("cabal", reg, nil)

	o, ctrl := newOrchestrator(t, testConfig(), agent.WithCheckpointer(cp), agent.WithMetrics(collector))
	events := collect(ctx, ctrl)
	done := testutil.RunOrchestrator(t, ctx, o)
	require.NoError(t, ctrl.Send(ctx, agent.NewUserInput("echo")))

	c := await(t, events)
	_, ok := c.terminal.(agent.TaskComplete)
	assert.True(t, ok, "got %T", c.terminal)
	require.NoError(t, <-done)

	recorded := float64(len(cp.Records()))
	assert.Greater(t, recorded, 0.0)
	assert.Equal(t, recorded, labeledCounterValue(t, reg, "cabal_checkpoints_total", "result", "failed"))
}

// =============================================================================
// 📊 Metric helpers
// =============================================================================

func gather(t *testing.T, reg *prometheus.Registry, name string) []float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var values []float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values = append(values, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				values = append(values, m.GetGauge().GetValue())
			}
		}
	}
	return values
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	var sum float64
	for _, v := range gather(t, reg, name) {
		sum += v
	}
	return sum
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	values := gather(t, reg, name)
	require.Len(t, values, 1)
	return values[0]
}

func labeledCounterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
