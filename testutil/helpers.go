// =============================================================================
// 🧪 Test helpers
// =============================================================================
// Shared helpers for driving an orchestrator in tests.
//
// Usage:
//
//	events, terminal := testutil.CollectUntilTerminal(t, ctx, ctrl)
//	testutil.AssertEventuallyTrue(t, func() bool { return orch.Live() == 0 }, time.Second)
//
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// =============================================================================
// 🎯 Contexts
// =============================================================================

// TestContext returns a context that is cancelled when the test ends.
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout returns a context with a custom timeout.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already cancelled context.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 📡 Event collection
// =============================================================================

// CollectUntilTerminal reads events from ctrl until the root's terminal
// event. It fails the test if the conduit closes or ctx expires first.
func CollectUntilTerminal(t *testing.T, ctx context.Context, ctrl *agent.GoblinChannel) ([]agent.Event, agent.Event) {
	t.Helper()

	var events []agent.Event
	for {
		ev, err := ctrl.Recv(ctx)
		if err != nil {
			t.Fatalf("no terminal event: %v (after %d events)", err, len(events))
			return events, nil
		}
		events = append(events, ev)
		if ev.IsTerminal() && ev.Agent() == ctrl.AgentID() {
			return events, ev
		}
	}
}

// CollectAll drains ctrl until it is closed or ctx expires.
func CollectAll(ctx context.Context, ctrl *agent.GoblinChannel) []agent.Event {
	var events []agent.Event
	for ev := range ctrl.Events(ctx) {
		events = append(events, ev)
	}
	return events
}

// EventsOfType filters events down to one variant.
func EventsOfType[T agent.Event](events []agent.Event) []T {
	var out []T
	for _, ev := range events {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// SpawnedIDs returns agent ids in AgentSpawned order.
func SpawnedIDs(events []agent.Event) []types.AgentID {
	var ids []types.AgentID
	for _, ev := range EventsOfType[agent.AgentSpawned](events) {
		ids = append(ids, ev.AgentID)
	}
	return ids
}

// SpawnedByTask maps a spawned agent's task to its id.
func SpawnedByTask(events []agent.Event) map[string]types.AgentID {
	out := make(map[string]types.AgentID)
	for _, ev := range EventsOfType[agent.AgentSpawned](events) {
		out[ev.Task] = ev.AgentID
	}
	return out
}

// StatusTrail returns the statuses one agent moved through, in order.
func StatusTrail(events []agent.Event, id types.AgentID) []types.Status {
	var trail []types.Status
	for _, ev := range EventsOfType[agent.StatusChanged](events) {
		if ev.AgentID == id {
			trail = append(trail, ev.Status)
		}
	}
	return trail
}

// =============================================================================
// ⏱️ Async assertions
// =============================================================================

// AssertEventuallyTrue polls cond until it holds or timeout elapses.
func AssertEventuallyTrue(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// RunOrchestrator starts o.Run in the background and returns a channel that
// receives its error. The test fails if Run has not returned by cleanup.
func RunOrchestrator(t *testing.T, ctx context.Context, o *agent.Orchestrator) <-chan error {
	t.Helper()

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- o.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		select {
		case <-finished:
		case <-time.After(10 * time.Second):
			t.Errorf("orchestrator did not stop")
		}
	})
	return done
}
