/*
Package agent implements the hierarchical supervision core of Cabal.

# Overview

An orchestration is a tree of agents. Each agent runs its own control loop
and talks to its parent over exactly one GoblinChannel: Ops travel down,
Events travel up. Nodes share no mutable state; ownership of a child's
results moves to the parent with the child's terminal event.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                      Orchestrator                           │
	│        (root conduit, Run, Tree, Registry, SessionID)       │
	├─────────────────────────────────────────────────────────────┤
	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐  │
	│  │   Factory   │  │  Registry   │  │       Merger        │  │
	│  │ depth/fanout│  │ parent/child│  │ degrade | abort     │  │
	│  │ quota, rate │  │  snapshots  │  │ spawn-order results │  │
	│  └─────────────┘  └─────────────┘  └─────────────────────┘  │
	├─────────────────────────────────────────────────────────────┤
	│   node loop: Spawning → Active → AwaitingChildren → Merging │
	│              → Completed | Failed      (Cancelled → Failed) │
	├─────────────────────────────────────────────────────────────┤
	│     Planner · ToolRunner · Checkpointer · Metrics · otel    │
	└─────────────────────────────────────────────────────────────┘

# Protocol

Ops are UserInput, Delegate, Cancel and Ping. Events are AgentSpawned,
StatusChanged, TokenUsage, Pong and the two terminal variants TaskComplete
and AgentFailed. Every agent emits exactly one terminal event. A parent
relays its descendants' non-terminal events upward and consumes its direct
children's terminal events, so the caller sees one terminal event for the
whole tree.

Both sum types are sealed; use OpVisitor / EventVisitor or a type switch.
MarshalOp and MarshalEvent produce a tagged JSON envelope.

# Usage

	o, ctrl, err := agent.New(agent.DefaultConfig(),
	    agent.WithPlanner(planner),
	    agent.WithToolRunner(tools),
	    agent.WithLogger(logger),
	)
	if err != nil {
	    return err
	}
	go o.Run(ctx)

	_ = ctrl.Send(ctx, agent.NewUserInput("ship the release"))
	for ev := range ctrl.Events(ctx) {
	    if ev.IsTerminal() {
	        break
	    }
	}

# Cancellation

Cancel is forwarded to every live child before the cancelling node
finalizes. A node at depth d waits GracePeriod × max(1, MaxDepth − d) for
its children, then force-finalizes the silent ones with TIMEOUT, so a cancel
at the root settles within GracePeriod × MaxDepth.
*/
package agent
