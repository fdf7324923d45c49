package agent

import (
	"context"
	"time"

	"github.com/moltenlabs/cabal/types"
)

// Planner turns a task into ordered subtasks. It is called by a delegating
// node entering AwaitingChildren. An error surfaces as PLANNING_FAILED and is
// merged like a failed required child. Usage in the returned PlanResult is
// counted even when err is non-nil.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// PlanResult is a plan and the tokens spent producing it.
type PlanResult struct {
	Subtasks []Subtask        `json:"subtasks"`
	Usage    types.UsageDelta `json:"usage"`
}

// PlanRequest describes the node asking for a plan.
type PlanRequest struct {
	AgentID types.AgentID   `json:"agent_id"`
	Role    types.AgentRole `json:"role"`
	Depth   int             `json:"depth"`
	Task    string          `json:"task"`
	Hint    string          `json:"hint,omitempty"`
}

// PlannerFunc adapts a function to Planner.
type PlannerFunc func(ctx context.Context, req PlanRequest) (PlanResult, error)

func (f PlannerFunc) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	return f(ctx, req)
}

// ToolRunner executes a leaf task. Usage in the returned ToolResult is
// counted even when err is non-nil.
type ToolRunner interface {
	Run(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// ToolRequest describes the leaf work.
type ToolRequest struct {
	SessionID types.SessionID `json:"session_id"`
	AgentID   types.AgentID   `json:"agent_id"`
	ParentID  types.AgentID   `json:"parent_id,omitempty"`
	Role      types.AgentRole `json:"role"`
	Depth     int             `json:"depth"`
	Task      string          `json:"task"`
}

// ToolResult is what a leaf produced.
type ToolResult struct {
	Summary   string           `json:"summary"`
	Artifacts [][]byte         `json:"artifacts,omitempty"`
	Usage     types.UsageDelta `json:"usage"`
}

// ToolRunnerFunc adapts a function to ToolRunner.
type ToolRunnerFunc func(ctx context.Context, req ToolRequest) (ToolResult, error)

func (f ToolRunnerFunc) Run(ctx context.Context, req ToolRequest) (ToolResult, error) {
	return f(ctx, req)
}

// Checkpointer receives a record on every status change and terminal event.
// It is invoked off the supervision path; slow or failing hooks never block
// a node.
type Checkpointer interface {
	Checkpoint(ctx context.Context, cp Checkpoint) error
}

// CheckpointFunc adapts a function to Checkpointer.
type CheckpointFunc func(ctx context.Context, cp Checkpoint) error

func (f CheckpointFunc) Checkpoint(ctx context.Context, cp Checkpoint) error { return f(ctx, cp) }

// Checkpoint is a persisted observation of one node.
type Checkpoint struct {
	SessionID types.SessionID    `json:"session_id"`
	AgentID   types.AgentID      `json:"agent_id"`
	ParentID  types.AgentID      `json:"parent_id,omitempty"`
	Role      types.AgentRole    `json:"role"`
	Depth     int                `json:"depth"`
	Status    types.Status       `json:"status"`
	EventType EventType          `json:"event_type"`
	OpID      types.OpID         `json:"op_id,omitempty"`
	Usage     types.SessionStats `json:"usage"`
	Result    *types.Result      `json:"result,omitempty"`
	Error     *types.Error       `json:"error,omitempty"`
	At        time.Time          `json:"at"`
}

// noPlanner returns an empty plan, which makes delegating nodes run their
// task directly.
type noPlanner struct{}

func (noPlanner) Plan(context.Context, PlanRequest) (PlanResult, error) { return PlanResult{}, nil }

// echoRunner reports the task text as the summary.
type echoRunner struct{}

func (echoRunner) Run(_ context.Context, req ToolRequest) (ToolResult, error) {
	return ToolResult{Summary: req.Task}, nil
}
