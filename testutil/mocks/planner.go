package mocks

import (
	"context"
	"sync"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// --- Planner ---

// Planner is a scripted agent.Planner keyed by task text. Unscripted tasks
// get an empty plan, which makes delegating nodes execute directly.
type Planner struct {
	mu    sync.Mutex
	plans map[string][]agent.Subtask
	usage map[string]types.UsageDelta
	errs  map[string]error
	hang  map[string]bool
	calls []agent.PlanRequest
}

// NewPlanner creates an empty scripted planner.
func NewPlanner() *Planner {
	return &Planner{
		plans: make(map[string][]agent.Subtask),
		usage: make(map[string]types.UsageDelta),
		errs:  make(map[string]error),
		hang:  make(map[string]bool),
	}
}

// On scripts the plan for task.
func (p *Planner) On(task string, subtasks ...agent.Subtask) *Planner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[task] = subtasks
	return p
}

// WithUsage scripts the tokens planning task reports, on success or failure.
func (p *Planner) WithUsage(task string, usage types.UsageDelta) *Planner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[task] = usage
	return p
}

// Fail scripts an error for task.
func (p *Planner) Fail(task string, err error) *Planner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[task] = err
	return p
}

// Hang makes planning task block until its context is cancelled.
func (p *Planner) Hang(task string) *Planner {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hang[task] = true
	return p
}

// Plan implements agent.Planner.
func (p *Planner) Plan(ctx context.Context, req agent.PlanRequest) (agent.PlanResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	plan, usage, err, hang := p.plans[req.Task], p.usage[req.Task], p.errs[req.Task], p.hang[req.Task]
	p.mu.Unlock()

	if hang {
		<-ctx.Done()
		return agent.PlanResult{Usage: usage}, ctx.Err()
	}
	if err != nil {
		return agent.PlanResult{Usage: usage}, err
	}
	return agent.PlanResult{Subtasks: append([]agent.Subtask(nil), plan...), Usage: usage}, nil
}

// Calls returns the recorded requests.
func (p *Planner) Calls() []agent.PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]agent.PlanRequest(nil), p.calls...)
}
