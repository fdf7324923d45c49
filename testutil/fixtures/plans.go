// Package fixtures holds ready-made plans for common tree shapes.
package fixtures

import (
	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/testutil/mocks"
	"github.com/moltenlabs/cabal/types"
)

// Required is a required worker subtask.
func Required(task string) agent.Subtask {
	return agent.Subtask{Description: task, Role: types.Worker(), Required: true}
}

// Optional is an optional worker subtask.
func Optional(task string) agent.Subtask {
	return agent.Subtask{Description: task, Role: types.Worker(), Required: false}
}

// Lead is a required domain-lead subtask.
func Lead(domain, task string) agent.Subtask {
	return agent.Subtask{Description: task, Role: types.DomainLead(domain), Required: true}
}

// TwoLevel scripts root -> 2 leads -> 2 workers each, seven nodes in all.
// Worker tasks are named "<domain>-1" and "<domain>-2".
func TwoLevel(p *mocks.Planner, rootTask string) *mocks.Planner {
	p.On(rootTask, Lead("backend", "backend"), Lead("frontend", "frontend"))
	p.On("backend", Required("backend-1"), Required("backend-2"))
	p.On("frontend", Required("frontend-1"), Required("frontend-2"))
	return p
}

// WorkerTasks are the leaf tasks of TwoLevel.
var WorkerTasks = []string{"backend-1", "backend-2", "frontend-1", "frontend-2"}
