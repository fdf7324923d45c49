// Package mocks provides scripted collaborators for the supervision core.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// --- ToolRunner ---

// ToolOutcome scripts what a leaf produces for one task.
type ToolOutcome struct {
	Summary   string
	Artifacts [][]byte
	Usage     types.UsageDelta
	Err       error
	// Delay is waited before returning; the wait honours ctx.
	Delay time.Duration
	// Hang blocks until ctx is cancelled, ignoring Delay.
	Hang bool
	// IgnoreCancel keeps hanging even after ctx is cancelled, to simulate
	// an unresponsive leaf. Release with ReleaseHung.
	IgnoreCancel bool
}

// ToolRunner is a scripted agent.ToolRunner.
type ToolRunner struct {
	mu       sync.Mutex
	outcomes map[string]ToolOutcome
	fallback *ToolOutcome
	calls    []agent.ToolRequest
	started  chan agent.ToolRequest
	release  chan struct{}
	relOnce  sync.Once
}

// NewToolRunner creates a runner that echoes the task unless scripted.
func NewToolRunner() *ToolRunner {
	return &ToolRunner{
		outcomes: make(map[string]ToolOutcome),
		started:  make(chan agent.ToolRequest, 256),
		release:  make(chan struct{}),
	}
}

// On scripts the outcome for task.
func (r *ToolRunner) On(task string, out ToolOutcome) *ToolRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[task] = out
	return r
}

// Default scripts the outcome for every unscripted task.
func (r *ToolRunner) Default(out ToolOutcome) *ToolRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = &out
	return r
}

// Run implements agent.ToolRunner.
func (r *ToolRunner) Run(ctx context.Context, req agent.ToolRequest) (agent.ToolResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	out, ok := r.outcomes[req.Task]
	if !ok {
		if r.fallback != nil {
			out = *r.fallback
		} else {
			out = ToolOutcome{Summary: req.Task}
		}
	}
	r.mu.Unlock()

	select {
	case r.started <- req:
	default:
	}

	switch {
	case out.IgnoreCancel:
		<-r.release
		return agent.ToolResult{Usage: out.Usage}, ctx.Err()
	case out.Hang:
		<-ctx.Done()
		return agent.ToolResult{Usage: out.Usage}, ctx.Err()
	case out.Delay > 0:
		select {
		case <-time.After(out.Delay):
		case <-ctx.Done():
			return agent.ToolResult{Usage: out.Usage}, ctx.Err()
		}
	}

	return agent.ToolResult{Summary: out.Summary, Artifacts: out.Artifacts, Usage: out.Usage}, out.Err
}

// Started receives every request as it begins.
func (r *ToolRunner) Started() <-chan agent.ToolRequest { return r.started }

// ReleaseHung unblocks IgnoreCancel outcomes.
func (r *ToolRunner) ReleaseHung() { r.relOnce.Do(func() { close(r.release) }) }

// Calls returns the recorded requests.
func (r *ToolRunner) Calls() []agent.ToolRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agent.ToolRequest(nil), r.calls...)
}

// CallCount returns the number of recorded requests.
func (r *ToolRunner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
