package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/moltenlabs/cabal/agent"
)

// --- Checkpointer ---

// Checkpointer records checkpoints. It can be made slow or failing to check
// that the core never waits on it.
type Checkpointer struct {
	mu      sync.Mutex
	records []agent.Checkpoint
	delay   time.Duration
	err     error
}

// NewCheckpointer creates a recording checkpointer.
func NewCheckpointer() *Checkpointer { return &Checkpointer{} }

// WithDelay makes every call wait d (or until ctx is done).
func (c *Checkpointer) WithDelay(d time.Duration) *Checkpointer {
	c.delay = d
	return c
}

// WithError makes every call fail with err after recording.
func (c *Checkpointer) WithError(err error) *Checkpointer {
	c.err = err
	return c
}

// Checkpoint implements agent.Checkpointer.
func (c *Checkpointer) Checkpoint(ctx context.Context, cp agent.Checkpoint) error {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	c.records = append(c.records, cp)
	c.mu.Unlock()
	return c.err
}

// Records returns what has been recorded so far.
func (c *Checkpointer) Records() []agent.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]agent.Checkpoint(nil), c.records...)
}
