package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/moltenlabs/cabal/internal/channel"
	"github.com/moltenlabs/cabal/types"
)

// GoblinChannel is the controller end of a conduit: the parent (or the
// external caller, for the root) sends Ops down and receives Events up.
// Each spawn creates exactly one pair.
type GoblinChannel struct {
	agentID types.AgentID
	ops     *channel.Queue[Op]
	events  *channel.Queue[Event]
}

// Endpoint is the agent end of a conduit.
type Endpoint struct {
	agentID types.AgentID
	ops     *channel.Queue[Op]
	events  *channel.Queue[Event]
}

// NewChannelPair creates a connected controller/agent pair. Both directions
// buffer at most depth messages before senders block.
func NewChannelPair(id types.AgentID, depth int) (*GoblinChannel, *Endpoint) {
	ops := channel.NewQueue[Op](depth)
	events := channel.NewQueue[Event](depth)
	return &GoblinChannel{agentID: id, ops: ops, events: events},
		&Endpoint{agentID: id, ops: ops, events: events}
}

func closedError(id types.AgentID, err error) error {
	if errors.Is(err, channel.ErrClosed) {
		return types.NewError(types.ErrChannelClosed, "channel closed").WithAgent(id).WithCause(err)
	}
	return err
}

// AgentID returns the id of the agent on the far end.
func (c *GoblinChannel) AgentID() types.AgentID { return c.agentID }

// Send delivers op. It blocks while the op queue is full and fails with
// CHANNEL_CLOSED once either side has closed the conduit.
func (c *GoblinChannel) Send(ctx context.Context, op Op) error {
	if op == nil {
		return types.NewError(types.ErrInvalidOp, "nil op").WithAgent(c.agentID)
	}
	return closedError(c.agentID, c.ops.Send(ctx, op))
}

// TrySend enqueues op without blocking. It reports false when the agent's
// op queue is full.
func (c *GoblinChannel) TrySend(op Op) (bool, error) {
	if op == nil {
		return false, types.NewError(types.ErrInvalidOp, "nil op").WithAgent(c.agentID)
	}
	ok, err := c.ops.TrySend(op)
	return ok, closedError(c.agentID, err)
}

// Recv returns the next event in production order. CHANNEL_CLOSED is
// returned only after the conduit is closed and every buffered event has
// been delivered.
func (c *GoblinChannel) Recv(ctx context.Context) (Event, error) {
	ev, err := c.events.Recv(ctx)
	if err != nil {
		return nil, closedError(c.agentID, err)
	}
	return ev, nil
}

// TryRecv is the non-blocking form of Recv.
func (c *GoblinChannel) TryRecv() (Event, bool, error) {
	ev, ok, err := c.events.TryRecv()
	return ev, ok, closedError(c.agentID, err)
}

// Events returns a lazy ordered sequence of events. Each call resumes from
// the current head; events already consumed are not replayed.
func (c *GoblinChannel) Events(ctx context.Context) iter.Seq[Event] {
	return c.events.All(ctx)
}

// Close tears the conduit down in both directions. It is idempotent.
func (c *GoblinChannel) Close() {
	c.ops.Close()
	c.events.Close()
}

// Closed reports whether the conduit has been closed.
func (c *GoblinChannel) Closed() bool { return c.events.IsClosed() }

// Stats reports both queues.
func (c *GoblinChannel) Stats() (ops, events channel.Stats) {
	return c.ops.Stats(), c.events.Stats()
}

// AgentID returns the owning agent.
func (e *Endpoint) AgentID() types.AgentID { return e.agentID }

// Ops exposes incoming ops for select. Pair with Done.
func (e *Endpoint) Ops() <-chan Op { return e.ops.C() }

// Done is closed when the conduit is closed.
func (e *Endpoint) Done() <-chan struct{} { return e.ops.Done() }

// NextOp blocks for the next op.
func (e *Endpoint) NextOp(ctx context.Context) (Op, error) {
	op, err := e.ops.Recv(ctx)
	if err != nil {
		return nil, closedError(e.agentID, err)
	}
	return op, nil
}

// Emit publishes ev to the controller, blocking while the event queue is full.
func (e *Endpoint) Emit(ctx context.Context, ev Event) error {
	return closedError(e.agentID, e.events.Send(ctx, ev))
}

// Close tears the conduit down from the agent side.
func (e *Endpoint) Close() {
	e.ops.Close()
	e.events.Close()
}

// seed enqueues ev without blocking; used by the factory for AgentSpawned on
// a fresh conduit, which always has room.
func (e *Endpoint) seed(ev Event) error {
	ok, err := e.events.TrySend(ev)
	if err != nil {
		return closedError(e.agentID, err)
	}
	if !ok {
		return types.NewError(types.ErrChannelClosed, "event queue full at spawn").WithAgent(e.agentID)
	}
	return nil
}
