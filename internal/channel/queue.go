// Package channel provides the bounded FIFO queue that backs every
// controller/agent conduit in the supervision tree.
package channel

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Send after Close, and by Recv once the queue is
// closed and fully drained.
var ErrClosed = errors.New("channel: closed")

// DefaultDepth is used when a non-positive depth is requested.
const DefaultDepth = 32

// Queue is a bounded, closable FIFO. A full queue blocks senders instead of
// dropping values. The underlying Go channel is never closed, so a late
// Send can never panic; closure is signalled through a separate done channel.
type Queue[T any] struct {
	ch        chan T
	closed    chan struct{}
	closeOnce sync.Once

	sends    atomic.Int64
	receives atomic.Int64
	blocks   atomic.Int64
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Depth    int   `json:"depth"`
	Len      int   `json:"len"`
	Sends    int64 `json:"sends"`
	Receives int64 `json:"receives"`
	Blocks   int64 `json:"blocks"`
	Closed   bool  `json:"closed"`
}

// NewQueue creates a queue holding at most depth values.
func NewQueue[T any](depth int) *Queue[T] {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue[T]{
		ch:     make(chan T, depth),
		closed: make(chan struct{}),
	}
}

// Send enqueues v, blocking while the queue is full. It fails with ErrClosed
// if the queue is closed before v is accepted, or with ctx.Err().
func (q *Queue[T]) Send(ctx context.Context, v T) error {
	if q.IsClosed() {
		return ErrClosed
	}

	select {
	case q.ch <- v:
		q.sends.Add(1)
		return nil
	default:
	}

	q.blocks.Add(1)
	select {
	case q.ch <- v:
		q.sends.Add(1)
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend enqueues v without blocking. It reports false when the queue is
// full; a closed queue returns ErrClosed.
func (q *Queue[T]) TrySend(v T) (bool, error) {
	if q.IsClosed() {
		return false, ErrClosed
	}
	select {
	case q.ch <- v:
		q.sends.Add(1)
		return true, nil
	default:
		q.blocks.Add(1)
		return false, nil
	}
}

// Recv dequeues the next value. Values buffered before Close are still
// delivered in order; ErrClosed is returned only once they are drained.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	select {
	case v := <-q.ch:
		q.receives.Add(1)
		return v, nil
	case <-q.closed:
		return q.drainOne()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryRecv dequeues without blocking. ok is false when nothing is buffered;
// err is ErrClosed when the queue is closed and drained.
func (q *Queue[T]) TryRecv() (v T, ok bool, err error) {
	select {
	case v = <-q.ch:
		q.receives.Add(1)
		return v, true, nil
	default:
	}
	if q.IsClosed() {
		return v, false, ErrClosed
	}
	return v, false, nil
}

func (q *Queue[T]) drainOne() (T, error) {
	select {
	case v := <-q.ch:
		q.receives.Add(1)
		return v, nil
	default:
		var zero T
		return zero, ErrClosed
	}
}

// All returns a lazy ordered sequence of values. Each call starts a new
// iteration from the current head; consumed values are not replayed. The
// sequence ends once the queue is closed and drained, or ctx is done.
func (q *Queue[T]) All(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			v, err := q.Recv(ctx)
			if err != nil {
				return
			}
			if !yield(v) {
				return
			}
		}
	}
}

// C exposes the receive side for use in select statements. Pair it with
// Done, since C itself is never closed.
func (q *Queue[T]) C() <-chan T { return q.ch }

// Done is closed when Close is called.
func (q *Queue[T]) Done() <-chan struct{} { return q.closed }

// Close marks the queue closed. It is idempotent.
func (q *Queue[T]) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// IsClosed reports whether Close has been called.
func (q *Queue[T]) IsClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered values.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Cap returns the queue depth.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Stats returns queue counters.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Depth:    cap(q.ch),
		Len:      len(q.ch),
		Sends:    q.sends.Load(),
		Receives: q.receives.Load(),
		Blocks:   q.blocks.Load(),
		Closed:   q.IsClosed(),
	}
}
