package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunsTasks(t *testing.T) {
	p := New(Config{Workers: 2, QueueSize: 8})

	var n atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Close(context.Background()))

	assert.Equal(t, int32(8), n.Load())
	assert.Equal(t, int64(8), p.Stats().Completed)
}

func TestPool_RejectsWhenFull(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Submit(func(ctx context.Context) error { return nil }), ErrPoolClosed)
}

func TestPool_ErrorsAndPanicsAreObserved(t *testing.T) {
	var mu sync.Mutex
	var seen []error
	p := New(Config{Workers: 1, QueueSize: 4, OnError: func(err error) {
		mu.Lock()
		seen = append(seen, err)
		mu.Unlock()
	}})

	require.NoError(t, p.Submit(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func(ctx context.Context) error { panic("kaboom") }))
	require.NoError(t, p.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2)
	assert.Equal(t, int64(2), p.Stats().Failed)
}

func TestPool_TaskTimeout(t *testing.T) {
	p := New(Config{Workers: 1, QueueSize: 1, Timeout: 10 * time.Millisecond})

	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		errCh <- ctx.Err()
		return ctx.Err()
	}))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, <-errCh, context.DeadlineExceeded)
}

func TestPool_CloseIdempotent(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
}
