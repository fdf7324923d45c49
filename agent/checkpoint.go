package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/internal/pool"
)

// checkpointDispatcher hands checkpoints to the hook on a bounded worker
// pool. Nodes never wait on it: when the pool is saturated the record is
// dropped and counted.
type checkpointDispatcher struct {
	hook    Checkpointer
	pool    *pool.Pool
	metrics Metrics
	logger  *zap.Logger
}

func newCheckpointDispatcher(hook Checkpointer, cfg Config, metrics Metrics, logger *zap.Logger) *checkpointDispatcher {
	d := &checkpointDispatcher{
		hook:    hook,
		metrics: metrics,
		logger:  logger.With(zap.String("component", "checkpoint")),
	}
	if hook == nil {
		return d
	}
	d.pool = pool.New(pool.Config{
		Workers:   cfg.CheckpointWorkers,
		QueueSize: cfg.CheckpointQueue,
		Timeout:   cfg.CheckpointTimeout,
		OnError: func(err error) {
			metrics.RecordCheckpoint("failed")
			d.logger.Warn("checkpoint hook failed", zap.Error(err))
		},
	})
	return d
}

func (d *checkpointDispatcher) dispatch(cp Checkpoint) {
	if d == nil || d.pool == nil {
		return
	}
	err := d.pool.Submit(func(ctx context.Context) error {
		if err := d.hook.Checkpoint(ctx, cp); err != nil {
			return err
		}
		d.metrics.RecordCheckpoint("ok")
		return nil
	})
	if err == nil {
		return
	}

	d.metrics.RecordCheckpoint("dropped")
	if errors.Is(err, pool.ErrPoolFull) {
		d.logger.Debug("checkpoint dropped, pool full",
			zap.String("agent_id", string(cp.AgentID)),
			zap.String("status", string(cp.Status)))
		return
	}
	d.logger.Debug("checkpoint dropped", zap.Error(err))
}

// close waits for queued checkpoints until ctx expires.
func (d *checkpointDispatcher) close(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return nil
	}
	return d.pool.Close(ctx)
}
