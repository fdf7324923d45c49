package persistence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// Hook adapts a CheckpointStore to agent.Checkpointer.
type Hook struct {
	store  CheckpointStore
	logger *zap.Logger
}

var _ agent.Checkpointer = (*Hook)(nil)

// NewHook returns a Checkpointer that saves every checkpoint to store.
func NewHook(store CheckpointStore, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		store:  store,
		logger: logger.With(zap.String("component", "checkpoint_hook")),
	}
}

// Checkpoint flattens cp and saves it.
func (h *Hook) Checkpoint(ctx context.Context, cp agent.Checkpoint) error {
	rec := FromCheckpoint(cp)
	if err := h.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.AgentID, err)
	}
	h.logger.Debug("checkpoint saved",
		zap.String("agent_id", string(cp.AgentID)),
		zap.String("event", string(cp.EventType)),
		zap.String("record_id", rec.ID),
	)
	return nil
}

// LatestByAgent returns the most recent record of every agent in session.
func LatestByAgent(ctx context.Context, store CheckpointStore, session types.SessionID) (map[types.AgentID]*Record, error) {
	records, err := store.List(ctx, Filter{SessionID: session})
	if err != nil {
		return nil, err
	}

	latest := make(map[types.AgentID]*Record, len(records))
	for _, rec := range records {
		// List is ordered by At, so later records win.
		latest[rec.AgentID] = rec
	}
	return latest, nil
}
