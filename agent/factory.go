package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/moltenlabs/cabal/types"
)

// SpawnRequest asks the factory for a new node.
type SpawnRequest struct {
	// Parent is empty only for the root.
	Parent types.AgentID
	Role   types.AgentRole
	Task   string
	// Cause is the op that led to the spawn, stamped on AgentSpawned.
	Cause types.OpID
}

// Spawned is a freshly created node: registered in Spawning status, with its
// conduit established and AgentSpawned already queued on it.
type Spawned struct {
	ID         types.AgentID
	ParentID   types.AgentID
	Role       types.AgentRole
	Depth      int
	Task       string
	Controller *GoblinChannel
	endpoint   *Endpoint
}

// Factory is the only way a node enters the tree. It holds the authoritative
// live-agent counter; every check and every mutation happens under one lock,
// so concurrent spawns can never overshoot a limit.
type Factory struct {
	mu   sync.Mutex
	live int

	cfg      Config
	registry *Registry
	limiter  *rate.Limiter
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewFactory creates a factory enforcing cfg's limits on registry.
func NewFactory(cfg Config, registry *Registry, metrics Metrics, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	f := &Factory{
		cfg:      cfg,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "agent_factory")),
		now:      time.Now,
	}
	if cfg.SpawnRate > 0 {
		burst := cfg.SpawnBurst
		if burst <= 0 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(cfg.SpawnRate), burst)
	}
	return f
}

// Spawn validates req against depth, fan-out and quota limits and, on
// success, creates the node. A rejected spawn changes nothing.
func (f *Factory) Spawn(ctx context.Context, req SpawnRequest) (*Spawned, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("spawn rate limit: %w", err)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	depth := 0
	if req.Parent != "" {
		pd, ok := f.registry.Depth(req.Parent)
		if !ok {
			return nil, f.reject(types.NewError(types.ErrAgentNotFound, "parent not registered").
				WithAgent(req.Parent).WithRetryable(false))
		}
		depth = pd + 1
	} else if _, exists := f.registry.Root(); exists {
		return nil, f.reject(types.NewError(types.ErrInvalidOp, "root already exists"))
	}

	if depth > f.cfg.MaxDepth {
		return nil, f.reject(types.Errorf(types.ErrDepthExceeded,
			"depth %d exceeds max %d", depth, f.cfg.MaxDepth).WithAgent(req.Parent))
	}
	if req.Parent != "" {
		if n := f.registry.childCount(req.Parent); n >= f.cfg.MaxFanout {
			return nil, f.reject(types.Errorf(types.ErrFanoutExceeded,
				"parent already has %d children (max %d)", n, f.cfg.MaxFanout).WithAgent(req.Parent))
		}
	}
	if f.live >= f.cfg.MaxAgents {
		return nil, f.reject(types.Errorf(types.ErrQuotaExhausted,
			"%d live agents (max %d)", f.live, f.cfg.MaxAgents).WithAgent(req.Parent))
	}

	role := req.Role
	if role.IsZero() {
		role = types.Worker()
		if req.Parent == "" {
			role = types.Orchestrator()
		}
	}

	id := types.NewAgentID()
	now := f.now()
	ctrl, ep := NewChannelPair(id, f.cfg.QueueDepth)
	spawned := AgentSpawned{
		EventMeta: EventMeta{AgentID: id, Depth: depth, OpID: req.Cause, At: now},
		Role:      role,
		ParentID:  req.Parent,
		Task:      req.Task,
	}
	if err := ep.seed(spawned); err != nil {
		return nil, err
	}

	f.registry.attach(&nodeRecord{
		id:        id,
		parent:    req.Parent,
		role:      role,
		depth:     depth,
		status:    types.StatusSpawning,
		task:      req.Task,
		spawnedAt: now,
	})
	f.live++

	f.metrics.RecordSpawn(string(role.Kind))
	f.metrics.SetLiveAgents(f.live)
	f.logger.Debug("agent spawned",
		zap.String("agent_id", string(id)),
		zap.String("parent_id", string(req.Parent)),
		zap.String("role", role.String()),
		zap.Int("depth", depth),
	)

	return &Spawned{
		ID:         id,
		ParentID:   req.Parent,
		Role:       role,
		Depth:      depth,
		Task:       req.Task,
		Controller: ctrl,
		endpoint:   ep,
	}, nil
}

func (f *Factory) reject(err *types.Error) error {
	f.metrics.RecordSpawnRejected(string(err.Code))
	f.logger.Debug("spawn rejected", zap.String("code", string(err.Code)), zap.String("reason", err.Message))
	return err
}

// release returns a node's quota slot. It is called once, when the node's
// goroutine exits.
func (f *Factory) release(id types.AgentID) {
	f.mu.Lock()
	if f.live > 0 {
		f.live--
	}
	live := f.live
	f.mu.Unlock()

	f.metrics.SetLiveAgents(live)
	f.logger.Debug("agent released", zap.String("agent_id", string(id)), zap.Int("live", live))
}

// Live returns the number of nodes holding a quota slot.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// Registry returns the registry the factory attaches to.
func (f *Factory) Registry() *Registry { return f.registry }
