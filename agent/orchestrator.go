package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/types"
)

// TracerName is the instrumentation scope of the core's spans.
const TracerName = "github.com/moltenlabs/cabal/agent"

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// runtime is shared, read-mostly state of one orchestration instance. The
// only mutable parts are behind the factory and registry locks.
type runtime struct {
	cfg         Config
	sessionID   types.SessionID
	factory     *Factory
	registry    *Registry
	planner     Planner
	tools       ToolRunner
	merger      Merger
	checkpoints *checkpointDispatcher
	metrics     Metrics
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
	wg          sync.WaitGroup
}

// launch starts a node for sp under parent and returns the function that
// hard-stops its subtree.
func (rt *runtime) launch(parent context.Context, sp *Spawned, cause types.OpID) context.CancelFunc {
	ctx, cancel := context.WithCancel(parent)
	n := newNode(rt, sp)
	n.cause = cause
	rt.wg.Add(1)
	go n.run(ctx)
	return cancel
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	logger       *zap.Logger
	planner      Planner
	tools        ToolRunner
	checkpointer Checkpointer
	metrics      Metrics
	tracer       trace.Tracer
	sessionID    types.SessionID
	now          func() time.Time
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithPlanner sets the task-planning collaborator.
func WithPlanner(p Planner) Option { return func(o *options) { o.planner = p } }

// WithToolRunner sets the tool-execution collaborator.
func WithToolRunner(r ToolRunner) Option { return func(o *options) { o.tools = r } }

// WithCheckpointer sets the persistence hook.
func WithCheckpointer(c Checkpointer) Option { return func(o *options) { o.checkpointer = c } }

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option { return func(o *options) { o.metrics = m } }

// WithTracer overrides the tracer taken from the global otel provider.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id types.SessionID) Option { return func(o *options) { o.sessionID = id } }

// WithClock overrides the clock used for event and usage timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// Orchestrator drives one supervision tree. It owns the root node and the
// external conduit; the root runs the same loop as every other node.
type Orchestrator struct {
	rt      *runtime
	root    *Spawned
	ctrl    *GoblinChannel
	running atomic.Bool
	log     *zap.Logger
}

// New builds an orchestrator and returns it together with the caller's end
// of the root conduit. Nothing runs until Run is called.
func New(cfg Config, opts ...Option) (*Orchestrator, *GoblinChannel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.planner == nil {
		o.planner = noPlanner{}
	}
	if o.tools == nil {
		o.tools = echoRunner{}
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(TracerName)
	}
	if o.sessionID == "" {
		o.sessionID = types.NewSessionID()
	}
	if o.now == nil {
		o.now = time.Now
	}

	base := o.logger.With(zap.String("session_id", string(o.sessionID)))
	logger := base.With(zap.String("component", "orchestrator"))
	registry := NewRegistry()
	factory := NewFactory(cfg, registry, o.metrics, base)
	factory.now = o.now

	rt := &runtime{
		cfg:         cfg,
		sessionID:   o.sessionID,
		factory:     factory,
		registry:    registry,
		planner:     o.planner,
		tools:       o.tools,
		merger:      NewMerger(cfg.FailurePolicy),
		checkpoints: newCheckpointDispatcher(o.checkpointer, cfg, o.metrics, base),
		metrics:     o.metrics,
		tracer:      o.tracer,
		logger:      base.With(zap.String("component", "agent")),
		now:         o.now,
	}

	root, err := factory.Spawn(context.Background(), SpawnRequest{Role: types.Orchestrator()})
	if err != nil {
		return nil, nil, fmt.Errorf("spawn root: %w", err)
	}

	return &Orchestrator{rt: rt, root: root, ctrl: root.Controller, log: logger}, root.Controller, nil
}

// Run drives the tree until the root has emitted its terminal event and
// every node has exited, or ctx is cancelled. Queued checkpoints are given
// one checkpoint timeout to drain afterwards.
//
// Cancelling ctx is a hard stop: every node exits where it stands and no
// terminal event is emitted, for the root or anyone else. Callers that need
// the final report and usage should send a Cancel op on the root conduit
// and keep reading until the root's terminal event instead.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx = types.WithSessionID(ctx, o.rt.sessionID)

	o.log.Info("orchestrator started", zap.String("root_id", string(o.root.ID)))
	stop := o.rt.launch(ctx, o.root, "")
	o.rt.wg.Wait()
	stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), o.rt.cfg.CheckpointTimeout)
	defer cancel()
	if err := o.rt.checkpoints.close(drainCtx); err != nil {
		o.log.Warn("checkpoint drain incomplete", zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		o.log.Info("orchestrator stopped", zap.Error(err))
		return err
	}
	o.log.Info("orchestrator finished", zap.Int("remaining_nodes", o.rt.registry.Len()))
	return nil
}

// Controller returns the caller's end of the root conduit.
func (o *Orchestrator) Controller() *GoblinChannel { return o.ctrl }

// SessionID identifies this run.
func (o *Orchestrator) SessionID() types.SessionID { return o.rt.sessionID }

// RootID returns the root agent id.
func (o *Orchestrator) RootID() types.AgentID { return o.root.ID }

// Tree returns a snapshot of the live tree.
func (o *Orchestrator) Tree() *AgentTree { return o.rt.registry.Tree() }

// Registry exposes read access to the node index.
func (o *Orchestrator) Registry() *Registry { return o.rt.registry }

// Live returns the number of nodes holding a quota slot.
func (o *Orchestrator) Live() int { return o.rt.factory.Live() }
