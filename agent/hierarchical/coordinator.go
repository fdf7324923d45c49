package hierarchical

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// Executor is one named backend able to run leaf tasks.
type Executor interface {
	Name() string
	agent.ToolRunner
}

type namedExecutor struct {
	name string
	agent.ToolRunnerFunc
}

func (e namedExecutor) Name() string { return e.name }

// NewExecutor wraps fn as an Executor called name.
func NewExecutor(name string, fn agent.ToolRunnerFunc) Executor {
	return namedExecutor{name: name, ToolRunnerFunc: fn}
}

// Selection strategies.
const (
	SelectRoundRobin  = "round_robin"
	SelectLeastLoaded = "least_loaded"
	SelectRandom      = "random"
)

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	Selection    string        `json:"selection" yaml:"selection"`
	TaskTimeout  time.Duration `json:"task_timeout" yaml:"task_timeout"`
	EnableRetry  bool          `json:"enable_retry" yaml:"enable_retry"`
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`
}

// DefaultCoordinatorConfig returns the default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Selection:    SelectRoundRobin,
		TaskTimeout:  5 * time.Minute,
		EnableRetry:  true,
		MaxRetries:   2,
		RetryBackoff: time.Second,
	}
}

// ExecutorStatus tracks one executor.
type ExecutorStatus struct {
	Name           string        `json:"name"`
	Busy           int           `json:"busy"`
	CompletedTasks int           `json:"completed_tasks"`
	FailedTasks    int           `json:"failed_tasks"`
	AvgDuration    time.Duration `json:"avg_duration"`
	LastActive     time.Time     `json:"last_active"`
}

// SelectionStrategy picks the executor for a task.
type SelectionStrategy interface {
	Select(req agent.ToolRequest, executors []Executor, status map[string]*ExecutorStatus) (Executor, error)
}

var errNoExecutors = errors.New("no executors available")

// Coordinator implements agent.ToolRunner by spreading leaf tasks over a set
// of executors.
type Coordinator struct {
	executors []Executor
	strategy  SelectionStrategy
	config    CoordinatorConfig

	statusMu sync.Mutex
	status   map[string]*ExecutorStatus

	logger *zap.Logger
}

// NewCoordinator creates a coordinator. Unknown selection names fall back to
// round robin.
func NewCoordinator(executors []Executor, config CoordinatorConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		executors: executors,
		config:    config,
		status:    make(map[string]*ExecutorStatus, len(executors)),
		logger:    logger.With(zap.String("component", "coordinator")),
	}
	for _, e := range executors {
		c.status[e.Name()] = &ExecutorStatus{Name: e.Name()}
	}

	switch config.Selection {
	case SelectLeastLoaded:
		c.strategy = &LeastLoadedStrategy{}
	case SelectRandom:
		c.strategy = &RandomStrategy{}
	default:
		c.strategy = &RoundRobinStrategy{}
	}
	return c
}

// Run implements agent.ToolRunner. Failed attempts are retried on the same
// executor; usage reported by every attempt is summed into the result.
func (c *Coordinator) Run(ctx context.Context, req agent.ToolRequest) (agent.ToolResult, error) {
	c.statusMu.Lock()
	exec, err := c.strategy.Select(req, c.executors, c.status)
	if err == nil {
		c.status[exec.Name()].Busy++
	}
	c.statusMu.Unlock()
	if err != nil {
		return agent.ToolResult{}, types.NewError(types.ErrToolExecutionFailed, "executor selection failed").WithCause(err)
	}

	log := c.logger.With(zap.String("agent_id", string(req.AgentID)), zap.String("executor", exec.Name()))
	log.Debug("running leaf task")

	started := time.Now()
	var (
		result agent.ToolResult
		usage  types.UsageDelta
	)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Info("retrying leaf task", zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(time.Duration(attempt) * c.config.RetryBackoff):
			case <-ctx.Done():
				err = ctx.Err()
			}
			if ctx.Err() != nil {
				break
			}
		}

		execCtx, cancel := ctx, context.CancelFunc(func() {})
		if c.config.TaskTimeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, c.config.TaskTimeout)
		}
		result, err = exec.Run(execCtx, req)
		timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()

		usage = usage.Add(result.Usage)
		if err != nil && timedOut {
			err = types.Errorf(types.ErrTimeout, "executor %s exceeded %s", exec.Name(), c.config.TaskTimeout).WithCause(err)
		}
		if err == nil || !c.config.EnableRetry || attempt >= c.config.MaxRetries || ctx.Err() != nil {
			break
		}
	}
	result.Usage = usage

	c.finish(exec.Name(), time.Since(started), err)
	if err != nil {
		log.Warn("leaf task failed", zap.Error(err))
		return result, fmt.Errorf("executor %s: %w", exec.Name(), err)
	}
	return result, nil
}

func (c *Coordinator) finish(name string, d time.Duration, err error) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	st := c.status[name]
	st.Busy--
	st.LastActive = time.Now()
	if err != nil {
		st.FailedTasks++
		return
	}
	st.CompletedTasks++
	if st.AvgDuration == 0 {
		st.AvgDuration = d
	} else {
		st.AvgDuration = (st.AvgDuration*time.Duration(st.CompletedTasks-1) + d) / time.Duration(st.CompletedTasks)
	}
}

// Status returns a copy of every executor's status.
func (c *Coordinator) Status() map[string]ExecutorStatus {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	out := make(map[string]ExecutorStatus, len(c.status))
	for k, v := range c.status {
		out[k] = *v
	}
	return out
}

// =============================================================================
// Strategies
// =============================================================================

// RoundRobinStrategy prefers the next idle executor after the last pick.
type RoundRobinStrategy struct {
	current int
}

func (s *RoundRobinStrategy) Select(_ agent.ToolRequest, executors []Executor, status map[string]*ExecutorStatus) (Executor, error) {
	if len(executors) == 0 {
		return nil, errNoExecutors
	}

	for i := 0; i < len(executors); i++ {
		idx := (s.current + i) % len(executors)
		if st, ok := status[executors[idx].Name()]; ok && st.Busy == 0 {
			s.current = (idx + 1) % len(executors)
			return executors[idx], nil
		}
	}

	// Everyone is busy; keep rotating.
	e := executors[s.current]
	s.current = (s.current + 1) % len(executors)
	return e, nil
}

// LeastLoadedStrategy picks the executor with the fewest tasks in flight.
type LeastLoadedStrategy struct{}

func (s *LeastLoadedStrategy) Select(_ agent.ToolRequest, executors []Executor, status map[string]*ExecutorStatus) (Executor, error) {
	if len(executors) == 0 {
		return nil, errNoExecutors
	}

	best := executors[0]
	for _, e := range executors[1:] {
		if status[e.Name()].Busy < status[best.Name()].Busy {
			best = e
		}
	}
	return best, nil
}

// RandomStrategy picks uniformly among idle executors, or among all of them
// when none is idle.
type RandomStrategy struct{}

func (s *RandomStrategy) Select(_ agent.ToolRequest, executors []Executor, status map[string]*ExecutorStatus) (Executor, error) {
	if len(executors) == 0 {
		return nil, errNoExecutors
	}

	idle := make([]Executor, 0, len(executors))
	for _, e := range executors {
		if st, ok := status[e.Name()]; ok && st.Busy == 0 {
			idle = append(idle, e)
		}
	}
	if len(idle) == 0 {
		idle = executors
	}
	return idle[rand.IntN(len(idle))], nil
}
