package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/hierarchical"
	"github.com/moltenlabs/cabal/types"
)

// Scenario scripts one run: the root task, the plan of each delegating
// task and the outcome of each leaf task.
type Scenario struct {
	Task      string `yaml:"task"`
	SessionID string `yaml:"session_id"`
	// CancelAfter sends Cancel to the root once elapsed; 0 never cancels.
	CancelAfter time.Duration `yaml:"cancel_after"`

	Plans       map[string][]SubtaskSpec `yaml:"plans"`
	Tools       map[string]ToolSpec      `yaml:"tools"`
	DefaultTool *ToolSpec                `yaml:"default_tool"`

	// Executors routes leaf tasks through a coordinator over these names.
	Executors   []string                        `yaml:"executors"`
	Coordinator *hierarchical.CoordinatorConfig `yaml:"coordinator"`
}

// SubtaskSpec is one planned child.
type SubtaskSpec struct {
	Description string `yaml:"description"`
	// Role accepts the forms types.ParseRole understands; empty is worker.
	Role string `yaml:"role"`
	// Required defaults to true.
	Required *bool `yaml:"required"`
}

// ToolSpec is the scripted outcome of a leaf task.
type ToolSpec struct {
	Summary   string        `yaml:"summary"`
	TokensIn  int           `yaml:"tokens_in"`
	TokensOut int           `yaml:"tokens_out"`
	Delay     time.Duration `yaml:"delay"`
	Error     string        `yaml:"error"`
	// Code is the error code reported with Error; default TOOL_EXECUTION_FAILED.
	Code string `yaml:"code"`
}

func loadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the task and every role name.
func (s *Scenario) Validate() error {
	var errs []error
	if s.Task == "" {
		errs = append(errs, errors.New("scenario: task is required"))
	}
	if s.CancelAfter < 0 {
		errs = append(errs, errors.New("scenario: cancel_after must be >= 0"))
	}
	for task, specs := range s.Plans {
		for i, spec := range specs {
			if spec.Description == "" {
				errs = append(errs, fmt.Errorf("scenario: plan %q subtask %d has no description", task, i))
			}
			if _, err := types.ParseRole(spec.Role); err != nil {
				errs = append(errs, fmt.Errorf("scenario: plan %q subtask %d: %w", task, i, err))
			}
		}
	}
	seen := make(map[string]bool, len(s.Executors))
	for _, name := range s.Executors {
		if name == "" || seen[name] {
			errs = append(errs, fmt.Errorf("scenario: executor names must be unique and non-empty, got %q", name))
		}
		seen[name] = true
	}
	return errors.Join(errs...)
}

// Planner returns a static planner over the scripted plans.
func (s *Scenario) Planner() *hierarchical.StaticPlanner {
	plans := make(map[string][]agent.Subtask, len(s.Plans))
	for task, specs := range s.Plans {
		subtasks := make([]agent.Subtask, 0, len(specs))
		for _, spec := range specs {
			subtasks = append(subtasks, spec.subtask())
		}
		plans[task] = subtasks
	}
	return hierarchical.NewStaticPlanner(plans)
}

func (spec SubtaskSpec) subtask() agent.Subtask {
	role, _ := types.ParseRole(spec.Role)
	if role.IsZero() {
		role = types.Worker()
	}
	required := true
	if spec.Required != nil {
		required = *spec.Required
	}
	return agent.Subtask{Description: spec.Description, Role: role, Required: required}
}

// ToolRunner returns the scripted leaf runner, behind a coordinator when
// executors are named.
func (s *Scenario) ToolRunner(logger *zap.Logger) agent.ToolRunner {
	runner := agent.ToolRunnerFunc(s.runTool)
	if len(s.Executors) == 0 {
		return runner
	}

	executors := make([]hierarchical.Executor, 0, len(s.Executors))
	for _, name := range s.Executors {
		executors = append(executors, hierarchical.NewExecutor(name, runner))
	}
	cfg := hierarchical.DefaultCoordinatorConfig()
	if s.Coordinator != nil {
		cfg = *s.Coordinator
	}
	return hierarchical.NewCoordinator(executors, cfg, logger)
}

func (s *Scenario) runTool(ctx context.Context, req agent.ToolRequest) (agent.ToolResult, error) {
	spec, ok := s.Tools[req.Task]
	if !ok {
		if s.DefaultTool == nil {
			return agent.ToolResult{Summary: req.Task}, nil
		}
		spec = *s.DefaultTool
	}

	if spec.Delay > 0 {
		t := time.NewTimer(spec.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return agent.ToolResult{}, ctx.Err()
		}
	}

	res := agent.ToolResult{
		Summary: spec.Summary,
		Usage:   types.UsageDelta{TokensIn: spec.TokensIn, TokensOut: spec.TokensOut},
	}
	if res.Summary == "" && spec.Error == "" {
		res.Summary = req.Task
	}
	if spec.Error != "" {
		code := types.ErrToolExecutionFailed
		if spec.Code != "" {
			code = types.ErrorCode(spec.Code)
		}
		return res, types.NewError(code, spec.Error)
	}
	return res, nil
}
