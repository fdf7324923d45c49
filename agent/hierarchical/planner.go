package hierarchical

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/types"
)

// Decomposer sends a prompt to a model backend and returns its raw reply.
type Decomposer func(ctx context.Context, prompt string) (string, error)

// PlannerConfig configures a DecomposingPlanner.
type PlannerConfig struct {
	MaxSubtasks int           `json:"max_subtasks" yaml:"max_subtasks"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	// Tokenizer is "tiktoken" or "estimate". Empty means estimate.
	Tokenizer string `json:"tokenizer" yaml:"tokenizer"`
	// Model selects the tiktoken encoding.
	Model string `json:"model" yaml:"model"`
}

// DefaultPlannerConfig returns the default planner configuration.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		MaxSubtasks: 8,
		Timeout:     2 * time.Minute,
		Tokenizer:   TokenizerTiktoken,
		Model:       "gpt-4o",
	}
}

// DecomposingPlanner implements agent.Planner on top of a Decomposer.
type DecomposingPlanner struct {
	decompose Decomposer
	config    PlannerConfig
	counter   TokenCounter
	logger    *zap.Logger
}

// NewDecomposingPlanner creates a planner. A nil logger is replaced by a no-op.
func NewDecomposingPlanner(decompose Decomposer, config PlannerConfig, logger *zap.Logger) *DecomposingPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxSubtasks <= 0 {
		config.MaxSubtasks = DefaultPlannerConfig().MaxSubtasks
	}
	logger = logger.With(zap.String("component", "decomposing_planner"))
	return &DecomposingPlanner{
		decompose: decompose,
		config:    config,
		counter:   newTokenCounter(config, logger),
		logger:    logger,
	}
}

// WithTokenCounter replaces the counter used to price prompts and replies.
func (p *DecomposingPlanner) WithTokenCounter(c TokenCounter) *DecomposingPlanner {
	if c != nil {
		p.counter = c
	}
	return p
}

// Plan implements agent.Planner. The prompt is billed as input tokens and
// the reply as output tokens; a failed call still reports its prompt.
func (p *DecomposingPlanner) Plan(ctx context.Context, req agent.PlanRequest) (agent.PlanResult, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	prompt := buildPrompt(req, p.config.MaxSubtasks)
	var result agent.PlanResult
	result.Usage.TokensIn = p.count(prompt)

	reply, err := p.decompose(ctx, prompt)
	if err != nil {
		return result, fmt.Errorf("decompose %q: %w", req.Task, err)
	}
	result.Usage.TokensOut = p.count(reply)

	subtasks := parseSubtasks(reply, req.Task)
	if len(subtasks) > p.config.MaxSubtasks {
		p.logger.Warn("plan truncated",
			zap.String("agent_id", string(req.AgentID)),
			zap.Int("proposed", len(subtasks)),
			zap.Int("max", p.config.MaxSubtasks),
		)
		subtasks = subtasks[:p.config.MaxSubtasks]
	}
	result.Subtasks = subtasks

	p.logger.Debug("task decomposed",
		zap.String("agent_id", string(req.AgentID)),
		zap.Int("subtasks", len(subtasks)),
		zap.Int("tokens_in", result.Usage.TokensIn),
		zap.Int("tokens_out", result.Usage.TokensOut),
	)
	return result, nil
}

// count never fails the plan; an uncountable text is billed as zero.
func (p *DecomposingPlanner) count(text string) int {
	n, err := p.counter.CountTokens(text)
	if err != nil {
		p.logger.Debug("token count failed", zap.Error(err))
		return 0
	}
	return n
}

func buildPrompt(req agent.PlanRequest, maxSubtasks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are acting as %s at depth %d of an agent tree.\n", req.Role, req.Depth)
	if req.Hint != "" {
		fmt.Fprintf(&b, "Guidance: %s.\n", req.Hint)
	}
	fmt.Fprintf(&b, `Split the following task into at most %d subtasks that can run in parallel.

Task: %s

Reply with a JSON array. Each element has:
  "description": what the subtask must do
  "role": one of "domain_lead:<domain>", "worker", "specialist:<specialty>"
  "required": false if the overall task can succeed without it

Example:
[
  {"description": "design the schema", "role": "specialist:sql", "required": true},
  {"description": "write release notes", "role": "worker", "required": false}
]`, maxSubtasks, req.Task)
	return b.String()
}

// subtaskJSON is one element of the model's reply.
type subtaskJSON struct {
	Description string `json:"description"`
	Role        string `json:"role"`
	Required    *bool  `json:"required"`
}

// parseSubtasks tries, in order: the whole reply as a JSON array, a ```json
// fenced block, a plain fenced block. If none parses, the task becomes a
// single required worker subtask.
func parseSubtasks(content, task string) []agent.Subtask {
	if subtasks := tryParseSubtaskJSON(strings.TrimSpace(content), task); subtasks != nil {
		return subtasks
	}

	if idx := strings.Index(content, "```json"); idx != -1 {
		start := idx + len("```json")
		if end := strings.Index(content[start:], "```"); end != -1 {
			if subtasks := tryParseSubtaskJSON(strings.TrimSpace(content[start:start+end]), task); subtasks != nil {
				return subtasks
			}
		}
	}

	if idx := strings.Index(content, "```"); idx != -1 {
		start := idx + len("```")
		// Skip a language tag on the fence line.
		if nl := strings.Index(content[start:], "\n"); nl != -1 {
			start += nl + 1
		}
		if end := strings.Index(content[start:], "```"); end != -1 {
			if subtasks := tryParseSubtaskJSON(strings.TrimSpace(content[start:start+end]), task); subtasks != nil {
				return subtasks
			}
		}
	}

	return []agent.Subtask{{Description: task, Role: types.Worker(), Required: true}}
}

func tryParseSubtaskJSON(raw, task string) []agent.Subtask {
	var parsed []subtaskJSON
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil
	}
	if len(parsed) == 0 {
		return nil
	}

	subtasks := make([]agent.Subtask, 0, len(parsed))
	for _, st := range parsed {
		desc := strings.TrimSpace(st.Description)
		if desc == "" {
			desc = task
		}
		role, err := types.ParseRole(st.Role)
		if err != nil || role.IsZero() {
			role = types.Worker()
		}
		required := true
		if st.Required != nil {
			required = *st.Required
		}
		subtasks = append(subtasks, agent.Subtask{Description: desc, Role: role, Required: required})
	}
	return subtasks
}

// =============================================================================
// StaticPlanner
// =============================================================================

// StaticPlanner returns scripted plans keyed by task text. Unknown tasks get
// an empty plan, so the asking node executes them itself.
type StaticPlanner struct {
	mu    sync.RWMutex
	plans map[string][]agent.Subtask
}

// NewStaticPlanner creates a planner from plans.
func NewStaticPlanner(plans map[string][]agent.Subtask) *StaticPlanner {
	p := &StaticPlanner{plans: make(map[string][]agent.Subtask, len(plans))}
	for task, subtasks := range plans {
		p.plans[task] = append([]agent.Subtask(nil), subtasks...)
	}
	return p
}

// Set replaces the plan for task.
func (p *StaticPlanner) Set(task string, subtasks ...agent.Subtask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans[task] = append([]agent.Subtask(nil), subtasks...)
}

// Plan implements agent.Planner.
func (p *StaticPlanner) Plan(_ context.Context, req agent.PlanRequest) (agent.PlanResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return agent.PlanResult{Subtasks: append([]agent.Subtask(nil), p.plans[req.Task]...)}, nil
}
