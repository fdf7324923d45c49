package agent

import (
	"fmt"
	"time"
)

// FailurePolicy decides how a merge treats failed children.
type FailurePolicy string

const (
	// PolicyDegrade completes with annotations unless a required child failed.
	PolicyDegrade FailurePolicy = "degrade"
	// PolicyAbort fails on any child failure.
	PolicyAbort FailurePolicy = "abort"
)

// Config is the runtime configuration of one orchestration instance. Each
// instance owns its own limits and counters.
type Config struct {
	MaxDepth      int           `json:"max_depth" yaml:"max_depth"`
	MaxFanout     int           `json:"max_fanout" yaml:"max_fanout"`
	MaxAgents     int           `json:"max_agents" yaml:"max_agents"`
	QueueDepth    int           `json:"queue_depth" yaml:"queue_depth"`
	GracePeriod   time.Duration `json:"grace_period" yaml:"grace_period"`
	FailurePolicy FailurePolicy `json:"failure_policy" yaml:"failure_policy"`

	// SpawnRate limits spawns per second across the tree; 0 disables.
	SpawnRate  float64 `json:"spawn_rate" yaml:"spawn_rate"`
	SpawnBurst int     `json:"spawn_burst" yaml:"spawn_burst"`

	CheckpointWorkers int           `json:"checkpoint_workers" yaml:"checkpoint_workers"`
	CheckpointQueue   int           `json:"checkpoint_queue" yaml:"checkpoint_queue"`
	CheckpointTimeout time.Duration `json:"checkpoint_timeout" yaml:"checkpoint_timeout"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxDepth:          3,
		MaxFanout:         8,
		MaxAgents:         64,
		QueueDepth:        32,
		GracePeriod:       2 * time.Second,
		FailurePolicy:     PolicyDegrade,
		CheckpointWorkers: 2,
		CheckpointQueue:   256,
		CheckpointTimeout: 5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth must be >= 0, got %d", c.MaxDepth)
	}
	if c.MaxFanout <= 0 {
		return fmt.Errorf("max_fanout must be positive, got %d", c.MaxFanout)
	}
	if c.MaxAgents <= 0 {
		return fmt.Errorf("max_agents must be positive, got %d", c.MaxAgents)
	}
	if c.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be positive, got %d", c.QueueDepth)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive, got %s", c.GracePeriod)
	}
	switch c.FailurePolicy {
	case PolicyDegrade, PolicyAbort:
	default:
		return fmt.Errorf("unknown failure_policy %q", c.FailurePolicy)
	}
	if c.SpawnRate < 0 {
		return fmt.Errorf("spawn_rate must be >= 0, got %v", c.SpawnRate)
	}
	return nil
}

// graceFor is how long a node at depth waits for its children after
// forwarding Cancel. Deeper nodes get less so each level finishes first.
func (c Config) graceFor(depth int) time.Duration {
	levels := c.MaxDepth - depth
	if levels < 1 {
		levels = 1
	}
	return c.GracePeriod * time.Duration(levels)
}
