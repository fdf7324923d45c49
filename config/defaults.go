package config

import (
	"time"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/persistence"
	"github.com/moltenlabs/cabal/internal/server"
	"github.com/moltenlabs/cabal/internal/telemetry"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: DefaultOrchestratorConfig(),
		Persistence:  persistence.DefaultStoreConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    telemetry.DefaultConfig(),
		Metrics:      DefaultMetricsConfig(),
	}
}

// DefaultOrchestratorConfig mirrors agent.DefaultConfig.
func DefaultOrchestratorConfig() OrchestratorConfig {
	d := agent.DefaultConfig()
	return OrchestratorConfig{
		MaxDepth:          d.MaxDepth,
		MaxFanout:         d.MaxFanout,
		MaxAgents:         d.MaxAgents,
		QueueDepth:        d.QueueDepth,
		GracePeriod:       d.GracePeriod,
		FailurePolicy:     string(d.FailurePolicy),
		SpawnRate:         d.SpawnRate,
		SpawnBurst:        d.SpawnBurst,
		CheckpointWorkers: d.CheckpointWorkers,
		CheckpointQueue:   d.CheckpointQueue,
		CheckpointTimeout: d.CheckpointTimeout,
	}
}

// DefaultLogConfig returns the default log configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stderr"},
	}
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	srv := server.DefaultConfig()
	srv.ShutdownTimeout = 5 * time.Second
	return MetricsConfig{
		Enabled:   false,
		Namespace: "cabal",
		Server:    srv,
	}
}
