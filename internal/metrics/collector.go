// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 Supervision metrics
// =============================================================================

// Collector records supervision-tree metrics.
type Collector struct {
	// Factory
	spawnsTotal     *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	liveAgents      prometheus.Gauge

	// Lifecycle
	statusTransitions *prometheus.CounterVec
	terminalTotal     *prometheus.CounterVec
	agentDuration     *prometheus.HistogramVec
	forcedFinalized   prometheus.Counter

	// Merge
	mergeDuration *prometheus.HistogramVec

	// Usage
	tokensTotal *prometheus.CounterVec

	// Checkpoints
	checkpointsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers collectors on the default registerer.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegisterer(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegisterer registers collectors on reg. Tests pass a fresh
// prometheus.NewRegistry() so several collectors can coexist.
func NewCollectorWithRegisterer(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.spawnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_spawns_total",
			Help:      "Total number of agents spawned",
		},
		[]string{"role"},
	)

	c.rejectionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_spawn_rejections_total",
			Help:      "Spawn attempts rejected by the factory",
		},
		[]string{"code"},
	)

	c.liveAgents = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_live",
			Help:      "Agents currently holding a quota slot",
		},
	)

	c.statusTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_transitions_total",
			Help:      "Agent status transitions",
		},
		[]string{"from", "to"},
	)

	c.terminalTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_terminal_events_total",
			Help:      "Terminal events emitted, by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	c.agentDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_duration_seconds",
			Help:      "Wall time from spawn to terminal event",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"role"},
	)

	c.forcedFinalized = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_forced_finalizations_total",
			Help:      "Children force-finalized after the cancellation grace period",
		},
	)

	c.mergeDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Time spent folding child outcomes",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 10, 7),
		},
		[]string{"outcome"},
	)

	c.tokensTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by leaf agents",
		},
		[]string{"direction"},
	)

	c.checkpointsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint hook invocations by result (ok, failed, dropped)",
		},
		[]string{"result"},
	)

	return c
}

// =============================================================================
// Recording
// =============================================================================

// RecordSpawn records a successful spawn.
func (c *Collector) RecordSpawn(role string) {
	c.spawnsTotal.WithLabelValues(role).Inc()
}

// RecordSpawnRejected records a factory rejection.
func (c *Collector) RecordSpawnRejected(code string) {
	c.rejectionsTotal.WithLabelValues(code).Inc()
}

// SetLiveAgents sets the live-agent gauge.
func (c *Collector) SetLiveAgents(n int) {
	c.liveAgents.Set(float64(n))
}

// RecordStatusTransition records a lifecycle move.
func (c *Collector) RecordStatusTransition(from, to string) {
	c.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordTerminal records a terminal event and the agent's lifetime.
func (c *Collector) RecordTerminal(role, outcome string, lifetime time.Duration) {
	c.terminalTotal.WithLabelValues(role, outcome).Inc()
	c.agentDuration.WithLabelValues(role).Observe(lifetime.Seconds())
}

// RecordForcedFinalization records a child finalized without its own report.
func (c *Collector) RecordForcedFinalization() {
	c.forcedFinalized.Inc()
	c.logger.Debug("forced finalization recorded")
}

// RecordMerge records a merge.
func (c *Collector) RecordMerge(outcome string, d time.Duration) {
	c.mergeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordTokens records leaf usage.
func (c *Collector) RecordTokens(in, out int) {
	if in > 0 {
		c.tokensTotal.WithLabelValues("in").Add(float64(in))
	}
	if out > 0 {
		c.tokensTotal.WithLabelValues("out").Add(float64(out))
	}
}

// RecordCheckpoint records a checkpoint hook outcome.
func (c *Collector) RecordCheckpoint(result string) {
	c.checkpointsTotal.WithLabelValues(result).Inc()
}
