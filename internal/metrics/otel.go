package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder is the method set the supervision core records to. Collector
// and OTelRecorder both satisfy it.
type Recorder interface {
	RecordSpawn(role string)
	RecordSpawnRejected(code string)
	SetLiveAgents(n int)
	RecordStatusTransition(from, to string)
	RecordTerminal(role, outcome string, lifetime time.Duration)
	RecordForcedFinalization()
	RecordMerge(outcome string, d time.Duration)
	RecordTokens(in, out int)
	RecordCheckpoint(result string)
}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = (*OTelRecorder)(nil)
)

// OTelRecorder records the same series as Collector through an
// OpenTelemetry meter, for export over OTLP.
type OTelRecorder struct {
	spawns      metric.Int64Counter
	rejections  metric.Int64Counter
	live        metric.Int64Gauge
	transitions metric.Int64Counter
	terminals   metric.Int64Counter
	lifetime    metric.Float64Histogram
	forced      metric.Int64Counter
	merges      metric.Float64Histogram
	tokens      metric.Int64Counter
	checkpoints metric.Int64Counter
}

// NewOTelRecorder creates the instruments on meter.
func NewOTelRecorder(meter metric.Meter) (*OTelRecorder, error) {
	var (
		r   OTelRecorder
		err error
	)
	if r.spawns, err = meter.Int64Counter("cabal.agent.spawns", metric.WithDescription("Agents spawned")); err != nil {
		return nil, err
	}
	if r.rejections, err = meter.Int64Counter("cabal.agent.spawn_rejections", metric.WithDescription("Spawn requests rejected by the factory")); err != nil {
		return nil, err
	}
	if r.live, err = meter.Int64Gauge("cabal.agents.live", metric.WithDescription("Agents holding a quota slot")); err != nil {
		return nil, err
	}
	if r.transitions, err = meter.Int64Counter("cabal.agent.status_transitions", metric.WithDescription("Lifecycle transitions")); err != nil {
		return nil, err
	}
	if r.terminals, err = meter.Int64Counter("cabal.agent.terminals", metric.WithDescription("Terminal events")); err != nil {
		return nil, err
	}
	if r.lifetime, err = meter.Float64Histogram("cabal.agent.lifetime", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.forced, err = meter.Int64Counter("cabal.agent.forced_finalizations", metric.WithDescription("Children finalized after the grace period")); err != nil {
		return nil, err
	}
	if r.merges, err = meter.Float64Histogram("cabal.merge.duration", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.tokens, err = meter.Int64Counter("cabal.tokens", metric.WithDescription("Leaf token usage")); err != nil {
		return nil, err
	}
	if r.checkpoints, err = meter.Int64Counter("cabal.checkpoints", metric.WithDescription("Checkpoint hook outcomes")); err != nil {
		return nil, err
	}
	return &r, nil
}

// Recording happens off any request path, so a background context is used.

func (r *OTelRecorder) RecordSpawn(role string) {
	r.spawns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("role", role)))
}

func (r *OTelRecorder) RecordSpawnRejected(code string) {
	r.rejections.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", code)))
}

func (r *OTelRecorder) SetLiveAgents(n int) {
	r.live.Record(context.Background(), int64(n))
}

func (r *OTelRecorder) RecordStatusTransition(from, to string) {
	r.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *OTelRecorder) RecordTerminal(role, outcome string, lifetime time.Duration) {
	attrs := metric.WithAttributes(attribute.String("role", role), attribute.String("outcome", outcome))
	r.terminals.Add(context.Background(), 1, attrs)
	r.lifetime.Record(context.Background(), lifetime.Seconds(), metric.WithAttributes(attribute.String("role", role)))
}

func (r *OTelRecorder) RecordForcedFinalization() {
	r.forced.Add(context.Background(), 1)
}

func (r *OTelRecorder) RecordMerge(outcome string, d time.Duration) {
	r.merges.Record(context.Background(), d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (r *OTelRecorder) RecordTokens(in, out int) {
	if in > 0 {
		r.tokens.Add(context.Background(), int64(in), metric.WithAttributes(attribute.String("direction", "in")))
	}
	if out > 0 {
		r.tokens.Add(context.Background(), int64(out), metric.WithAttributes(attribute.String("direction", "out")))
	}
}

func (r *OTelRecorder) RecordCheckpoint(result string) {
	r.checkpoints.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// Tee fans every call out to each recorder in order.
type Tee []Recorder

func (t Tee) RecordSpawn(role string) {
	for _, r := range t {
		r.RecordSpawn(role)
	}
}

func (t Tee) RecordSpawnRejected(code string) {
	for _, r := range t {
		r.RecordSpawnRejected(code)
	}
}

func (t Tee) SetLiveAgents(n int) {
	for _, r := range t {
		r.SetLiveAgents(n)
	}
}

func (t Tee) RecordStatusTransition(from, to string) {
	for _, r := range t {
		r.RecordStatusTransition(from, to)
	}
}

func (t Tee) RecordTerminal(role, outcome string, lifetime time.Duration) {
	for _, r := range t {
		r.RecordTerminal(role, outcome, lifetime)
	}
}

func (t Tee) RecordForcedFinalization() {
	for _, r := range t {
		r.RecordForcedFinalization()
	}
}

func (t Tee) RecordMerge(outcome string, d time.Duration) {
	for _, r := range t {
		r.RecordMerge(outcome, d)
	}
}

func (t Tee) RecordTokens(in, out int) {
	for _, r := range t {
		r.RecordTokens(in, out)
	}
}

func (t Tee) RecordCheckpoint(result string) {
	for _, r := range t {
		r.RecordCheckpoint(result)
	}
}
