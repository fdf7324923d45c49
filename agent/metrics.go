package agent

import "time"

// Metrics is the subset of internal/metrics.Collector the core records to.
type Metrics interface {
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

type nopMetrics struct{}

func (nopMetrics) RecordSpawn(string)                           {}
func (nopMetrics) RecordSpawnRejected(string)                   {}
func (nopMetrics) SetLiveAgents(int)                            {}
func (nopMetrics) RecordStatusTransition(string, string)        {}
func (nopMetrics) RecordTerminal(string, string, time.Duration) {}
func (nopMetrics) RecordForcedFinalization()                    {}
func (nopMetrics) RecordMerge(string, time.Duration)            {}
func (nopMetrics) RecordTokens(int, int)                        {}
func (nopMetrics) RecordCheckpoint(string)                      {}
