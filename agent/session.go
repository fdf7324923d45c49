package agent

import (
	"time"

	"github.com/moltenlabs/cabal/types"
)

// SessionTracker accounts usage for a single node. It is owned by that node's
// goroutine and never shared, so it carries no lock. Child usage enters only
// through Absorb, after the child's terminal event has been received.
type SessionTracker struct {
	stats types.SessionStats
}

// NewSessionTracker starts tracking at now.
func NewSessionTracker(now time.Time) *SessionTracker {
	return &SessionTracker{stats: types.SessionStats{StartedAt: now}}
}

// Record adds usage produced by the node itself.
func (s *SessionTracker) Record(d types.UsageDelta) {
	s.stats.TokensIn += d.TokensIn
	s.stats.TokensOut += d.TokensOut
}

// Absorb folds merged child usage into the node's stats.
func (s *SessionTracker) Absorb(child types.SessionStats) {
	s.stats.Add(child)
}

// Finish stamps the completion time. It never moves CompletedAt backwards,
// so a child that finished later than now keeps the window wide enough.
func (s *SessionTracker) Finish(now time.Time) {
	if s.stats.CompletedAt != nil && s.stats.CompletedAt.After(now) {
		return
	}
	s.stats.CompletedAt = &now
}

// Snapshot returns a copy of the current stats.
func (s *SessionTracker) Snapshot() types.SessionStats {
	return s.stats.Clone()
}
