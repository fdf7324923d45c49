package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltenlabs/cabal/types"
)

func TestSessionTracker(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	s := NewSessionTracker(t0)

	s.Record(types.UsageDelta{TokensIn: 3, TokensOut: 1})
	late := t0.Add(time.Minute)
	s.Absorb(types.SessionStats{TokensIn: 7, TokensOut: 4, StartedAt: t0.Add(time.Second), CompletedAt: &late})
	s.Finish(t0.Add(time.Second))

	snap := s.Snapshot()
	assert.Equal(t, types.UsageDelta{TokensIn: 10, TokensOut: 5}, snap.Tokens())
	assert.Equal(t, t0, snap.StartedAt)
	require.NotNil(t, snap.CompletedAt)
	assert.Equal(t, late, *snap.CompletedAt, "completion never moves backwards")

	// The snapshot is detached from the tracker.
	*snap.CompletedAt = t0
	assert.Equal(t, late, *s.Snapshot().CompletedAt)
}

func TestConfig_ValidateAndGrace(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 3*cfg.GracePeriod, cfg.graceFor(0))
	assert.Equal(t, cfg.GracePeriod, cfg.graceFor(2))
	assert.Equal(t, cfg.GracePeriod, cfg.graceFor(3))

	bad := cfg
	bad.FailurePolicy = "yolo"
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.MaxFanout = 0
	assert.Error(t, bad.Validate())
	bad = cfg
	bad.GracePeriod = 0
	assert.Error(t, bad.Validate())
}
