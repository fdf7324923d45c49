package types

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStats_Add(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Second)
	t2 := t0.Add(2 * time.Second)

	s := SessionStats{TokensIn: 1, TokensOut: 2, StartedAt: t1, CompletedAt: &t1}
	s.Add(SessionStats{TokensIn: 10, TokensOut: 5, StartedAt: t0, CompletedAt: &t2})

	assert.Equal(t, 11, s.TokensIn)
	assert.Equal(t, 7, s.TokensOut)
	assert.Equal(t, t0, s.StartedAt)
	require.NotNil(t, s.CompletedAt)
	assert.Equal(t, t2, *s.CompletedAt)

	// A zero start never wins.
	s.Add(SessionStats{TokensIn: 1})
	assert.Equal(t, t0, s.StartedAt)
	assert.Equal(t, UsageDelta{TokensIn: 12, TokensOut: 7}, s.Tokens())
}

func TestSessionStats_CloneDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := SessionStats{CompletedAt: &now}
	cp := s.Clone()
	*cp.CompletedAt = now.Add(time.Hour)
	assert.Equal(t, now, *s.CompletedAt)
}

func TestNoteFor(t *testing.T) {
	t.Parallel()

	n := NoteFor("agt_b", true, NewError(ErrToolExecutionFailed, "exit 1"))
	assert.Equal(t, FailureNote{AgentID: "agt_b", Required: true, Code: ErrToolExecutionFailed, Message: "exit 1"}, n)

	n = NoteFor("agt_c", false, errors.New("plain"))
	assert.Equal(t, ErrToolExecutionFailed, n.Code)
	assert.False(t, Result{}.Degraded())
	assert.True(t, Result{Failures: []FailureNote{n}}.Degraded())
}
