package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]Status{
		{StatusSpawning, StatusActive},
		{StatusActive, StatusAwaitingChildren},
		{StatusActive, StatusMerging},
		{StatusAwaitingChildren, StatusMerging},
		{StatusMerging, StatusCompleted},
		{StatusMerging, StatusFailed},
		{StatusActive, StatusCancelled},
		{StatusAwaitingChildren, StatusCancelled},
		{StatusCancelled, StatusFailed},
	}
	for _, p := range legal {
		assert.True(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}

	illegal := [][2]Status{
		{StatusCompleted, StatusActive},
		{StatusFailed, StatusCancelled},
		{StatusCancelled, StatusCompleted},
		{StatusSpawning, StatusMerging},
		{StatusActive, StatusCompleted},
	}
	for _, p := range illegal {
		assert.False(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusMerging.IsTerminal())
	assert.False(t, Status("nope").IsValid())

	err := TransitionError("agt_1", StatusCompleted, StatusActive)
	assert.Equal(t, ErrInvalidTransition, err.Code)
	assert.Equal(t, AgentID("agt_1"), err.AgentID)
}
