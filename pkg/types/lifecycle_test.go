package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCanTransition covers the full session state machine edge set.
func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    SessionStatus
		to      SessionStatus
		allowed bool
	}{
		{"pending to creating", SessionPending, SessionCreating, true},
		{"creating to starting", SessionCreating, SessionStarting, true},
		{"starting to running", SessionStarting, SessionRunning, true},
		{"running to completed", SessionRunning, SessionCompleted, true},
		{"running to terminated", SessionRunning, SessionTerminated, true},
		{"running to failed", SessionRunning, SessionFailed, true},
		{"running to timeout", SessionRunning, SessionTimeout, true},
		{"creating to failed", SessionCreating, SessionFailed, true},
		{"starting to failed", SessionStarting, SessionFailed, true},
		{"pending to running skips creating", SessionPending, SessionRunning, false},
		{"completed is terminal", SessionCompleted, SessionRunning, false},
		{"terminated is terminal", SessionTerminated, SessionRunning, false},
		{"failed is terminal", SessionFailed, SessionPending, false},
		{"no self transition", SessionRunning, SessionRunning, false},
		{"running cannot revert", SessionRunning, SessionCreating, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalSets(t *testing.T) {
	for _, s := range []SessionStatus{SessionCompleted, SessionTerminated, SessionFailed, SessionTimeout} {
		assert.True(t, IsTerminalSession(s), "session %s should be terminal", s)
		assert.Empty(t, sessionTransitions[s], "terminal session %s must have no outgoing edges", s)
	}
	for _, s := range []SessionStatus{SessionPending, SessionCreating, SessionStarting, SessionRunning} {
		assert.False(t, IsTerminalSession(s))
	}

	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed} {
		assert.True(t, IsTerminalExecution(s))
	}
	assert.False(t, IsTerminalExecution(ExecutionPending))
	assert.False(t, IsTerminalExecution(ExecutionRunning))
}
