package types

// sessionTransitions is the allowed edge set of the session lifecycle.
// Terminal states have no outgoing edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:  {SessionCreating, SessionFailed, SessionTerminated},
	SessionCreating: {SessionStarting, SessionFailed, SessionTerminated},
	SessionStarting: {SessionRunning, SessionFailed, SessionTerminated},
	SessionRunning:  {SessionCompleted, SessionTerminated, SessionFailed, SessionTimeout},
}

// CanTransition reports whether a session may move from one status to
// another. Self-transitions are not allowed.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalSession reports whether a session status is terminal.
func IsTerminalSession(s SessionStatus) bool {
	switch s {
	case SessionCompleted, SessionTerminated, SessionFailed, SessionTimeout:
		return true
	}
	return false
}

// IsTerminalExecution reports whether an execution status is terminal.
// Once terminal, no later callback may change the result.
func IsTerminalExecution(s ExecutionStatus) bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionTimeout, ExecutionCrashed:
		return true
	}
	return false
}
