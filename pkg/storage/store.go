// Package storage provides durable state for templates, sessions and
// executions. Two implementations ship: an embedded BoltDB store (the
// default, zero external dependencies) and a Postgres store selected by
// DATABASE_URL. Status transitions go through TransitionSession and
// CompleteExecution so the validity and finality checks run inside the
// store's own transaction.
package storage

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status     types.SessionStatus
	TemplateID string
	Limit      int
	Offset     int
}

// Store is the durable state interface used by the rest of the core.
type Store interface {
	// Template operations
	CreateTemplate(tpl *types.Template) error
	GetTemplate(id string) (*types.Template, error)
	ListTemplates() ([]*types.Template, error)
	UpdateTemplate(tpl *types.Template) error
	DeleteTemplate(id string) error

	// Session operations
	CreateSession(sess *types.Session) error
	GetSession(id string) (*types.Session, error)
	ListSessions(filter SessionFilter) ([]*types.Session, error)
	UpdateSession(sess *types.Session) error
	DeleteSession(id string) error

	// TransitionSession atomically moves a session to a new status,
	// rejecting edges outside the lifecycle state machine. mutate, if
	// non-nil, is applied to the session inside the same transaction
	// after the status change. Returns the updated session.
	TransitionSession(id string, to types.SessionStatus, mutate func(*types.Session)) (*types.Session, error)

	// TouchSessionActivity advances last_activity_at. The timestamp is
	// monotonically non-decreasing; stale touches are dropped.
	TouchSessionActivity(id string, at time.Time) error

	// Execution operations
	CreateExecution(exec *types.Execution) error
	GetExecution(id string) (*types.Execution, error)
	ListExecutionsBySession(sessionID string) ([]*types.Execution, error)
	ListExecutionsByStatus(status types.ExecutionStatus) ([]*types.Execution, error)
	UpdateExecution(exec *types.Execution) error

	// CompleteExecution applies a terminal result with compare-and-set
	// on status == RUNNING. Returns false (and no error) when the
	// execution is already terminal; the first terminal result wins.
	CompleteExecution(id string, apply func(*types.Execution)) (bool, error)

	// RecordHeartbeat stores the freshest heartbeat time for a running
	// execution. No-op when the execution is terminal.
	RecordHeartbeat(id string, at time.Time) error

	Close() error
}
