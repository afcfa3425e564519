// Package errdefs defines the error taxonomy shared by the control
// plane. Errors are classified by kind, not by concrete type; the REST
// layer maps kinds to HTTP statuses and never leaks internal detail.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindInvalidRequest      Kind = "InvalidRequest"
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindSchedulingFailed    Kind = "SchedulingFailed"
	KindBackendUnavailable  Kind = "BackendUnavailable"
	KindExecutorUnreachable Kind = "ExecutorUnreachable"
	KindQueueFull           Kind = "QueueFull"
	KindExecutionFailed     Kind = "ExecutionFailed"
	KindExecutionTimeout    Kind = "ExecutionTimeout"
	KindExecutionCrashed    Kind = "ExecutionCrashed"
	KindInternal            Kind = "Internal"
)

// Error carries a kind, a user-facing description, and an optional hint.
// The wrapped cause is logged but never serialized to clients.
type Error struct {
	Kind        Kind
	Description string
	Detail      string
	Solution    string
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Description, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, description string) *Error {
	return &Error{Kind: kind, Description: description}
}

// Wrap creates an error of the given kind around a cause.
func Wrap(kind Kind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, cause: cause}
}

// WithDetail attaches a safe-to-expose detail string.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// WithSolution attaches a user-facing hint.
func (e *Error) WithSolution(solution string) *Error {
	e.Solution = solution
	return e
}

// KindOf extracts the kind from an error chain, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError returns the typed error from a chain, or wraps it as Internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, "internal error", err)
}
