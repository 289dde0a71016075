package booking

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a session lookup finds nothing.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConfigurationNotFound is returned when a configuration lookup finds nothing.
	ErrConfigurationNotFound = errors.New("configuration not found")

	// ErrConcurrentUpdate is returned when a commit is attempted against a stale
	// copy of a session.
	ErrConcurrentUpdate = errors.New("session was modified concurrently")

	// ErrRunCancelled is the cancellation cause used when a run is cancelled externally.
	ErrRunCancelled = errors.New("run cancelled")

	// ErrRunTimeout is the cancellation cause used when a run exceeds its deadline.
	ErrRunTimeout = errors.New("run exceeded its deadline")

	// ErrAuthTimeout is the cancellation cause used when the interactive
	// authentication step is not completed in time.
	ErrAuthTimeout = errors.New("authentication was not completed in time")
)

// ConflictError is returned when an active session already exists for the
// owner and configuration.
type ConflictError struct {
	Owner           string
	ConfigurationID uuid.UUID
	ActiveSessionID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("active session %s already exists for owner %s and configuration %s",
		e.ActiveSessionID, e.Owner, e.ConfigurationID)
}

// InvalidTransitionError is returned when a state change violates the
// session lifecycle. It indicates a defect and is never retried.
type InvalidTransitionError struct {
	SessionID uuid.UUID
	From      SessionState
	To        SessionState
	Reason    string
}

func (e *InvalidTransitionError) Error() string {
	from := e.From.String()
	if from == "" {
		from = "<none>"
	}
	msg := fmt.Sprintf("invalid session state transition from %s to %s", from, e.To)
	if e.SessionID != uuid.Nil {
		msg += fmt.Sprintf(" (session_id: %s)", e.SessionID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NotEntitledError is returned when the owner is not allowed to start a run.
type NotEntitledError struct{ Owner string }

func (e *NotEntitledError) Error() string {
	return fmt.Sprintf("owner %s is not entitled to start a booking run", e.Owner)
}

// ExecutionFailure carries a classified failure out of the executor.
type ExecutionFailure struct {
	Kind   FailureKind
	Reason string
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("%s execution failure: %s", e.Kind, e.Reason)
}

// IsRecoverable reports whether the failure may be retried.
func (e *ExecutionFailure) IsRecoverable() bool { return e.Kind == FailureKindRecoverable }

// IsConflict reports whether err is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ie *InvalidTransitionError
	return errors.As(err, &ie)
}

// IsNotEntitled reports whether err is a *NotEntitledError.
func IsNotEntitled(err error) bool {
	var ne *NotEntitledError
	return errors.As(err, &ne)
}
