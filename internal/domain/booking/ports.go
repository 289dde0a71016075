package booking

import (
	"context"

	"github.com/google/uuid"
)

// SessionRepository is the single source of truth for sessions and the sole
// arbiter of the one-active-session-per-configuration invariant.
type SessionRepository interface {
	// CreateSession persists the configuration (if new) and a fresh session,
	// committing its first transition into initializing. It returns a
	// *ConflictError when an active session already exists for the owner and
	// configuration.
	CreateSession(ctx context.Context, cfg Configuration) (*Session, error)

	// LoadActive returns the active session for the owner and configuration,
	// or ErrSessionNotFound.
	LoadActive(ctx context.Context, owner string, configurationID uuid.UUID) (*Session, error)

	// GetSession returns a session by id, or ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (*Session, error)

	// ListActive returns every non-terminal session.
	ListActive(ctx context.Context) ([]*Session, error)

	// GetConfiguration returns a configuration by id, or ErrConfigurationNotFound.
	GetConfiguration(ctx context.Context, configurationID uuid.UUID) (Configuration, error)

	// Commit atomically applies a transition to the stored session and appends
	// exactly one TransitionEvent. The provided session must be the latest
	// committed version; a stale copy yields ErrConcurrentUpdate. Commits for one
	// session id never run concurrently.
	Commit(ctx context.Context, session *Session, to SessionState, detail TransitionDetail) (*Session, TransitionEvent, error)

	// ListTransitions returns the transition log of a session in sequence order.
	ListTransitions(ctx context.Context, sessionID uuid.UUID) ([]TransitionEvent, error)
}

// TransitionOutbox exposes committed transitions that have not yet been
// handed to the propagation bus, in commit order.
type TransitionOutbox interface {
	PendingTransitions(ctx context.Context, limit int) ([]TransitionEvent, error)
	MarkPublished(ctx context.Context, eventIDs ...uuid.UUID) error
}

// SessionStore is the full storage contract implemented by every backend.
type SessionStore interface {
	SessionRepository
	TransitionOutbox
}

// EntitlementChecker answers whether an owner may start new runs.
type EntitlementChecker interface {
	IsEntitled(ctx context.Context, owner string) (bool, error)
}

// StepRequest is the input to one automation step.
type StepRequest struct {
	SessionID     uuid.UUID
	State         SessionState
	Configuration Configuration
	Attempt       int
}

// AutomationStep performs the external site interaction for one state. It
// must honour ctx cancellation and deadlines.
type AutomationStep interface {
	Perform(ctx context.Context, req StepRequest) Outcome
}

// NotificationSender hands notifications to the delivery collaborator.
// Delivery is best effort.
type NotificationSender interface {
	Send(ctx context.Context, n Notification) error
}

// StatusFeed pushes live status changes to the owner's clients.
type StatusFeed interface {
	Push(ctx context.Context, update StatusUpdate) error
}
