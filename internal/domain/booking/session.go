package booking

import (
	"github.com/google/uuid"
)

// Session is one execution of a Configuration. It is created in the
// initializing state, mutated only through Transition, and immutable once
// terminal.
type Session struct {
	sessionID       uuid.UUID
	owner           string
	configurationID uuid.UUID
	state           SessionState
	attempt         int
	timeline        *Timeline
	result          *BookingResult
	failure         *FailureDetail
	// version is the sequence number of the last committed transition.
	version int64
}

// NewSession creates a session that has not yet entered the lifecycle. The
// store commits its first transition into initializing.
func NewSession(owner string, configurationID uuid.UUID) *Session {
	return newSessionWithClock(owner, configurationID, realTimeProvider{})
}

func newSessionWithClock(owner string, configurationID uuid.UUID, tp TimeProvider) *Session {
	return &Session{
		sessionID:       uuid.New(),
		owner:           owner,
		configurationID: configurationID,
		state:           SessionStateUnspecified,
		attempt:         1,
		timeline:        NewTimeline(tp),
	}
}

// ReconstructSession creates a Session from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from storage.
func ReconstructSession(
	sessionID uuid.UUID,
	owner string,
	configurationID uuid.UUID,
	state SessionState,
	attempt int,
	timeline *Timeline,
	result *BookingResult,
	failure *FailureDetail,
	version int64,
) *Session {
	return &Session{
		sessionID:       sessionID,
		owner:           owner,
		configurationID: configurationID,
		state:           state,
		attempt:         attempt,
		timeline:        timeline,
		result:          result,
		failure:         failure,
		version:         version,
	}
}

func (s *Session) ID() uuid.UUID              { return s.sessionID }
func (s *Session) Owner() string              { return s.owner }
func (s *Session) ConfigurationID() uuid.UUID { return s.configurationID }
func (s *Session) State() SessionState        { return s.state }
func (s *Session) Attempt() int               { return s.attempt }
func (s *Session) Version() int64             { return s.version }
func (s *Session) Result() *BookingResult     { return s.result }
func (s *Session) Failure() *FailureDetail    { return s.failure }
func (s *Session) Timeline() *Timeline        { return s.timeline }

// IsTerminal reports whether the session can no longer change.
func (s *Session) IsTerminal() bool {
	switch s.state {
	case SessionStateSucceeded:
		return true
	case SessionStateFailed:
		return s.failure == nil || !s.failure.Retryable
	default:
		return false
	}
}

// IsActive reports whether the session still blocks a new run for the same
// configuration.
func (s *Session) IsActive() bool { return !s.IsTerminal() }

// AwaitingRetry reports whether the session failed and the retry controller
// authorized another attempt.
func (s *Session) AwaitingRetry() bool {
	return s.state == SessionStateFailed && s.failure != nil && s.failure.Retryable
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	c := *s
	tl := *s.timeline
	c.timeline = &tl
	if s.result != nil {
		r := *s.result
		c.result = &r
	}
	if s.failure != nil {
		f := *s.failure
		c.failure = &f
	}
	return &c
}

// Transition validates and applies a state change, returning the event that
// records it. On error the session is left untouched.
func (s *Session) Transition(to SessionState, detail TransitionDetail) (TransitionEvent, error) {
	from := s.state
	if err := from.ValidateTransition(to); err != nil {
		return TransitionEvent{}, s.invalid(to, "")
	}

	switch {
	case from == SessionStateFailed && !s.AwaitingRetry():
		return TransitionEvent{}, s.invalid(to, "session failed terminally")
	case to == SessionStateFailed && detail.Failure == nil:
		return TransitionEvent{}, s.invalid(to, "failure detail is required")
	case to == SessionStateFailed && detail.Failure.Retryable && detail.Failure.Kind != FailureKindRecoverable:
		return TransitionEvent{}, s.invalid(to, "only recoverable failures can be retried")
	}

	if from == SessionStateFailed && to == SessionStateInitializing {
		s.attempt++
		s.failure = nil
	}

	switch to {
	case SessionStateFailed:
		f := *detail.Failure
		if f.State == SessionStateUnspecified {
			f.State = from
		}
		s.failure = &f
		detail.Failure = &f
	case SessionStateSucceeded:
		s.result = detail.Result
	}

	s.state = to
	s.version++
	if s.IsTerminal() {
		s.timeline.MarkCompleted()
	} else {
		s.timeline.UpdateLastUpdate()
	}

	return newTransitionEvent(s, from, detail), nil
}

func (s *Session) invalid(to SessionState, reason string) error {
	return &InvalidTransitionError{SessionID: s.sessionID, From: s.state, To: to, Reason: reason}
}
