package booking

// SessionState represents where a booking session is in its lifecycle, from
// initialization through a successful booking or a failure.
type SessionState string

const (
	// SessionStateUnspecified is the empty "from" state of the very first transition.
	SessionStateUnspecified SessionState = ""

	// SessionStateInitializing indicates the automation is preparing a run.
	SessionStateInitializing SessionState = "initializing"

	// SessionStateWaitingAuthentication indicates the run is suspended until the
	// user completes an interactive strong-authentication step.
	SessionStateWaitingAuthentication SessionState = "waiting_authentication"

	// SessionStateSearching indicates the run is looking for an available slot.
	SessionStateSearching SessionState = "searching"

	// SessionStateBooking indicates a slot was found and is being reserved.
	SessionStateBooking SessionState = "booking"

	// SessionStateSucceeded indicates a slot was booked.
	SessionStateSucceeded SessionState = "succeeded"

	// SessionStateFailed indicates the run failed. Whether it is terminal
	// depends on the session's failure detail.
	SessionStateFailed SessionState = "failed"
)

func (s SessionState) String() string { return string(s) }

// ParseSessionState converts a string to a SessionState.
func ParseSessionState(s string) SessionState {
	switch s {
	case "initializing", "INITIALIZING":
		return SessionStateInitializing
	case "waiting_authentication", "WAITING_AUTHENTICATION":
		return SessionStateWaitingAuthentication
	case "searching", "SEARCHING":
		return SessionStateSearching
	case "booking", "BOOKING":
		return SessionStateBooking
	case "succeeded", "SUCCEEDED":
		return SessionStateSucceeded
	case "failed", "FAILED":
		return SessionStateFailed
	default:
		return SessionStateUnspecified
	}
}

// IsValid reports whether s is one of the known states.
func (s SessionState) IsValid() bool {
	return ParseSessionState(string(s)) != SessionStateUnspecified
}

// ValidateTransition checks if a state transition is allowed by the lifecycle
// table and returns an *InvalidTransitionError if not.
func (s SessionState) ValidateTransition(target SessionState) error {
	if !s.isValidTransition(target) {
		return &InvalidTransitionError{From: s, To: target}
	}
	return nil
}

// isValidTransition enforces the session lifecycle rules to prevent invalid state changes.
func (s SessionState) isValidTransition(target SessionState) bool {
	switch s {
	case SessionStateUnspecified:
		// Only a fresh session may enter the lifecycle.
		return target == SessionStateInitializing
	case SessionStateInitializing:
		return target == SessionStateWaitingAuthentication || target == SessionStateFailed
	case SessionStateWaitingAuthentication:
		return target == SessionStateSearching || target == SessionStateFailed
	case SessionStateSearching:
		return target == SessionStateBooking || target == SessionStateFailed
	case SessionStateBooking:
		return target == SessionStateSucceeded || target == SessionStateFailed
	case SessionStateFailed:
		// Only a retryable failure may re-enter; the session checks that part.
		return target == SessionStateInitializing
	case SessionStateSucceeded:
		return false
	default:
		return false
	}
}

// Next returns the state a successful automation step moves s into. The
// boolean is false for states that have no forward step.
func (s SessionState) Next() (SessionState, bool) {
	switch s {
	case SessionStateInitializing:
		return SessionStateWaitingAuthentication, true
	case SessionStateWaitingAuthentication:
		return SessionStateSearching, true
	case SessionStateSearching:
		return SessionStateBooking, true
	case SessionStateBooking:
		return SessionStateSucceeded, true
	default:
		return SessionStateUnspecified, false
	}
}
