package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/booking-armada/internal/domain/events"
)

// EventTypeSessionTransitioned is published once per committed transition.
const EventTypeSessionTransitioned events.EventType = "SessionTransitioned"

// TransitionEvent is the immutable record of a single committed state change.
type TransitionEvent struct {
	EventID   uuid.UUID `json:"event_id"`
	SessionID uuid.UUID `json:"session_id"`
	Owner     string    `json:"owner"`
	// Sequence orders the transitions of one session, starting at 1.
	Sequence int64            `json:"sequence"`
	From     SessionState     `json:"from"`
	To       SessionState     `json:"to"`
	Attempt  int              `json:"attempt"`
	Detail   TransitionDetail `json:"detail"`
	// Terminal is set when the transition left the session immutable.
	Terminal  bool      `json:"terminal"`
	Timestamp time.Time `json:"timestamp"`
}

func newTransitionEvent(s *Session, from SessionState, detail TransitionDetail) TransitionEvent {
	return TransitionEvent{
		EventID:   uuid.New(),
		SessionID: s.sessionID,
		Owner:     s.owner,
		Sequence:  s.version,
		From:      from,
		To:        s.state,
		Attempt:   s.attempt,
		Detail:    detail,
		Terminal:  s.IsTerminal(),
		Timestamp: s.timeline.LastUpdate(),
	}
}

func (e TransitionEvent) EventType() events.EventType { return EventTypeSessionTransitioned }
func (e TransitionEvent) OccurredAt() time.Time       { return e.Timestamp }

// IsFirstStart reports whether the event records the very first entry into
// initializing.
func (e TransitionEvent) IsFirstStart() bool {
	return e.From == SessionStateUnspecified && e.To == SessionStateInitializing
}
