// Package reliability classifies events by how much damage losing them would
// do. Transports use it to decide how loudly a failed delivery is reported.
package reliability

import (
	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
)

// IsCriticalEvent reports whether a failed delivery of the envelope needs
// operator attention rather than a warning.
//
// Critical transitions are the ones that:
// 1. Won't be superseded by a later transition of the same session
// 2. Trigger a user-facing notification
//
// Intermediate transitions only refresh the live status feed, which the next
// transition overwrites anyway.
func IsCriticalEvent(evt events.EventEnvelope) bool {
	if evt.Type != booking.EventTypeSessionTransitioned {
		return false
	}

	switch p := evt.Payload.(type) {
	case booking.TransitionEvent:
		return isCriticalTransition(p)
	case *booking.TransitionEvent:
		return p != nil && isCriticalTransition(*p)
	default:
		// Unknown payloads are treated as critical; dropping them is not recoverable.
		return true
	}
}

func isCriticalTransition(e booking.TransitionEvent) bool {
	return e.Terminal || e.IsFirstStart() || e.To == booking.SessionStateFailed
}
