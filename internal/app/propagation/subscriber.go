package propagation

import (
	"fmt"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
)

// transitionFromEnvelope extracts the transition carried by a
// SessionTransitioned envelope.
func transitionFromEnvelope(evt events.EventEnvelope) (booking.TransitionEvent, error) {
	if evt.Type != booking.EventTypeSessionTransitioned {
		return booking.TransitionEvent{}, fmt.Errorf("unexpected event type %s", evt.Type)
	}
	switch p := evt.Payload.(type) {
	case booking.TransitionEvent:
		return p, nil
	case *booking.TransitionEvent:
		if p == nil {
			return booking.TransitionEvent{}, fmt.Errorf("nil transition payload")
		}
		return *p, nil
	default:
		return booking.TransitionEvent{}, fmt.Errorf("unexpected payload type %T for %s", evt.Payload, evt.Type)
	}
}

var transitionEvents = []events.EventType{booking.EventTypeSessionTransitioned}
