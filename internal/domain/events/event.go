package events

import "time"

// DomainEvent is implemented by every event the booking domain emits. It lets
// publishers stay agnostic of the concrete payload.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope encapsulates all event data flowing through the system, providing
// a standardized format for event processing and distribution.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically containing a business identifier
	// like a SessionID that events can be grouped or partitioned by. Events sharing a
	// key are delivered in publish order.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when this event was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on the EventType.
	Payload any
}
