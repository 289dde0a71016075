// Package eventbus holds transport-agnostic helpers shared by the EventBus
// implementations.
package eventbus

import (
	"context"

	"github.com/ahrav/booking-armada/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events to an EventBus. It wraps each
// event in an envelope stamped with the event's own type and time.
type DomainEventPublisher struct {
	eventBus events.EventBus
}

// NewDomainEventPublisher creates a publisher distributing domain events
// through the provided bus.
func NewDomainEventPublisher(bus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: bus}
}

// PublishDomainEvent sends the event through the bus. The options are
// applied to the envelope and also forwarded, so transports that read either
// see the same key and headers.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	params := events.ApplyOptions(opts)
	evt := events.EventEnvelope{
		Type:      event.EventType(),
		Key:       params.Key,
		Headers:   params.Headers,
		Timestamp: event.OccurredAt(),
		Payload:   event,
	}

	return pub.eventBus.Publish(ctx, evt, opts...)
}
