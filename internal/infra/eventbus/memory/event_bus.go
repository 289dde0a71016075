// Package memory provides an in-process EventBus. It offers a lightweight,
// non-persistent bus for single-process deployments and tests where the
// transactional outbox already provides durability.
package memory

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

var (
	// ErrBusClosed is returned by Publish and Subscribe after Close.
	ErrBusClosed = errors.New("event bus closed")
	// ErrNoSubscribers is returned by Publish when nothing is subscribed to
	// the event's type. The event has not been delivered anywhere.
	ErrNoSubscribers = errors.New("no subscribers for event type")
)

const laneCount = 32

type subscription struct {
	id      uint64
	types   []events.EventType
	handler events.HandlerFunc
}

func (s subscription) wants(t events.EventType) bool { return slices.Contains(s.types, t) }

// EventBus delivers each published envelope synchronously to every matching
// subscriber, in subscription order. Publish returns the first handler error,
// or ErrNoSubscribers when nobody listens, so the caller (the outbox relay)
// keeps the event pending and redelivers it.
// Publishes for one key are serialized, which keeps per-key delivery in
// publish order even with concurrent publishers.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool

	// Keys hash onto a fixed set of lanes; a lane serializes its publishes.
	lanes [laneCount]sync.Mutex

	tracer trace.Tracer
	logger *logger.Logger
}

var _ events.EventBus = (*EventBus)(nil)

// NewEventBus creates an empty in-process bus.
func NewEventBus(logger *logger.Logger, tracer trace.Tracer) *EventBus {
	logger = logger.With("component", "memory_event_bus")
	return &EventBus{tracer: tracer, logger: logger}
}

// Subscribe registers handler for the given types until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	if len(eventTypes) == 0 {
		return errors.New("at least one event type is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, types: slices.Clone(eventTypes), handler: handler})
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}()

	b.logger.Debug(ctx, "subscribed", "event_types", eventTypes)
	return nil
}

// Publish hands the envelope to every subscriber of its type. Options
// override the envelope's key and headers.
func (b *EventBus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		evt.Key = params.Key
	}
	if params.Headers != nil {
		evt.Headers = params.Headers
	}

	ctx, span := b.tracer.Start(ctx, "memory_event_bus.publish",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("key", evt.Key),
		))
	defer span.End()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	// Copy the matching handlers so none run under the lock.
	var handlers []events.HandlerFunc
	for _, s := range b.subs {
		if s.wants(evt.Type) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		span.SetStatus(codes.Error, "no subscribers")
		return fmt.Errorf("publishing %s (key %s): %w", evt.Type, evt.Key, ErrNoSubscribers)
	}

	lane := b.lane(evt.Key)
	lane.Lock()
	defer lane.Unlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("delivering %s (key %s): %w", evt.Type, evt.Key, err)
		}
	}
	span.SetStatus(codes.Ok, "delivered")
	return nil
}

func (b *EventBus) lane(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &b.lanes[h.Sum32()%laneCount]
}

// Close drops all subscriptions. Further publishes fail with ErrBusClosed.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = nil
	return nil
}
