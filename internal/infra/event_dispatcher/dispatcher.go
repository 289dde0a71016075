package eventdispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// Dispatcher routes envelopes delivered by an EventBus to every handler
// registered for the envelope's type. A single bus subscription feeds the
// dispatcher, and each subscriber registers itself here.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(tracer, logger)
//	_ = dispatcher.RegisterHandler(ctx, statusFeedHandler)
//	_ = dispatcher.RegisterHandler(ctx, notificationDispatcher)
//
//	bus.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch)
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.EventHandler

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with an empty registry.
func New(tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	logger = logger.With("component", "event_dispatcher")
	return &Dispatcher{
		handlers: make(map[events.EventType][]events.EventHandler),
		tracer:   tracer,
		logger:   logger,
	}
}

// RegisterHandler adds the handler for every event type it supports.
// Handlers for the same type run in registration order.
//
// This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, handler events.EventHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	supported := handler.SupportedEvents()
	if len(supported) == 0 {
		return fmt.Errorf("handler %T supports no event types", handler)
	}

	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("handler_type", fmt.Sprintf("%T", handler)),
			attribute.Int("event_type_count", len(supported)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventType := range supported {
		d.handlers[eventType] = append(d.handlers[eventType], handler)
		d.logger.Debug(ctx, "handler registered",
			"event_type", eventType, "handler_type", fmt.Sprintf("%T", handler))
	}
	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")

	return nil
}

// EventTypes returns every type with at least one registered handler.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	return types
}

// HandlerNotFoundError indicates that no handler is registered for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Key       string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (key: %s)", e.EventType, e.Key)
}

// Dispatch delivers the envelope to every handler registered for its type.
// A failing handler does not stop the others; their errors are joined.
// Because the bus redelivers on error, handlers must tolerate seeing an
// envelope they already processed.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope) error {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"key", evt.Key,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.String("key", evt.Key),
		))
	defer span.End()

	d.mu.RLock()
	handlers := append([]events.EventHandler(nil), d.handlers[evt.Type]...)
	d.mu.RUnlock()
	if len(handlers) == 0 {
		err := &HandlerNotFoundError{EventType: evt.Type, Key: evt.Key}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Add("handler_count", len(handlers))

	var errs []error
	for _, h := range handlers {
		if err := h.HandleEvent(ctx, evt); err != nil {
			logger.Warn(ctx, "handler failed", "handler_type", fmt.Sprintf("%T", h), "error", err)
			errs = append(errs, fmt.Errorf("handler %T failed for event type %s: %w", h, evt.Type, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logger.Debug(ctx, "event dispatched successfully")
	return nil
}
