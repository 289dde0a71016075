package propagation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

const statusFeedSubscriber = "status_feed"

// StatusFeedHandler pushes every transition to the owner's live status feed.
// A push error is returned so the bus redelivers the transition.
type StatusFeedHandler struct {
	feed  booking.StatusFeed
	dedup *Deduplicator

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SubscriberMetrics
}

var _ events.EventHandler = (*StatusFeedHandler)(nil)

// NewStatusFeedHandler creates the status feed subscriber.
func NewStatusFeedHandler(
	feed booking.StatusFeed,
	dedup *Deduplicator,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics SubscriberMetrics,
) *StatusFeedHandler {
	logger = logger.With("component", "status_feed_handler")
	return &StatusFeedHandler{feed: feed, dedup: dedup, logger: logger, tracer: tracer, metrics: metrics}
}

func (h *StatusFeedHandler) SupportedEvents() []events.EventType { return transitionEvents }

// HandleEvent pushes the transition's new state.
func (h *StatusFeedHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	transition, err := transitionFromEnvelope(evt)
	if err != nil {
		return err
	}

	ctx, span := h.tracer.Start(ctx, "status_feed_handler.handle_event",
		trace.WithAttributes(
			attribute.String("session_id", transition.SessionID.String()),
			attribute.String("event_id", transition.EventID.String()),
			attribute.String("state", transition.To.String()),
		))
	defer span.End()

	ran, err := h.dedup.Once(transition.EventID, func() error {
		return h.feed.Push(ctx, booking.StatusUpdate{
			EventID:   transition.EventID,
			Owner:     transition.Owner,
			SessionID: transition.SessionID,
			State:     transition.To,
			Sequence:  transition.Sequence,
		})
	})
	if err != nil {
		h.metrics.IncDeliveryErrors(ctx, statusFeedSubscriber)
		span.RecordError(err)
		span.SetStatus(codes.Error, "status push failed")
		return fmt.Errorf("pushing status for session %s: %w", transition.SessionID, err)
	}
	if !ran {
		h.metrics.IncDuplicates(ctx, statusFeedSubscriber)
		h.logger.Debug(ctx, "duplicate transition skipped", "event_id", transition.EventID)
		return nil
	}

	h.metrics.IncHandled(ctx, statusFeedSubscriber)
	return nil
}
