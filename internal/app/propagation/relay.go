// Package propagation carries committed session transitions from the store to
// the parties that observe them. The Relay drains the transactional outbox
// onto an EventBus; subscribers registered with the event dispatcher turn
// transitions into status-feed updates and notifications.
package propagation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

// RelayConfig tunes how the relay drains the outbox.
type RelayConfig struct {
	// BatchSize is the number of pending transitions read per query.
	BatchSize int
	// PollInterval is how often the outbox is checked without a wake-up.
	PollInterval time.Duration
}

// DefaultRelayConfig returns the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{BatchSize: 100, PollInterval: 500 * time.Millisecond}
}

// Relay publishes committed transitions in commit order, keyed by session id,
// and marks them published once the bus accepted them. A publish failure
// stops the pass so no later transition of the same session overtakes the
// failed one; the failed event is retried on the next pass. Delivery is
// therefore at least once.
type Relay struct {
	outbox    booking.TransitionOutbox
	publisher events.DomainEventPublisher
	cfg       RelayConfig

	wake chan struct{}

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics RelayMetrics
}

// NewRelay creates a relay draining outbox through publisher.
func NewRelay(
	outbox booking.TransitionOutbox,
	publisher events.DomainEventPublisher,
	cfg RelayConfig,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics RelayMetrics,
) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultRelayConfig().PollInterval
	}
	logger = logger.With("component", "outbox_relay")
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		logger:    logger,
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Notify wakes the relay after a commit. It never blocks.
func (r *Relay) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info(ctx, "outbox relay started",
		"batch_size", r.cfg.BatchSize, "poll_interval", r.cfg.PollInterval)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn(ctx, "outbox pass stopped early", "error", err)
		}

		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "outbox relay stopped")
			return nil
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush publishes pending transitions until the outbox is empty or a publish
// fails. It returns the number of transitions marked published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_relay.flush")
	defer span.End()

	total := 0
	for {
		pending, err := r.outbox.PendingTransitions(ctx, r.cfg.BatchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to read outbox")
			return total, fmt.Errorf("reading pending transitions: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		published, pubErr := r.publishBatch(ctx, pending)
		if len(published) > 0 {
			if err := r.outbox.MarkPublished(ctx, published...); err != nil {
				// The events stay pending and will be published again;
				// subscribers skip them by event id.
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to mark published")
				return total, fmt.Errorf("marking transitions published: %w", err)
			}
			total += len(published)
			r.metrics.IncPublished(ctx, len(published))
		}
		if pubErr != nil {
			span.RecordError(pubErr)
			span.SetStatus(codes.Error, "publish failed")
			return total, pubErr
		}
		if len(pending) < r.cfg.BatchSize {
			break
		}
	}

	span.SetAttributes(attribute.Int("published", total))
	return total, nil
}

func (r *Relay) publishBatch(ctx context.Context, pending []booking.TransitionEvent) ([]uuid.UUID, error) {
	published := make([]uuid.UUID, 0, len(pending))
	for _, evt := range pending {
		if err := r.publish(ctx, evt); err != nil {
			r.metrics.IncPublishErrors(ctx)
			return published, fmt.Errorf("publishing transition %s of session %s: %w", evt.EventID, evt.SessionID, err)
		}
		published = append(published, evt.EventID)
		r.metrics.ObservePublishLag(ctx, time.Since(evt.Timestamp))
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, evt booking.TransitionEvent) error {
	headers := map[string]string{
		"event_id": evt.EventID.String(),
		"sequence": strconv.FormatInt(evt.Sequence, 10),
	}
	return r.publisher.PublishDomainEvent(ctx, evt,
		events.WithKey(evt.SessionID.String()), events.WithHeaders(headers))
}
