package propagation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/booking-armada/internal/domain/booking"
	"github.com/ahrav/booking-armada/internal/domain/events"
	"github.com/ahrav/booking-armada/pkg/common/logger"
)

const notificationSubscriber = "notifications"

// defaultSendTimeout bounds one hand-off to the delivery collaborator.
const defaultSendTimeout = 10 * time.Second

// NotificationDispatcher turns lifecycle transitions into user notifications:
// the first start of a session, its success, and its final failure. Sends are
// asynchronous and best effort; a delivery error is logged and dropped.
type NotificationDispatcher struct {
	sender      booking.NotificationSender
	dedup       *Deduplicator
	sendTimeout time.Duration

	inflight sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics SubscriberMetrics
}

var _ events.EventHandler = (*NotificationDispatcher)(nil)

// NewNotificationDispatcher creates the notification subscriber.
func NewNotificationDispatcher(
	sender booking.NotificationSender,
	dedup *Deduplicator,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics SubscriberMetrics,
) *NotificationDispatcher {
	logger = logger.With("component", "notification_dispatcher")
	return &NotificationDispatcher{
		sender:      sender,
		dedup:       dedup,
		sendTimeout: defaultSendTimeout,
		logger:      logger,
		tracer:      tracer,
		metrics:     metrics,
	}
}

func (d *NotificationDispatcher) SupportedEvents() []events.EventType { return transitionEvents }

// HandleEvent schedules the notification for the transition, if it warrants one.
func (d *NotificationDispatcher) HandleEvent(ctx context.Context, evt events.EventEnvelope) error {
	transition, err := transitionFromEnvelope(evt)
	if err != nil {
		return err
	}

	n, ok := NotificationFor(transition)
	if !ok {
		return nil
	}

	ran, _ := d.dedup.Once(transition.EventID, func() error {
		d.send(ctx, n)
		return nil
	})
	if !ran {
		d.metrics.IncDuplicates(ctx, notificationSubscriber)
		return nil
	}
	d.metrics.IncHandled(ctx, notificationSubscriber)
	return nil
}

func (d *NotificationDispatcher) send(ctx context.Context, n booking.Notification) {
	// The send outlives the delivery that triggered it.
	ctx = context.WithoutCancel(ctx)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()

		ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		defer cancel()

		ctx, span := d.tracer.Start(ctx, "notification_dispatcher.send",
			trace.WithAttributes(
				attribute.String("session_id", n.SessionID.String()),
				attribute.String("category", string(n.Category)),
			))
		defer span.End()

		if err := d.sender.Send(ctx, n); err != nil {
			d.metrics.IncDeliveryErrors(ctx, notificationSubscriber)
			span.RecordError(err)
			d.logger.Warn(ctx, "notification delivery failed",
				"session_id", n.SessionID, "category", n.Category, "error", err)
			return
		}
		d.logger.Debug(ctx, "notification sent", "session_id", n.SessionID, "category", n.Category)
	}()
}

// Wait blocks until every in-flight send has finished.
func (d *NotificationDispatcher) Wait() { d.inflight.Wait() }

// NotificationFor maps a transition to the notification it produces, if any.
// A retryable failure produces none; the user hears about it only when the
// session finally fails.
func NotificationFor(t booking.TransitionEvent) (booking.Notification, bool) {
	n := booking.Notification{
		EventID:   t.EventID,
		Owner:     t.Owner,
		SessionID: t.SessionID,
		CreatedAt: t.Timestamp,
	}

	switch {
	case t.IsFirstStart():
		n.Category = booking.NotificationRunStarted
		n.Detail = "booking run started"
	case t.To == booking.SessionStateSucceeded:
		n.Category = booking.NotificationRunSucceeded
		n.Detail = "slot booked"
		if r := t.Detail.Result; r != nil {
			n.Detail = fmt.Sprintf("slot booked at %s on %s (reference %s)",
				r.TestCenter, r.SlotTime.Format(time.RFC3339), r.Reference)
		}
	case t.To == booking.SessionStateFailed && t.Terminal:
		n.Category = booking.NotificationRunFailed
		n.Detail = "booking run failed"
		if f := t.Detail.Failure; f != nil {
			n.Detail = fmt.Sprintf("booking run failed (%s): %s", f.Kind, f.Reason)
		}
	default:
		return booking.Notification{}, false
	}
	return n, true
}
