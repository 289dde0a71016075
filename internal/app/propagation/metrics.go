package propagation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RelayMetrics defines metrics operations needed by the outbox relay.
type RelayMetrics interface {
	IncPublished(ctx context.Context, n int)
	IncPublishErrors(ctx context.Context)
	ObservePublishLag(ctx context.Context, lag time.Duration)
}

// SubscriberMetrics defines metrics operations needed by subscribers.
type SubscriberMetrics interface {
	IncHandled(ctx context.Context, subscriber string)
	IncDuplicates(ctx context.Context, subscriber string)
	IncDeliveryErrors(ctx context.Context, subscriber string)
}

// Metrics implements RelayMetrics and SubscriberMetrics on OpenTelemetry
// instruments.
type Metrics struct {
	published     metric.Int64Counter
	publishErrors metric.Int64Counter
	publishLag    metric.Float64Histogram

	handled        metric.Int64Counter
	duplicates     metric.Int64Counter
	deliveryErrors metric.Int64Counter
}

var (
	_ RelayMetrics      = (*Metrics)(nil)
	_ SubscriberMetrics = (*Metrics)(nil)
)

const namespace = "booking_propagation"

// NewMetrics creates the propagation instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.published, err = meter.Int64Counter(
		"transitions_published_total",
		metric.WithDescription("Total number of transition events handed to the bus"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"transition_publish_errors_total",
		metric.WithDescription("Total number of failed publish attempts"),
	); err != nil {
		return nil, err
	}

	if m.publishLag, err = meter.Float64Histogram(
		"transition_publish_lag_seconds",
		metric.WithDescription("Time between commit and publish of a transition"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.handled, err = meter.Int64Counter(
		"subscriber_events_handled_total",
		metric.WithDescription("Total number of transition events handled per subscriber"),
	); err != nil {
		return nil, err
	}

	if m.duplicates, err = meter.Int64Counter(
		"subscriber_duplicates_total",
		metric.WithDescription("Total number of redelivered events skipped"),
	); err != nil {
		return nil, err
	}

	if m.deliveryErrors, err = meter.Int64Counter(
		"subscriber_delivery_errors_total",
		metric.WithDescription("Total number of failed hand-offs to an external collaborator"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncPublished(ctx context.Context, n int) { m.published.Add(ctx, int64(n)) }

func (m *Metrics) IncPublishErrors(ctx context.Context) { m.publishErrors.Add(ctx, 1) }

func (m *Metrics) ObservePublishLag(ctx context.Context, lag time.Duration) {
	m.publishLag.Record(ctx, lag.Seconds())
}

func (m *Metrics) IncHandled(ctx context.Context, subscriber string) {
	m.handled.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

func (m *Metrics) IncDuplicates(ctx context.Context, subscriber string) {
	m.duplicates.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

func (m *Metrics) IncDeliveryErrors(ctx context.Context, subscriber string) {
	m.deliveryErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}
