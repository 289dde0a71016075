package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "booking_api"

// APIMetrics defines the metrics recorded by the HTTP API.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, route string, status int)
	ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration)
	IncRunRequests(ctx context.Context)
	IncRunRequestErrors(ctx context.Context, reason string)
}

// Metrics implements APIMetrics on OpenTelemetry instruments.
type Metrics struct {
	requestsTotal    metric.Int64Counter
	requestDuration  metric.Float64Histogram
	runRequests      metric.Int64Counter
	runRequestErrors metric.Int64Counter
}

var _ APIMetrics = (*Metrics)(nil)

// NewMetrics registers the API instruments with mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.runRequests, err = meter.Int64Counter(
		"run_requests_total",
		metric.WithDescription("Total number of requests to start a booking run"),
	); err != nil {
		return nil, err
	}

	if m.runRequestErrors, err = meter.Int64Counter(
		"run_request_errors_total",
		metric.WithDescription("Total number of rejected or failed requests to start a booking run"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *Metrics) ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *Metrics) IncRunRequests(ctx context.Context) { m.runRequests.Add(ctx, 1) }

func (m *Metrics) IncRunRequestErrors(ctx context.Context, reason string) {
	m.runRequestErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
