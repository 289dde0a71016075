package otel

import (
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewMeterProvider creates a local meter provider for the service. It is
// used when no collector is configured; instruments still record, and any
// readers passed in observe them.
func NewMeterProvider(serviceName string, readers ...sdkmetric.Reader) (metric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(NewResource(serviceName))}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// NewResource describes the service to the telemetry backend.
func NewResource(serviceName string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
}
