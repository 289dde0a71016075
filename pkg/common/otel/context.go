package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// zeroTraceID is logged for records written outside any span so every log
// line carries the field.
const zeroTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id of the span in ctx. It is the TraceIDFn
// handed to the logger.
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return zeroTraceID
}

// GetSpanID returns the span id of the span in ctx, or an empty string.
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
