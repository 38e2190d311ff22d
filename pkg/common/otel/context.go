package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const defaultTraceID = "00000000000000000000000000000000"

type ctxKey int

const tracerKey ctxKey = 1

// GetTraceID returns the trace id from the current span context.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return defaultTraceID
}

// InjectTracing stores the tracer in the context so handlers further down
// the chain can start child spans without plumbing it explicitly.
func InjectTracing(ctx context.Context, tracer trace.Tracer) context.Context {
	return context.WithValue(ctx, tracerKey, tracer)
}

// TracerFromContext returns the tracer stored by InjectTracing, or the
// tracer of the span already in ctx.
func TracerFromContext(ctx context.Context) trace.Tracer {
	if tracer, ok := ctx.Value(tracerKey).(trace.Tracer); ok {
		return tracer
	}
	return trace.SpanFromContext(ctx).TracerProvider().Tracer("quantify")
}
