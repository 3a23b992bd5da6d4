// Package tracing provides OpenTelemetry distributed tracing setup and utilities.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CounterStoreOperation represents the type of counter store operation being traced.
type CounterStoreOperation string

const (
	// CounterStoreOperationCheck represents a check-and-record sliding window evaluation.
	CounterStoreOperationCheck CounterStoreOperation = "check_and_record"
	// CounterStoreOperationPing represents an availability probe.
	CounterStoreOperationPing CounterStoreOperation = "ping"
	// CounterStoreOperationCacheGet represents a cached-limit lookup.
	CounterStoreOperationCacheGet CounterStoreOperation = "cache_get"
	// CounterStoreOperationCacheSet represents writing a cached limit with expiry.
	CounterStoreOperationCacheSet CounterStoreOperation = "cache_set"
)

// StartCounterStoreSpan creates a new span for a counter store (Redis) operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartCounterStoreSpan(ctx, key, tracing.CounterStoreOperationCheck)
//	defer endSpan(err)
//	// ... evaluate sliding window ...
func StartCounterStoreSpan(ctx context.Context, key string, operation CounterStoreOperation) (context.Context, func(error)) {
	tracer := otel.Tracer("ratelimit-gateway/counterstore")

	ctx, span := tracer.Start(ctx, string(operation),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.operation", string(operation)),
		),
	)

	if key != "" {
		span.SetAttributes(attribute.String("ratelimit.key", key))
	}

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartSpan creates a new span for a general admission pipeline operation.
// Returns the new context and a function to end the span.
//
// Example usage:
//
//	ctx, endSpan := tracing.StartSpan(ctx, "admission.decide")
//	defer endSpan(err)
//	// ... perform operation ...
func StartSpan(ctx context.Context, name string) (context.Context, func(error)) {
	tracer := otel.Tracer("ratelimit-gateway")

	ctx, span := tracer.Start(ctx, name)

	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
