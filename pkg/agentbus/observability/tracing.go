package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the agentbus tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("agentbus")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartDispatchSpan starts a span covering one event's delivery pass.
	StartDispatchSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span)

	// StartHandlerSpan starts a span for a single subscriber invocation.
	// The handler span should be a child of the dispatch span.
	StartHandlerSpan(ctx context.Context, subscriberID string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartDispatchSpan starts a span covering one event's delivery pass.
func (m *otelSpanManager) StartDispatchSpan(ctx context.Context, eventType, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartHandlerSpan starts a span for a single subscriber invocation.
func (m *otelSpanManager) StartHandlerSpan(ctx context.Context, subscriberID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "agentbus.handler."+subscriberID,
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriberID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
