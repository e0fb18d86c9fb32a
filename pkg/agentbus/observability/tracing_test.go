package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest installs an in-memory span exporter and returns a cleanup
// restoring the original provider.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)

	// Update the package-level tracer
	tracer = otel.Tracer("agentbus")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func TestStartDispatchSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with correct name and attributes", func(t *testing.T) {
		ctx := context.Background()
		_, span := sm.StartDispatchSpan(ctx, "TASK_COMPLETED", "evt-123")
		require.NotNil(t, span)

		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "agentbus.dispatch", s.Name)

		var eventType, eventID string
		for _, attr := range s.Attributes {
			switch attr.Key {
			case "event.type":
				eventType = attr.Value.AsString()
			case "event.id":
				eventID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "TASK_COMPLETED", eventType)
		assert.Equal(t, "evt-123", eventID)
	})

	t.Run("returns context with span", func(t *testing.T) {
		exporter.Reset()

		ctx := context.Background()
		newCtx, span := sm.StartDispatchSpan(ctx, "t", "e")
		assert.NotEqual(t, ctx, newCtx)

		span.End()
		require.Len(t, exporter.GetSpans(), 1)
	})
}

func TestStartHandlerSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("creates span with subscriber suffix", func(t *testing.T) {
		ctx := context.Background()
		_, span := sm.StartHandlerSpan(ctx, "worker-1")
		require.NotNil(t, span)

		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, "agentbus.handler.worker-1", spans[0].Name)

		var subscriberID string
		for _, attr := range spans[0].Attributes {
			if attr.Key == "subscriber.id" {
				subscriberID = attr.Value.AsString()
			}
		}
		assert.Equal(t, "worker-1", subscriberID)
	})

	t.Run("handler span is child of dispatch span", func(t *testing.T) {
		exporter.Reset()

		ctx := context.Background()
		ctx, dispatchSpan := sm.StartDispatchSpan(ctx, "t", "e")
		_, handlerSpan := sm.StartHandlerSpan(ctx, "worker-1")

		handlerSpan.End()
		dispatchSpan.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)

		// Exported in end order: handler first.
		assert.Equal(t, spans[1].SpanContext.SpanID(), spans[0].Parent.SpanID())
	})
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("records error status", func(t *testing.T) {
		_, span := sm.StartDispatchSpan(context.Background(), "t", "e")
		sm.EndSpanWithError(span, errors.New("handler failed"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "exception", spans[0].Events[0].Name)
	})

	t.Run("records ok status on nil error", func(t *testing.T) {
		exporter.Reset()

		_, span := sm.StartDispatchSpan(context.Background(), "t", "e")
		sm.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("nil span does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			sm.EndSpanWithError(nil, errors.New("x"))
		})
	})
}

func TestAddSpanEvent(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	sm := NewSpanManager()

	t.Run("adds event to recording span", func(t *testing.T) {
		ctx, span := sm.StartDispatchSpan(context.Background(), "t", "e")
		sm.AddSpanEvent(ctx, "queued", attribute.Int("depth", 3))
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "queued", spans[0].Events[0].Name)
	})

	t.Run("no-op without a span in context", func(t *testing.T) {
		assert.NotPanics(t, func() {
			sm.AddSpanEvent(context.Background(), "orphan")
		})
	})
}
