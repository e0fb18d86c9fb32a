package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records agentbus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPublish records an event accepted into the dispatch queue.
	RecordPublish(ctx context.Context, eventType string)

	// RecordDispatch records completion of one event's delivery pass,
	// including how many subscriber invocations failed.
	RecordDispatch(ctx context.Context, eventType string, duration time.Duration, failures int)

	// RecordDropped records events discarded during shutdown.
	RecordDropped(ctx context.Context, count int)

	// RecordAppend records an event appended to a store stream.
	RecordAppend(ctx context.Context, streamID string)

	// RecordSnapshot records a snapshot save with its encoded size.
	RecordSnapshot(ctx context.Context, streamID string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	published       metric.Int64Counter
	dispatches      metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	failures        metric.Int64Counter
	dropped         metric.Int64Counter
	appends         metric.Int64Counter
	snapshotSize    metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("agentbus")

	published, err := meter.Int64Counter("agentbus.events.published",
		metric.WithDescription("Number of events accepted into the dispatch queue"),
	)
	if err != nil {
		return nil, err
	}

	dispatches, err := meter.Int64Counter("agentbus.events.dispatched",
		metric.WithDescription("Number of events fully dispatched"),
	)
	if err != nil {
		return nil, err
	}

	dispatchLatency, err := meter.Float64Histogram("agentbus.dispatch.latency_ms",
		metric.WithDescription("Per-event dispatch latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("agentbus.delivery.failures",
		metric.WithDescription("Number of failed subscriber handler invocations"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("agentbus.events.dropped",
		metric.WithDescription("Number of queued events discarded at shutdown"),
	)
	if err != nil {
		return nil, err
	}

	appends, err := meter.Int64Counter("agentbus.store.appends",
		metric.WithDescription("Number of events appended to streams"),
	)
	if err != nil {
		return nil, err
	}

	snapshotSize, err := meter.Int64Histogram("agentbus.store.snapshot_size_bytes",
		metric.WithDescription("Snapshot state size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		published:       published,
		dispatches:      dispatches,
		dispatchLatency: dispatchLatency,
		failures:        failures,
		dropped:         dropped,
		appends:         appends,
		snapshotSize:    snapshotSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPublish records an accepted publish.
func (m *otelMetrics) RecordPublish(ctx context.Context, eventType string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordDispatch records one delivery pass.
func (m *otelMetrics) RecordDispatch(ctx context.Context, eventType string, duration time.Duration, failures int) {
	attrs := []attribute.KeyValue{
		attribute.String("event_type", eventType),
	}

	m.dispatches.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dispatchLatency.Record(ctx, float64(duration.Microseconds())/1000.0, metric.WithAttributes(attrs...))

	if failures > 0 {
		m.failures.Add(ctx, int64(failures), metric.WithAttributes(attrs...))
	}
}

// RecordDropped records discarded events.
func (m *otelMetrics) RecordDropped(ctx context.Context, count int) {
	if count > 0 {
		m.dropped.Add(ctx, int64(count))
	}
}

// RecordAppend records a stream append.
func (m *otelMetrics) RecordAppend(ctx context.Context, streamID string) {
	m.appends.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream_id", streamID),
	))
}

// RecordSnapshot records a snapshot save.
func (m *otelMetrics) RecordSnapshot(ctx context.Context, streamID string, sizeBytes int64) {
	m.snapshotSize.Record(ctx, sizeBytes, metric.WithAttributes(
		attribute.String("stream_id", streamID),
	))
}
