// Package observability provides structured logging, metrics, and tracing
// for the agentbus communication core.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds agent context to a logger.
// Returns a new logger with agent_id and component fields.
func EnrichLogger(logger *slog.Logger, agentID, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("agent_id", agentID),
		slog.String("component", component),
	)
}

// LogPublish logs an event entering the dispatch queue.
func LogPublish(logger *slog.Logger, eventID, eventType string, queueDepth int) {
	if logger == nil {
		return
	}
	logger.Debug("event published",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("queue_depth", queueDepth),
	)
}

// LogDelivery logs completion of a single event's dispatch.
func LogDelivery(logger *slog.Logger, eventID, eventType string, subscribers int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event delivered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Int("subscribers", subscribers),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDeliveryError logs a subscriber handler failure (non-fatal).
func LogDeliveryError(logger *slog.Logger, eventID, eventType, subscriberID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("subscriber handler failed",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("subscriber_id", subscriberID),
		slog.String("error", err.Error()),
	)
}

// LogDropped logs events discarded during shutdown.
func LogDropped(logger *slog.Logger, count int) {
	if logger == nil {
		return
	}
	if count == 0 {
		logger.Info("dispatch loop stopped, queue empty")
		return
	}
	logger.Warn("dispatch loop stopped, queued events dropped",
		slog.Int("dropped", count),
	)
}

// LogAppend logs an event appended to a stream.
func LogAppend(logger *slog.Logger, streamID, eventID string, version int) {
	if logger == nil {
		return
	}
	logger.Debug("event appended",
		slog.String("stream_id", streamID),
		slog.String("event_id", eventID),
		slog.Int("version", version),
	)
}

// LogPersistenceError logs a durable-write failure (in-memory log stays intact).
func LogPersistenceError(logger *slog.Logger, streamID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("persistence hook failed",
		slog.String("stream_id", streamID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogSnapshot logs snapshot creation.
func LogSnapshot(logger *slog.Logger, streamID string, version int, sizeBytes int) {
	if logger == nil {
		return
	}
	logger.Debug("snapshot saved",
		slog.String("stream_id", streamID),
		slog.Int("version", version),
		slog.Int("size_bytes", sizeBytes),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
