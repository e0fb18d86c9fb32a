package event

import (
	"errors"
	"fmt"
)

// Sentinel errors for bus operations.
var (
	// ErrBusClosed indicates the bus has been stopped permanently.
	ErrBusClosed = errors.New("event bus closed")

	// ErrNilEvent indicates a nil event was passed to Publish.
	ErrNilEvent = errors.New("event is nil")

	// ErrEmptyType indicates an event without a type tag. Rejected at the
	// API boundary before the event enters the queue.
	ErrEmptyType = errors.New("event type is required")
)

// SubscriptionError indicates an invalid subscription request.
type SubscriptionError struct {
	SubscriberID string
	Reason       string
}

// Error implements the error interface.
func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe %s: %s", e.SubscriberID, e.Reason)
}

// DeliveryError wraps a subscriber handler failure. It is contained per
// subscriber and surfaced only via stats, logging, and the DLQ; the
// publisher never sees it.
type DeliveryError struct {
	EventID      string
	EventType    string
	SubscriberID string
	Err          error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (%s) to %s: %v", e.EventID, e.EventType, e.SubscriberID, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// QueueFullError indicates publish was rejected because the configured
// backpressure limit was reached. Only raised in bounded-queue mode.
type QueueFullError struct {
	EventType string
	Limit     int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("publish %s: queue full (limit %d)", e.EventType, e.Limit)
}

// SerializationError indicates a malformed payload at a wire boundary.
type SerializationError struct {
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("serialization: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("serialization: %s", e.Reason)
}

// Unwrap returns the underlying error.
func (e *SerializationError) Unwrap() error {
	return e.Err
}
