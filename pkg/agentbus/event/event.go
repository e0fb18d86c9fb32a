// Package event provides the event model and in-process pub/sub bus for
// the agentbus communication core.
//
// Events are immutable facts with identity, causality linkage, and an open
// key/value payload. The Bus serializes all delivery through a single
// dispatch loop so that causal chains (correlation_id / causation_id) stay
// tractable for consumers: two events published in sequence are never
// interleaved mid-delivery.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders competing subscriptions of the same event type.
// Lower value means earlier delivery.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Well-known lifecycle, transport, and task event types. Event types are
// open-ended strings; consumers may register arbitrary types without
// touching the bus.
const (
	TypeAgentStarted         = "AGENT_STARTED"
	TypeAgentStopped         = "AGENT_STOPPED"
	TypeProtocolConnected    = "PROTOCOL_CONNECTED"
	TypeProtocolDisconnected = "PROTOCOL_DISCONNECTED"
	TypeTaskCompleted        = "TASK_COMPLETED"
	TypeTaskFailed           = "TASK_FAILED"
	TypeMessageSent          = "MESSAGE_SENT"
)

// Event is an immutable fact. Neither the bus nor the store mutates an
// event after construction; treat all fields as read-only.
type Event struct {
	ID            string
	Type          string
	SourceAgentID string
	TargetAgentID string // empty = broadcast; delivery does not filter on it
	Timestamp     time.Time
	Priority      Priority
	Data          map[string]any
	Metadata      map[string]any
	CorrelationID string
	CausationID   string
	Version       int
}

// Option configures event creation.
type Option func(*eventConfig)

type eventConfig struct {
	id            string
	target        string
	priority      Priority
	metadata      map[string]any
	correlationID string
	causationID   string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithTarget sets the intended recipient agent.
func WithTarget(agentID string) Option {
	return func(cfg *eventConfig) {
		cfg.target = agentID
	}
}

// WithPriority sets the delivery priority (default: PriorityNormal).
func WithPriority(p Priority) Option {
	return func(cfg *eventConfig) {
		cfg.priority = p
	}
}

// WithMetadata attaches cross-cutting metadata (trace info, tenant, etc).
func WithMetadata(md map[string]any) Option {
	return func(cfg *eventConfig) {
		cfg.metadata = md
	}
}

// WithCorrelationID sets the correlation ID grouping related events.
func WithCorrelationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the event that caused this one.
func WithCausationID(id string) Option {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) Option {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// WithVersion sets the stream version (default: 1).
func WithVersion(v int) Option {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// New creates an event of the given type from the given source agent.
// The data map is copied so later caller mutation cannot leak into the event.
func New(eventType, sourceAgentID string, data map[string]any, opts ...Option) *Event {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		priority:  PriorityNormal,
		timestamp: time.Now(),
		version:   1,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use event ID as the root of the chain.
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &Event{
		ID:            cfg.id,
		Type:          eventType,
		SourceAgentID: sourceAgentID,
		TargetAgentID: cfg.target,
		Timestamp:     cfg.timestamp,
		Priority:      cfg.priority,
		Data:          copyMap(data),
		Metadata:      copyMap(cfg.metadata),
		CorrelationID: cfg.correlationID,
		CausationID:   cfg.causationID,
		Version:       cfg.version,
	}
}

// NewFromParent creates an event caused by a parent event.
// It inherits the parent's correlation ID and sets causation ID to the
// parent's event ID, extending the causal chain.
func NewFromParent(parent *Event, eventType, sourceAgentID string, data map[string]any, opts ...Option) *Event {
	parentOpts := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithCausationID(parent.ID),
	}
	return New(eventType, sourceAgentID, data, append(parentOpts, opts...)...)
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
