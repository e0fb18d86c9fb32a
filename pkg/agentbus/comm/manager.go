// Package comm provides the Communication Manager: the integration point
// between the message dispatcher, event bus, event store, and an external
// transport, and the translation layer between point-to-point messages
// and broadcast events.
package comm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/message"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
	"github.com/randalmurphal/agentbus/pkg/agentbus/store"
)

// Transport physically moves messages between processes. The core only
// defines the port; concrete adapters (websocket, queue, ...) live outside.
type Transport interface {
	// Send delivers a message to the target agent.
	Send(ctx context.Context, msg *message.Message, target string) error

	// OnReceive registers the inbound callback. The transport invokes it
	// for every message arriving from the wire.
	OnReceive(fn func(msg *message.Message))
}

// contentPreviewLen bounds the message excerpt carried by MESSAGE_SENT
// events so event payloads stay small.
const contentPreviewLen = 100

// Config configures a Manager.
type Config struct {
	// AgentID identifies the owning agent; it keys the manager's own
	// event stream in the store.
	AgentID string

	// Bus is required.
	Bus *event.Bus

	// Store receives a copy of every published event for replay/audit.
	// Nil disables persistence.
	Store *store.Store

	// Dispatcher routes inbound messages. Nil creates a fresh one.
	Dispatcher *message.Dispatcher

	// Transport for outbound sends. Nil disables SendMessage.
	Transport Transport

	// Retry controls transport send retries.
	Retry RetryConfig

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// Manager bridges messages and events. It owns the bidirectional
// event-type/message-type mapping tables; it holds, but does not own the
// lifetime of, the bus and store it composes.
type Manager struct {
	agentID    string
	bus        *event.Bus
	store      *store.Store
	dispatcher *message.Dispatcher
	transport  Transport
	retry      RetryConfig
	logger     *slog.Logger

	mu             sync.RWMutex
	eventToMessage map[string]string
	messageToEvent map[string]string

	protocolEvents atomic.Uint64
	defaultSubs    []*event.Subscription
}

// New creates a Manager and wires its default subscriptions: lifecycle,
// transport, and task events get a built-in handler that logs and bumps
// the protocol-events counter. Callers may add further subscriptions
// without disturbing these defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = message.NewDispatcher(cfg.Logger)
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetry
	}

	m := &Manager{
		agentID:        cfg.AgentID,
		bus:            cfg.Bus,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		transport:      cfg.Transport,
		retry:          cfg.Retry,
		logger:         observability.EnrichLogger(cfg.Logger, cfg.AgentID, "comm"),
		eventToMessage: make(map[string]string),
		messageToEvent: make(map[string]string),
	}

	defaults := []string{
		event.TypeAgentStarted,
		event.TypeAgentStopped,
		event.TypeProtocolConnected,
		event.TypeProtocolDisconnected,
		event.TypeTaskCompleted,
		event.TypeTaskFailed,
	}
	for _, t := range defaults {
		sub, err := m.bus.Subscribe(m.agentID, t, m.handleProtocolEvent)
		if err != nil {
			return nil, err
		}
		m.defaultSubs = append(m.defaultSubs, sub)
	}

	if m.transport != nil {
		m.transport.OnReceive(func(msg *message.Message) {
			m.HandleInbound(context.Background(), msg)
		})
	}

	return m, nil
}

// handleProtocolEvent is the built-in handler behind the default
// subscriptions.
func (m *Manager) handleProtocolEvent(_ context.Context, evt *event.Event) error {
	m.protocolEvents.Add(1)
	if m.logger != nil {
		m.logger.Info("protocol event",
			slog.String("event_type", evt.Type),
			slog.String("event_id", evt.ID),
			slog.String("source_agent_id", evt.SourceAgentID),
		)
	}
	return nil
}

// ProtocolEvents returns how many default-subscribed events the manager
// has observed.
func (m *Manager) ProtocolEvents() uint64 {
	return m.protocolEvents.Load()
}

// Bus returns the composed event bus.
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// Dispatcher returns the composed message dispatcher.
func (m *Manager) Dispatcher() *message.Dispatcher {
	return m.dispatcher
}

// PublishEvent writes the event to the manager's own stream and then
// publishes it on the bus. The store write and the bus publish are
// independent; a failed append is logged but does not block delivery.
func (m *Manager) PublishEvent(evt *event.Event) error {
	if m.store != nil {
		if err := m.store.Append(m.agentID, evt); err != nil {
			if m.logger != nil {
				m.logger.Warn("store append failed",
					slog.String("event_id", evt.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return m.bus.Publish(evt)
}

// SendMessage delivers a message through the transport, retrying transient
// failures with capped exponential backoff. On success it publishes a
// MESSAGE_SENT event carrying a redacted content preview.
func (m *Manager) SendMessage(ctx context.Context, msg *message.Message, target string) error {
	if m.transport == nil {
		return fmt.Errorf("no transport configured")
	}

	if err := m.sendWithRetry(ctx, msg, target); err != nil {
		return fmt.Errorf("send message %s to %s: %w", msg.ID, target, err)
	}

	evt := event.New(event.TypeMessageSent, m.agentID, map[string]any{
		"message_id":      msg.ID,
		"message_type":    msg.Type,
		"target":          target,
		"content_preview": preview(msg.Content),
	}, event.WithTarget(target))

	return m.PublishEvent(evt)
}

// MapTypes binds an event type and a message type bidirectionally.
// Registering a pair overwrites any prior mapping for either key, keeping
// the two tables consistent as a single binding.
func (m *Manager) MapTypes(eventType, messageType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.eventToMessage[eventType]; ok {
		delete(m.messageToEvent, old)
	}
	if old, ok := m.messageToEvent[messageType]; ok {
		delete(m.eventToMessage, old)
	}
	m.eventToMessage[eventType] = messageType
	m.messageToEvent[messageType] = eventType
}

// MessageTypeFor returns the message type bound to an event type.
func (m *Manager) MessageTypeFor(eventType string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.eventToMessage[eventType]
	return t, ok
}

// EventTypeFor returns the event type bound to a message type.
func (m *Manager) EventTypeFor(messageType string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.messageToEvent[messageType]
	return t, ok
}

// HandleInbound routes an inbound transport message through the
// dispatcher, then, if the message type is mapped, translates it into an
// event and publishes it. Returns the dispatcher's result.
func (m *Manager) HandleInbound(ctx context.Context, msg *message.Message) bool {
	if msg == nil {
		return false
	}
	handled := m.dispatcher.Handle(ctx, msg)

	if eventType, ok := m.EventTypeFor(msg.Type); ok {
		evt := event.New(eventType, msg.Sender, map[string]any{
			"message_id":      msg.ID,
			"message_type":    msg.Type,
			"content_preview": preview(msg.Content),
		}, event.WithTarget(msg.Recipient))

		if err := m.PublishEvent(evt); err != nil && m.logger != nil {
			m.logger.Warn("inbound translation publish failed",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return handled
}

// Start begins bus dispatch. The manager holds the bus rather than owning
// it; Start/Stop are conveniences for single-owner setups.
func (m *Manager) Start() {
	m.bus.Start()
}

// Stop halts bus dispatch gracefully.
func (m *Manager) Stop() {
	m.bus.Stop()
}

// sendWithRetry retries transport sends with capped exponential backoff
// and jitter, respecting context cancellation.
func (m *Manager) sendWithRetry(ctx context.Context, msg *message.Message, target string) error {
	backoff := m.retry.InitialBackoff
	var lastErr error

	for attempt := 0; attempt < m.retry.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = m.transport.Send(ctx, msg, target)
		if lastErr == nil {
			return nil
		}

		if m.logger != nil {
			m.logger.Warn("transport send failed",
				slog.String("message_id", msg.ID),
				slog.String("target", target),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
		}

		// Don't sleep after the last attempt
		if attempt < m.retry.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(withJitter(backoff, m.retry.Jitter)):
			}

			backoff = time.Duration(float64(backoff) * m.retry.BackoffFactor)
			if backoff > m.retry.MaxBackoff {
				backoff = m.retry.MaxBackoff
			}
		}
	}
	return lastErr
}

// preview truncates on a rune boundary so the excerpt stays valid UTF-8.
func preview(content string) string {
	if len(content) <= contentPreviewLen {
		return content
	}
	cut := contentPreviewLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
