package message

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HandlerFunc processes one message of a registered type.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Middleware transforms a message before dispatch. Returning nil drops the
// message and short-circuits the rest of the chain; used for validation
// and filtering.
type Middleware func(msg *Message) *Message

// Stats is a point-in-time snapshot of dispatcher counters.
type Stats struct {
	Processed      uint64
	Dropped        uint64
	Errors         uint64
	ProcessingTime time.Duration
}

// Dispatcher maps message types to handlers. One handler per type;
// re-registering replaces the previous handler (last-write-wins).
type Dispatcher struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[string]HandlerFunc
	middleware []Middleware

	processed      uint64
	dropped        uint64
	errors         uint64
	processingTime time.Duration
}

// NewDispatcher creates a Dispatcher. A nil logger disables logging.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register sets the handler for a message type, replacing any previous one.
func (d *Dispatcher) Register(messageType string, fn HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[messageType] = fn
}

// Use appends middleware; the chain runs in registration order.
func (d *Dispatcher) Use(mw Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middleware = append(d.middleware, mw)
}

// Handle runs the middleware chain and then the registered handler.
// Returns true only when a handler ran successfully. An unregistered
// type or a failing handler is an expected negative outcome, reported
// through the return value and logs rather than an error.
func (d *Dispatcher) Handle(ctx context.Context, msg *Message) bool {
	if msg == nil {
		return false
	}

	d.mu.RLock()
	chain := make([]Middleware, len(d.middleware))
	copy(chain, d.middleware)
	d.mu.RUnlock()

	for _, mw := range chain {
		msg = mw(msg)
		if msg == nil {
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			return false
		}
	}

	d.mu.RLock()
	fn, ok := d.handlers[msg.Type]
	d.mu.RUnlock()

	if !ok {
		if d.logger != nil {
			d.logger.Warn("no handler for message type",
				slog.String("message_type", msg.Type),
				slog.String("message_id", msg.ID),
			)
		}
		return false
	}

	start := time.Now()
	err := d.invoke(ctx, fn, msg)
	elapsed := time.Since(start)

	d.mu.Lock()
	d.processingTime += elapsed
	if err != nil {
		d.errors++
	} else {
		d.processed++
	}
	d.mu.Unlock()

	if err != nil {
		if d.logger != nil {
			d.logger.Warn("message handler failed",
				slog.String("message_type", msg.Type),
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	return true
}

// invoke runs one handler with panic recovery.
func (d *Dispatcher) invoke(ctx context.Context, fn HandlerFunc, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Stats{
		Processed:      d.processed,
		Dropped:        d.dropped,
		Errors:         d.errors,
		ProcessingTime: d.processingTime,
	}
}
