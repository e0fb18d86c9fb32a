package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Handler processes one delivered event.
type Handler func(ctx context.Context, evt *Event) error

// Filter decides whether a subscription wants a given event.
type Filter func(evt *Event) bool

// BusConfig configures bus behavior.
type BusConfig struct {
	// QueueLimit bounds the publish queue. Publishing beyond the limit
	// returns QueueFullError. Default: 0 (unbounded).
	QueueLimit int

	// MaxHistory bounds the delivered-event ring buffer.
	// Default: 1000
	MaxHistory int

	// HandlerTimeout attaches a context deadline to each subscriber
	// invocation. Enforcement is cooperative: a handler that ignores its
	// context still blocks the dispatch loop until it returns.
	// Default: 0 (no deadline).
	HandlerTimeout time.Duration

	// DLQ receives failed deliveries when set.
	DLQ DeadLetterQueue

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger

	// Metrics recorder. Nil defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// Spans manager for tracing. Nil defaults to NoopSpanManager.
	Spans observability.SpanManager

	// OnError is called for each failed subscriber invocation.
	OnError func(evt *Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	MaxHistory: 1000,
}

// busState tracks the dispatch loop lifecycle.
type busState int

const (
	busIdle busState = iota
	busRunning
	busStopping
)

// Bus is a single-process publish/subscribe broker. One goroutine drains
// the FIFO queue and delivers each event to its subscribers sequentially,
// in ascending priority order; a failing subscriber never blocks the rest.
type Bus struct {
	cfg     BusConfig
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	mu      sync.Mutex
	subs    map[string][]*Subscription
	nextSeq uint64
	pending []*Event
	state   busState
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// delivered-event ring buffer
	history  []*Event
	histNext int

	// counters, guarded by mu
	published    uint64
	delivered    uint64
	failed       uint64
	dropped      uint64
	lastActivity time.Time

	notify chan struct{}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published     uint64
	Delivered     uint64
	Failed        uint64
	Dropped       uint64
	Subscriptions int
	LastActivity  time.Time
}

// Subscription is an active registration. Cancel it when the owning
// component tears down; there is no automatic cleanup.
type Subscription struct {
	SubscriberID string
	EventType    string
	Priority     Priority
	CreatedAt    time.Time

	handler Handler
	filter  Filter
	seq     uint64
	active  atomic.Bool
	bus     *Bus
}

// Cancel removes the subscription. Idempotent.
func (s *Subscription) Cancel() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	s.bus.remove(s)
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*Subscription)

// WithFilter sets a predicate; events it rejects are skipped for this
// subscription without counting as failures.
func WithFilter(f Filter) SubscribeOption {
	return func(s *Subscription) {
		s.filter = f
	}
}

// WithSubscriptionPriority sets the delivery priority among subscriptions
// of the same event type (default: PriorityNormal).
func WithSubscriptionPriority(p Priority) SubscribeOption {
	return func(s *Subscription) {
		s.Priority = p
	}
}

// NewBus creates a bus. Call Start to begin dispatching.
func NewBus(config BusConfig) *Bus {
	if config.MaxHistory <= 0 {
		config.MaxHistory = DefaultBusConfig.MaxHistory
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	spans := config.Spans
	if spans == nil {
		spans = observability.NoopSpanManager{}
	}

	return &Bus{
		cfg:     config,
		metrics: metrics,
		spans:   spans,
		subs:    make(map[string][]*Subscription),
		history: make([]*Event, 0, config.MaxHistory),
		notify:  make(chan struct{}, 1),
	}
}

// Subscribe registers a handler for an event type. The same subscriber may
// hold multiple subscriptions to the same type; each is independent.
// Fails only on an empty event type.
func (b *Bus) Subscribe(subscriberID, eventType string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if eventType == "" {
		return nil, &SubscriptionError{SubscriberID: subscriberID, Reason: "empty event type"}
	}

	sub := &Subscription{
		SubscriberID: subscriberID,
		EventType:    eventType,
		Priority:     PriorityNormal,
		CreatedAt:    time.Now(),
		handler:      handler,
		bus:          b,
	}
	for _, opt := range opts {
		opt(sub)
	}
	sub.active.Store(true)

	b.mu.Lock()
	defer b.mu.Unlock()

	sub.seq = b.nextSeq
	b.nextSeq++

	// Insert keeping the list sorted by priority, registration order
	// preserved among equals.
	list := b.subs[eventType]
	idx := len(list)
	for i, existing := range list {
		if sub.Priority < existing.Priority {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = sub
	b.subs[eventType] = list

	return sub, nil
}

// Unsubscribe removes all subscriptions held by subscriberID. A non-empty
// eventType scopes removal to that type. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(subscriberID, eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, list := range b.subs {
		if eventType != "" && t != eventType {
			continue
		}
		kept := list[:0]
		for _, sub := range list {
			if sub.SubscriberID == subscriberID {
				sub.active.Store(false)
				continue
			}
			kept = append(kept, sub)
		}
		if len(kept) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = kept
		}
	}
}

// remove drops a single subscription after Cancel.
func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[target.EventType]
	kept := list[:0]
	for _, sub := range list {
		if sub != target {
			kept = append(kept, sub)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, target.EventType)
	} else {
		b.subs[target.EventType] = kept
	}
}

// Publish enqueues an event and returns immediately. Structurally invalid
// events are rejected here, before entering the queue.
func (b *Bus) Publish(evt *Event) error {
	if evt == nil {
		return ErrNilEvent
	}
	if evt.Type == "" {
		return ErrEmptyType
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.cfg.QueueLimit > 0 && len(b.pending) >= b.cfg.QueueLimit {
		b.mu.Unlock()
		return &QueueFullError{EventType: evt.Type, Limit: b.cfg.QueueLimit}
	}
	b.pending = append(b.pending, evt)
	depth := len(b.pending)
	b.published++
	b.lastActivity = time.Now()
	b.mu.Unlock()

	b.metrics.RecordPublish(context.Background(), evt.Type)
	observability.LogPublish(b.cfg.Logger, evt.ID, evt.Type, depth)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatch loop. No-op if already running.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != busIdle || b.closed {
		return
	}
	b.state = busRunning
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	go b.run(b.stopCh, b.doneCh)
}

// Stop requests graceful shutdown and blocks until the loop exits. The
// event in flight finishes delivering; anything still queued is discarded
// and counted in Stats().Dropped. No-op if not running.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.state != busRunning {
		b.mu.Unlock()
		return
	}
	b.state = busStopping
	close(b.stopCh)
	done := b.doneCh
	b.mu.Unlock()

	<-done

	b.mu.Lock()
	droppedNow := len(b.pending)
	b.dropped += uint64(droppedNow)
	b.pending = nil
	b.state = busIdle
	b.mu.Unlock()

	b.metrics.RecordDropped(context.Background(), droppedNow)
	observability.LogDropped(b.cfg.Logger, droppedNow)
}

// Close stops the bus permanently. Further publishes return ErrBusClosed.
func (b *Bus) Close() error {
	b.Stop()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, list := range b.subs {
		count += len(list)
	}
	return Stats{
		Published:     b.published,
		Delivered:     b.delivered,
		Failed:        b.failed,
		Dropped:       b.dropped,
		Subscriptions: count,
		LastActivity:  b.lastActivity,
	}
}

// History returns up to limit of the most recent delivered events, oldest
// first, optionally filtered by event type. Limit defaults to 100.
func (b *Bus) History(eventType string, limit int) []*Event {
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	ordered := make([]*Event, 0, len(b.history))
	if len(b.history) < b.cfg.MaxHistory {
		ordered = append(ordered, b.history...)
	} else {
		ordered = append(ordered, b.history[b.histNext:]...)
		ordered = append(ordered, b.history[:b.histNext]...)
	}
	b.mu.Unlock()

	if eventType != "" {
		filtered := ordered[:0]
		for _, evt := range ordered {
			if evt.Type == eventType {
				filtered = append(filtered, evt)
			}
		}
		ordered = filtered
	}

	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// run drains the queue until stop is requested.
func (b *Bus) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		evt := b.pop()
		if evt == nil {
			select {
			case <-b.notify:
			case <-stopCh:
				return
			}
			continue
		}

		b.dispatch(evt)
	}
}

// pop removes the oldest queued event, or nil when the queue is empty.
func (b *Bus) pop() *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	evt := b.pending[0]
	b.pending = b.pending[1:]
	return evt
}

// dispatch delivers one event to all its subscriptions, sequentially.
func (b *Bus) dispatch(evt *Event) {
	ctx, span := b.spans.StartDispatchSpan(context.Background(), evt.Type, evt.ID)
	start := time.Now()

	b.mu.Lock()
	targets := make([]*Subscription, len(b.subs[evt.Type]))
	copy(targets, b.subs[evt.Type])
	b.mu.Unlock()

	received := 0
	failures := 0
	for _, sub := range targets {
		if !sub.active.Load() {
			continue
		}
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}

		hctx, hspan := b.spans.StartHandlerSpan(ctx, sub.SubscriberID)
		err := b.invoke(hctx, sub, evt)
		b.spans.EndSpanWithError(hspan, err)
		received++

		if err != nil {
			failures++
			derr := &DeliveryError{
				EventID:      evt.ID,
				EventType:    evt.Type,
				SubscriberID: sub.SubscriberID,
				Err:          err,
			}
			observability.LogDeliveryError(b.cfg.Logger, evt.ID, evt.Type, sub.SubscriberID, err)
			if b.cfg.OnError != nil {
				b.cfg.OnError(evt, sub.SubscriberID, derr)
			}
			if b.cfg.DLQ != nil {
				b.cfg.DLQ.Enqueue(NewFailedDelivery(evt, sub.SubscriberID, err))
			}
		}
	}

	b.mu.Lock()
	if received > 0 {
		b.delivered++
	}
	b.failed += uint64(failures)
	b.recordHistory(evt)
	b.lastActivity = time.Now()
	b.mu.Unlock()

	elapsed := time.Since(start)
	b.metrics.RecordDispatch(ctx, evt.Type, elapsed, failures)
	observability.LogDelivery(b.cfg.Logger, evt.ID, evt.Type, received,
		float64(elapsed.Microseconds())/1000.0)
	b.spans.EndSpanWithError(span, nil)
}

// invoke runs one handler with panic recovery and the configured context
// deadline.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if b.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		defer cancel()
	}
	return sub.handler(ctx, evt)
}

// recordHistory appends to the ring, evicting the oldest entry when full.
// Caller holds b.mu.
func (b *Bus) recordHistory(evt *Event) {
	if len(b.history) < b.cfg.MaxHistory {
		b.history = append(b.history, evt)
		return
	}
	b.history[b.histNext] = evt
	b.histNext = (b.histNext + 1) % b.cfg.MaxHistory
}
