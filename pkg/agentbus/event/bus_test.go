package event_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBusDeliver(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()
	defer bus.Close()

	var received atomic.Int32
	_, err := bus.Subscribe("sub-1", "test.event", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := bus.Publish(event.New("test.event", "src", nil)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	eventually(t, time.Second, func() bool { return received.Load() == 1 },
		"expected 1 received event")

	// Non-matching type is not delivered
	bus.Publish(event.New("other.event", "src", nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("expected still 1 received event, got %d", received.Load())
	}

	stats := bus.Stats()
	if stats.Published != 2 {
		t.Errorf("expected 2 published, got %d", stats.Published)
	}
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}
}

func TestBusSubscribeEmptyType(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	_, err := bus.Subscribe("sub-1", "", func(ctx context.Context, evt *event.Event) error {
		return nil
	})

	var serr *event.SubscriptionError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
}

func TestBusPriorityOrdering(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var mu sync.Mutex
	var order []string
	record := func(name string) event.Handler {
		return func(ctx context.Context, evt *event.Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered low-priority first; delivery must still be by priority,
	// ties in registration order.
	bus.Subscribe("s2", "TASK_COMPLETED", record("s2"),
		event.WithSubscriptionPriority(event.PriorityLow))
	bus.Subscribe("s1", "TASK_COMPLETED", record("s1"),
		event.WithSubscriptionPriority(event.PriorityHigh))
	bus.Subscribe("s3", "TASK_COMPLETED", record("s3"),
		event.WithSubscriptionPriority(event.PriorityLow))

	bus.Start()
	bus.Publish(event.New("TASK_COMPLETED", "src", nil))

	eventually(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "expected 3 deliveries")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"s1", "s2", "s3"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestBusFilter(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe("sub-1", "task", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	}, event.WithFilter(func(evt *event.Event) bool {
		return evt.SourceAgentID == "agent-keep"
	}))

	bus.Publish(event.New("task", "agent-drop", nil))
	bus.Publish(event.New("task", "agent-keep", nil))

	eventually(t, time.Second, func() bool { return received.Load() == 1 },
		"expected exactly the filtered event")
}

func TestBusUnsubscribe(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()
	defer bus.Close()

	var received atomic.Int32
	count := func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	}

	bus.Subscribe("sub-1", "a", count)
	bus.Subscribe("sub-1", "b", count)

	bus.Publish(event.New("a", "src", nil))
	eventually(t, time.Second, func() bool { return received.Load() == 1 }, "expected delivery")

	// Scoped to one type
	bus.Unsubscribe("sub-1", "a")
	bus.Publish(event.New("a", "src", nil))
	bus.Publish(event.New("b", "src", nil))
	eventually(t, time.Second, func() bool { return received.Load() == 2 }, "expected b delivery")

	// All remaining types; unknown id is a no-op
	bus.Unsubscribe("sub-1", "")
	bus.Unsubscribe("never-subscribed", "")
	bus.Publish(event.New("b", "src", nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 2 {
		t.Errorf("expected no delivery after unsubscribe, got %d", received.Load())
	}
	if stats := bus.Stats(); stats.Subscriptions != 0 {
		t.Errorf("expected 0 subscriptions, got %d", stats.Subscriptions)
	}
}

func TestSubscriptionCancel(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()
	defer bus.Close()

	var received atomic.Int32
	sub, _ := bus.Subscribe("sub-1", "a", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	sub.Cancel()
	sub.Cancel() // idempotent

	bus.Publish(event.New("a", "src", nil))
	time.Sleep(50 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("expected no delivery after cancel, got %d", received.Load())
	}
	if sub.Active() {
		t.Error("expected subscription inactive")
	}
}

func TestBusFailureIsolation(t *testing.T) {
	dlq := event.NewMemoryDLQ(10)
	bus := event.NewBus(event.BusConfig{DLQ: dlq})
	defer bus.Close()

	var healthy atomic.Int32
	bus.Subscribe("broken", "A", func(ctx context.Context, evt *event.Event) error {
		return fmt.Errorf("boom")
	}, event.WithSubscriptionPriority(event.PriorityHigh))
	bus.Subscribe("healthy", "A", func(ctx context.Context, evt *event.Event) error {
		healthy.Add(1)
		return nil
	})

	bus.Start()
	bus.Publish(event.New("A", "src", nil))

	eventually(t, time.Second, func() bool { return healthy.Load() == 1 },
		"healthy subscriber must still receive the event")

	stats := bus.Stats()
	if stats.Failed != 1 {
		t.Errorf("expected 1 failed delivery, got %d", stats.Failed)
	}
	if stats.Delivered != 1 {
		t.Errorf("expected 1 delivered, got %d", stats.Delivered)
	}
	if dlq.Len() != 1 {
		t.Errorf("expected 1 DLQ entry, got %d", dlq.Len())
	}
}

func TestBusPanicIsolation(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var healthy atomic.Int32
	bus.Subscribe("panics", "A", func(ctx context.Context, evt *event.Event) error {
		panic("handler exploded")
	}, event.WithSubscriptionPriority(event.PriorityCritical))
	bus.Subscribe("healthy", "A", func(ctx context.Context, evt *event.Event) error {
		healthy.Add(1)
		return nil
	})

	bus.Start()
	bus.Publish(event.New("A", "src", nil))

	eventually(t, time.Second, func() bool { return healthy.Load() == 1 },
		"panicking subscriber must not block the rest")

	if stats := bus.Stats(); stats.Failed != 1 {
		t.Errorf("expected 1 failed delivery, got %d", stats.Failed)
	}
}

func TestBusHistoryEviction(t *testing.T) {
	bus := event.NewBus(event.BusConfig{MaxHistory: 1000})
	bus.Start()
	defer bus.Close()

	var delivered atomic.Int32
	bus.Subscribe("sub-1", "tick", func(ctx context.Context, evt *event.Event) error {
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 1001; i++ {
		if err := bus.Publish(event.New("tick", "src", map[string]any{"n": i})); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	eventually(t, 5*time.Second, func() bool { return delivered.Load() == 1001 },
		"expected all events delivered")

	history := bus.History("", 1000)
	if len(history) != 1000 {
		t.Fatalf("expected 1000 history entries, got %d", len(history))
	}
	// Oldest entry (n=0) evicted; history holds n=1..1000 in order.
	if got := history[0].Data["n"]; got != 1 {
		t.Errorf("expected oldest surviving entry n=1, got %v", got)
	}
	if got := history[999].Data["n"]; got != 1000 {
		t.Errorf("expected newest entry n=1000, got %v", got)
	}
}

func TestBusHistoryFilterAndLimit(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()
	defer bus.Close()

	var delivered atomic.Int32
	counter := func(ctx context.Context, evt *event.Event) error {
		delivered.Add(1)
		return nil
	}
	bus.Subscribe("s", "a", counter)
	bus.Subscribe("s", "b", counter)

	bus.Publish(event.New("a", "src", nil))
	bus.Publish(event.New("b", "src", nil))
	bus.Publish(event.New("a", "src", nil))

	eventually(t, time.Second, func() bool { return delivered.Load() == 3 }, "expected 3 deliveries")

	if got := len(bus.History("a", 0)); got != 2 {
		t.Errorf("expected 2 events of type a, got %d", got)
	}
	if got := len(bus.History("", 2)); got != 2 {
		t.Errorf("expected limit to cap results at 2, got %d", got)
	}
}

func TestBusQueueFull(t *testing.T) {
	// Not started, so nothing drains the queue.
	bus := event.NewBus(event.BusConfig{QueueLimit: 2})
	defer bus.Close()

	bus.Publish(event.New("a", "src", nil))
	bus.Publish(event.New("a", "src", nil))

	err := bus.Publish(event.New("a", "src", nil))
	var qerr *event.QueueFullError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}
	if qerr.Limit != 2 {
		t.Errorf("expected limit 2, got %d", qerr.Limit)
	}
}

func TestBusPublishValidation(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	if err := bus.Publish(nil); !errors.Is(err, event.ErrNilEvent) {
		t.Errorf("expected ErrNilEvent, got %v", err)
	}
	if err := bus.Publish(&event.Event{}); !errors.Is(err, event.ErrEmptyType) {
		t.Errorf("expected ErrEmptyType, got %v", err)
	}
}

func TestBusStopDropsQueued(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var delivered atomic.Int32

	bus.Subscribe("slow", "job", func(ctx context.Context, evt *event.Event) error {
		select {
		case entered <- struct{}{}:
			<-release
		default:
			// only the first delivery blocks
		}
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 6; i++ {
		bus.Publish(event.New("job", "src", nil))
	}

	bus.Start()
	<-entered // first event is now in flight

	stopped := make(chan struct{})
	go func() {
		bus.Stop()
		close(stopped)
	}()

	close(release)
	<-stopped

	if got := delivered.Load(); got != 1 {
		t.Errorf("expected the in-flight event fully delivered, got %d", got)
	}

	stats := bus.Stats()
	if stats.Dropped != 5 {
		t.Errorf("expected 5 dropped events, got %d", stats.Dropped)
	}
}

func TestBusStopStartCycle(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var received atomic.Int32
	bus.Subscribe("s", "a", func(ctx context.Context, evt *event.Event) error {
		received.Add(1)
		return nil
	})

	bus.Start()
	bus.Start() // no-op
	bus.Publish(event.New("a", "src", nil))
	eventually(t, time.Second, func() bool { return received.Load() == 1 }, "expected delivery")

	bus.Stop()
	bus.Stop() // no-op

	bus.Start()
	bus.Publish(event.New("a", "src", nil))
	eventually(t, time.Second, func() bool { return received.Load() == 2 },
		"expected delivery after restart")
}

func TestBusCloseRejectsPublish(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	bus.Start()

	if err := bus.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := bus.Publish(event.New("a", "src", nil))
	if !errors.Is(err, event.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestBusHandlerTimeout(t *testing.T) {
	bus := event.NewBus(event.BusConfig{HandlerTimeout: 20 * time.Millisecond})
	bus.Start()
	defer bus.Close()

	var sawDeadline atomic.Bool
	bus.Subscribe("s", "a", func(ctx context.Context, evt *event.Event) error {
		select {
		case <-ctx.Done():
			sawDeadline.Store(true)
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	bus.Publish(event.New("a", "src", nil))

	eventually(t, time.Second, func() bool { return sawDeadline.Load() },
		"expected handler context to time out")

	if stats := bus.Stats(); stats.Failed != 1 {
		t.Errorf("expected timed-out handler counted as failure, got %d", stats.Failed)
	}
}
