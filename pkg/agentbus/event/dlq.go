package event

import (
	"sync"
	"time"
)

// FailedDelivery records one failed subscriber invocation, with enough of
// the event preserved (wire-encoded) to inspect or replay it later.
type FailedDelivery struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	SubscriberID string    `json:"subscriber_id"`
	EventData    []byte    `json:"event_data"`
	ErrorMessage string    `json:"error_message"`
	FailedAt     time.Time `json:"failed_at"`
}

// NewFailedDelivery builds a FailedDelivery from an event and the handler
// error. Encoding failures leave EventData empty rather than losing the
// record.
func NewFailedDelivery(evt *Event, subscriberID string, err error) *FailedDelivery {
	data, _ := Marshal(evt)
	return &FailedDelivery{
		EventID:      evt.ID,
		EventType:    evt.Type,
		SubscriberID: subscriberID,
		EventData:    data,
		ErrorMessage: err.Error(),
		FailedAt:     time.Now(),
	}
}

// DeadLetterQueue collects failed deliveries for later inspection or replay.
type DeadLetterQueue interface {
	// Enqueue adds a failed delivery. Implementations must not block the
	// dispatch loop.
	Enqueue(fd *FailedDelivery)

	// Drain removes and returns up to limit entries, oldest first.
	// limit <= 0 drains everything.
	Drain(limit int) []*FailedDelivery

	// Len returns the number of queued entries.
	Len() int
}

// MemoryDLQ is a bounded in-memory DeadLetterQueue. When full, the oldest
// entry is evicted to make room.
type MemoryDLQ struct {
	mu      sync.Mutex
	entries []*FailedDelivery
	limit   int
}

// NewMemoryDLQ creates a MemoryDLQ holding at most limit entries.
// limit <= 0 means unbounded.
func NewMemoryDLQ(limit int) *MemoryDLQ {
	return &MemoryDLQ{limit: limit}
}

// Enqueue implements DeadLetterQueue.
func (q *MemoryDLQ) Enqueue(fd *FailedDelivery) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.limit > 0 && len(q.entries) >= q.limit {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, fd)
}

// Drain implements DeadLetterQueue.
func (q *MemoryDLQ) Drain(limit int) []*FailedDelivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*FailedDelivery, n)
	copy(out, q.entries[:n])
	q.entries = q.entries[n:]
	return out
}

// Len implements DeadLetterQueue.
func (q *MemoryDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
