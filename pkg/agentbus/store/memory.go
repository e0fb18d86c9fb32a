package store

import (
	"sync"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// MemoryBackend is an in-memory Backend for testing. Data is lost when
// the process exits. It implements Replayer so Restore can be exercised
// without a database.
type MemoryBackend struct {
	mu        sync.RWMutex
	events    map[string][][]byte // streamID -> wire-encoded events, append order
	snapshots map[string]*Snapshot
	closed    bool
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		events:    make(map[string][][]byte),
		snapshots: make(map[string]*Snapshot),
	}
}

// Persist implements Backend.
func (m *MemoryBackend) Persist(streamID string, evt *event.Event) error {
	data, err := event.Marshal(evt)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.events[streamID] = append(m.events[streamID], data)
	return nil
}

// PersistSnapshot implements Backend.
func (m *MemoryBackend) PersistSnapshot(streamID string, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.snapshots[streamID] = snap
	return nil
}

// LoadStream implements Replayer.
func (m *MemoryBackend) LoadStream(streamID string, fromVersion int) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*event.Event, 0, len(m.events[streamID]))
	for _, data := range m.events[streamID] {
		evt, err := event.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if evt.Version >= fromVersion {
			out = append(out, evt)
		}
	}
	return out, nil
}

// LoadSnapshot implements Replayer.
func (m *MemoryBackend) LoadSnapshot(streamID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	snap, ok := m.snapshots[streamID]
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.events = nil
	m.snapshots = nil
	return nil
}

// Len returns the total number of persisted events across all streams.
// Useful for testing.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, stream := range m.events {
		count += len(stream)
	}
	return count
}
