// Package store provides the append-only per-stream event log with
// snapshotting. The in-memory log is authoritative; durability is a
// pluggable Backend concern, and a durable-write failure never corrupts
// or hides in-memory state.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// Sentinel errors for store operations.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("event store closed")

	// ErrNotFound indicates a snapshot or stream doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an append whose version precedes the
	// stream head. Versions must be non-decreasing within a stream.
	ErrVersionConflict = errors.New("event version precedes stream head")
)

// PersistenceError reports a failed durable write. The in-memory log
// already holds the event; callers may retry or escalate.
type PersistenceError struct {
	StreamID string
	Op       string // "persist" or "persist_snapshot"
	Err      error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s stream %s: %v", e.Op, e.StreamID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Snapshot is a compacted representation of a stream's state at a version.
// One snapshot per stream; each save overwrites the previous one.
type Snapshot struct {
	StreamID  string    `json:"stream_id"`
	State     []byte    `json:"state"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// Backend is the durable persistence port. Implementations must be safe
// for concurrent use.
type Backend interface {
	// Persist durably writes one appended event.
	Persist(streamID string, evt *event.Event) error

	// PersistSnapshot durably writes a snapshot, replacing any prior one
	// for the stream.
	PersistSnapshot(streamID string, snap *Snapshot) error

	// Close releases any resources (connections, files).
	Close() error
}

// Replayer is implemented by backends that can reload previously
// persisted streams, enabling Store.Restore after a restart.
type Replayer interface {
	// LoadStream returns persisted events with version >= fromVersion,
	// in version order. Unknown streams return an empty slice.
	LoadStream(streamID string, fromVersion int) ([]*event.Event, error)

	// LoadSnapshot returns the persisted snapshot for a stream, or
	// ErrNotFound when absent.
	LoadSnapshot(streamID string) (*Snapshot, error)
}

// Config configures a Store.
type Config struct {
	// Backend for durable writes. Nil disables persistence.
	Backend Backend

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger

	// Metrics recorder. Nil defaults to NoopMetrics.
	Metrics observability.MetricsRecorder

	// OnError receives persistence failures out-of-band. Append and
	// SaveSnapshot succeed in-memory regardless.
	OnError func(err *PersistenceError)
}

// Store keeps an ordered append log per stream plus the latest snapshot.
type Store struct {
	cfg     Config
	metrics observability.MetricsRecorder

	mu        sync.RWMutex
	streams   map[string][]*event.Event
	snapshots map[string]*Snapshot
	closed    bool
}

// New creates a Store.
func New(cfg Config) *Store {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Store{
		cfg:       cfg,
		metrics:   metrics,
		streams:   make(map[string][]*event.Event),
		snapshots: make(map[string]*Snapshot),
	}
}

// Append adds an event to a stream's log and invokes the persistence
// hook. Persistence failures are reported via Config.OnError; the event
// stays visible through Events either way.
func (s *Store) Append(streamID string, evt *event.Event) error {
	if streamID == "" {
		return fmt.Errorf("stream id is required")
	}
	if evt == nil {
		return event.ErrNilEvent
	}
	if evt.Type == "" {
		return event.ErrEmptyType
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	log := s.streams[streamID]
	if n := len(log); n > 0 && evt.Version < log[n-1].Version {
		head := log[n-1].Version
		s.mu.Unlock()
		return fmt.Errorf("append %s at version %d (head %d): %w",
			streamID, evt.Version, head, ErrVersionConflict)
	}
	s.streams[streamID] = append(log, evt)
	s.mu.Unlock()

	s.metrics.RecordAppend(context.Background(), streamID)
	observability.LogAppend(s.cfg.Logger, streamID, evt.ID, evt.Version)

	if s.cfg.Backend != nil {
		if err := s.cfg.Backend.Persist(streamID, evt); err != nil {
			s.report(&PersistenceError{StreamID: streamID, Op: "persist", Err: err})
		}
	}
	return nil
}

// Events returns the stream's events with version >= fromVersion, in
// append order. Unknown streams return an empty slice, not an error.
func (s *Store) Events(streamID string, fromVersion int) []*event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.streams[streamID]
	out := make([]*event.Event, 0, len(log))
	for _, evt := range log {
		if evt.Version >= fromVersion {
			out = append(out, evt)
		}
	}
	return out
}

// SaveSnapshot records the stream's state at a version, overwriting any
// prior snapshot for that stream.
func (s *Store) SaveSnapshot(streamID string, state []byte, version int) error {
	if streamID == "" {
		return fmt.Errorf("stream id is required")
	}

	snap := &Snapshot{
		StreamID:  streamID,
		State:     append([]byte(nil), state...),
		Version:   version,
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.snapshots[streamID] = snap
	s.mu.Unlock()

	s.metrics.RecordSnapshot(context.Background(), streamID, int64(len(snap.State)))
	observability.LogSnapshot(s.cfg.Logger, streamID, version, len(snap.State))

	if s.cfg.Backend != nil {
		if err := s.cfg.Backend.PersistSnapshot(streamID, snap); err != nil {
			s.report(&PersistenceError{StreamID: streamID, Op: "persist_snapshot", Err: err})
		}
	}
	return nil
}

// Snapshot returns the latest snapshot for a stream, if any.
func (s *Store) Snapshot(streamID string) (*Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[streamID]
	return snap, ok
}

// Streams returns all known stream IDs, sorted.
func (s *Store) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore reloads a stream from the backend into memory: the latest
// snapshot plus all events past the snapshot's version. No-op when the
// backend cannot replay. Existing in-memory state for the stream is
// replaced.
func (s *Store) Restore(streamID string) error {
	replayer, ok := s.cfg.Backend.(Replayer)
	if !ok {
		return nil
	}

	snap, err := replayer.LoadSnapshot(streamID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("restore %s: %w", streamID, err)
	}

	fromVersion := 0
	if snap != nil {
		// Events at the snapshot version are already folded into it.
		fromVersion = snap.Version + 1
	}

	events, err := replayer.LoadStream(streamID, fromVersion)
	if err != nil {
		return fmt.Errorf("restore %s: %w", streamID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if snap != nil {
		s.snapshots[streamID] = snap
	}
	s.streams[streamID] = events
	return nil
}

// Close closes the store and its backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cfg.Backend != nil {
		return s.cfg.Backend.Close()
	}
	return nil
}

func (s *Store) report(perr *PersistenceError) {
	observability.LogPersistenceError(s.cfg.Logger, perr.StreamID, perr.Op, perr.Err)
	if s.cfg.OnError != nil {
		s.cfg.OnError(perr)
	}
}
