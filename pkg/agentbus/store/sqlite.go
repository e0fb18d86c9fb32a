package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
)

// SQLiteBackend persists streams and snapshots to SQLite.
// It is suitable for single-process production use.
type SQLiteBackend struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteBackend creates a new SQLite backend.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			stream_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			sequence INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (stream_id, event_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_stream_version
		ON events(stream_id, version, sequence)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events index: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			stream_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			taken_at TEXT NOT NULL,
			state BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Persist implements Backend.
func (s *SQLiteBackend) Persist(streamID string, evt *event.Event) error {
	payload, err := event.Marshal(evt)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	// Sequence preserves append order among events sharing a version.
	_, err = s.db.Exec(`
		INSERT INTO events (stream_id, event_id, version, sequence, recorded_at, payload)
		VALUES (
			?, ?, ?,
			COALESCE((SELECT MAX(sequence) FROM events WHERE stream_id = ?), 0) + 1,
			?, ?
		)
		ON CONFLICT(stream_id, event_id) DO UPDATE SET
			version = excluded.version,
			recorded_at = excluded.recorded_at,
			payload = excluded.payload
	`, streamID, evt.ID, evt.Version, streamID,
		time.Now().UTC().Format(time.RFC3339Nano), payload)

	if err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	return nil
}

// PersistSnapshot implements Backend.
func (s *SQLiteBackend) PersistSnapshot(streamID string, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO snapshots (stream_id, version, taken_at, state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			version = excluded.version,
			taken_at = excluded.taken_at,
			state = excluded.state
	`, streamID, snap.Version,
		snap.Timestamp.UTC().Format(time.RFC3339Nano), snap.State)

	if err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// LoadStream implements Replayer.
func (s *SQLiteBackend) LoadStream(streamID string, fromVersion int) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`
		SELECT payload FROM events
		WHERE stream_id = ? AND version >= ?
		ORDER BY version, sequence
	`, streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("load stream: %w", err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt, err := event.Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// LoadSnapshot implements Replayer.
func (s *SQLiteBackend) LoadSnapshot(streamID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		version int
		takenAt string
		state   []byte
	)
	err := s.db.QueryRow(`
		SELECT version, taken_at, state FROM snapshots
		WHERE stream_id = ?
	`, streamID).Scan(&version, &takenAt, &state)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := &Snapshot{
		StreamID: streamID,
		State:    state,
		Version:  version,
	}
	snap.Timestamp, _ = time.Parse(time.RFC3339Nano, takenAt)
	return snap, nil
}

// Close implements Backend.
func (s *SQLiteBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
