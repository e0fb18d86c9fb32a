package event

import (
	"encoding/json"
	"math"
	"time"
)

// wireEvent is the JSON envelope used at persistence and transport
// boundaries. Optional fields marshal to null when absent so the
// round-trip is lossless in both directions.
type wireEvent struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	SourceAgentID string         `json:"source_agent_id"`
	TargetAgentID *string        `json:"target_agent_id"`
	Timestamp     float64        `json:"timestamp"` // seconds since epoch
	Priority      int            `json:"priority"`
	Data          map[string]any `json:"data"`
	Metadata      map[string]any `json:"metadata"`
	CorrelationID *string        `json:"correlation_id"`
	CausationID   *string        `json:"causation_id"`
	Version       int            `json:"version"`
}

// Marshal encodes an event into its wire envelope.
func Marshal(e *Event) ([]byte, error) {
	if e == nil {
		return nil, &SerializationError{Reason: "nil event"}
	}
	if e.Type == "" {
		return nil, &SerializationError{Reason: "missing event_type"}
	}

	w := wireEvent{
		EventID:       e.ID,
		EventType:     e.Type,
		SourceAgentID: e.SourceAgentID,
		TargetAgentID: optString(e.TargetAgentID),
		Timestamp:     float64(e.Timestamp.UnixNano()) / float64(time.Second),
		Priority:      int(e.Priority),
		Data:          e.Data,
		Metadata:      e.Metadata,
		CorrelationID: optString(e.CorrelationID),
		CausationID:   optString(e.CausationID),
		Version:       e.Version,
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, &SerializationError{Reason: "encode event", Err: err}
	}
	return out, nil
}

// Unmarshal decodes a wire envelope back into an event.
func Unmarshal(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &SerializationError{Reason: "decode event", Err: err}
	}
	if w.EventID == "" {
		return nil, &SerializationError{Reason: "missing event_id"}
	}
	if w.EventType == "" {
		return nil, &SerializationError{Reason: "missing event_type"}
	}
	if w.Priority < int(PriorityCritical) || w.Priority > int(PriorityLow) {
		return nil, &SerializationError{Reason: "priority out of range"}
	}

	return &Event{
		ID:            w.EventID,
		Type:          w.EventType,
		SourceAgentID: w.SourceAgentID,
		TargetAgentID: fromOpt(w.TargetAgentID),
		Timestamp:     time.Unix(0, int64(math.Round(w.Timestamp*float64(time.Second)))),
		Priority:      Priority(w.Priority),
		Data:          w.Data,
		Metadata:      w.Metadata,
		CorrelationID: fromOpt(w.CorrelationID),
		CausationID:   fromOpt(w.CausationID),
		Version:       w.Version,
	}, nil
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func fromOpt(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
