// Package message provides the point-to-point message model and the
// dispatch layer that routes inbound transport messages to registered
// handlers through an ordered middleware chain.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is one point-to-point payload crossing a transport boundary.
type Message struct {
	ID        string         `json:"message_id"`
	Type      string         `json:"message_type"`
	Sender    string         `json:"sender_id"`
	Recipient string         `json:"recipient_id"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// New creates a message with a generated ID and current timestamp.
func New(msgType, sender, recipient, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: time.Now(),
	}
}
