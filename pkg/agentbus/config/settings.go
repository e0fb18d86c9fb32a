package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// BusSettings carries the event bus knobs.
type BusSettings struct {
	// QueueLimit bounds the publish queue; 0 means unbounded.
	QueueLimit int `env:"AGENTBUS_QUEUE_LIMIT"`

	// MaxHistory bounds the delivered-event ring buffer.
	MaxHistory int `env:"AGENTBUS_MAX_HISTORY"`

	// HandlerTimeout bounds each subscriber invocation; 0 disables it.
	HandlerTimeout time.Duration `env:"AGENTBUS_HANDLER_TIMEOUT"`

	// DLQLimit bounds the in-memory dead-letter queue; 0 disables the DLQ.
	DLQLimit int `env:"AGENTBUS_DLQ_LIMIT"`
}

// StoreSettings carries the event store knobs.
type StoreSettings struct {
	// SQLitePath is the database file; empty disables durable persistence.
	SQLitePath string `env:"AGENTBUS_SQLITE_PATH"`
}

// DefaultBusSettings mirrors the bus defaults.
var DefaultBusSettings = BusSettings{
	MaxHistory: 1000,
}

// BusSettingsFrom reads bus settings from the "bus" section of a Config.
func BusSettingsFrom(cfg Config) BusSettings {
	section := cfg.Section("bus")
	return BusSettings{
		QueueLimit:     section.Int("queue_limit", DefaultBusSettings.QueueLimit),
		MaxHistory:     section.Int("max_history", DefaultBusSettings.MaxHistory),
		HandlerTimeout: section.Duration("handler_timeout", DefaultBusSettings.HandlerTimeout),
		DLQLimit:       section.Int("dlq_limit", DefaultBusSettings.DLQLimit),
	}
}

// StoreSettingsFrom reads store settings from the "store" section of a Config.
func StoreSettingsFrom(cfg Config) StoreSettings {
	section := cfg.Section("store")
	return StoreSettings{
		SQLitePath: section.String("sqlite_path", ""),
	}
}

// ApplyEnv overlays AGENTBUS_* environment variables onto the settings.
// Unset variables leave the existing values untouched.
func (s *BusSettings) ApplyEnv() error {
	if err := env.Parse(s); err != nil {
		return fmt.Errorf("parse bus env: %w", err)
	}
	return nil
}

// ApplyEnv overlays AGENTBUS_* environment variables onto the settings.
func (s *StoreSettings) ApplyEnv() error {
	if err := env.Parse(s); err != nil {
		return fmt.Errorf("parse store env: %w", err)
	}
	return nil
}
