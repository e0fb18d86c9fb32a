// Package agent provides a thin lifecycle wrapper that publishes
// AGENT_STARTED / AGENT_STOPPED events around an application's start and
// stop calls.
package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/agentbus/pkg/agentbus/comm"
	"github.com/randalmurphal/agentbus/pkg/agentbus/event"
	"github.com/randalmurphal/agentbus/pkg/agentbus/observability"
)

// State is the lifecycle position of an agent.
type State int

const (
	StateInitialized State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// LifecycleError indicates a genuinely conflicting state transition.
// Double start and double stop are idempotent no-ops, not errors.
type LifecycleError struct {
	AgentID string
	From    State
	Op      string
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("agent %s: cannot %s while %s", e.AgentID, e.Op, e.From)
}

// LifecycleAgent wraps a Communication Manager with a small state
// machine: initialized -> starting -> running -> stopping -> stopped.
type LifecycleAgent struct {
	agentID   string
	agentType string
	manager   *comm.Manager
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
}

// New creates a LifecycleAgent in the initialized state.
func New(agentID, agentType string, manager *comm.Manager, logger *slog.Logger) *LifecycleAgent {
	return &LifecycleAgent{
		agentID:   agentID,
		agentType: agentType,
		manager:   manager,
		logger:    observability.EnrichLogger(logger, agentID, "agent"),
	}
}

// Start transitions to running: starts the manager and publishes
// AGENT_STARTED. Calling Start on a running or starting agent is a no-op.
func (a *LifecycleAgent) Start() error {
	a.mu.Lock()
	switch a.state {
	case StateStarting, StateRunning:
		a.mu.Unlock()
		return nil
	case StateStopping:
		state := a.state
		a.mu.Unlock()
		return &LifecycleError{AgentID: a.agentID, From: state, Op: "start"}
	}
	a.state = StateStarting
	a.mu.Unlock()

	a.manager.Start()

	start := time.Now()
	evt := event.New(event.TypeAgentStarted, a.agentID, map[string]any{
		"agent_type": a.agentType,
		"start_time": start.Unix(),
	})
	if err := a.manager.PublishEvent(evt); err != nil {
		// Roll back so the agent is not wedged in starting; a later Start
		// may retry.
		a.mu.Lock()
		a.state = StateInitialized
		a.mu.Unlock()
		return err
	}

	a.mu.Lock()
	a.state = StateRunning
	a.startedAt = start
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("agent started", slog.String("agent_type", a.agentType))
	}
	return nil
}

// Stop mirrors Start: publishes AGENT_STOPPED, stops the manager, and
// transitions to stopped. Stop before Start, and double Stop, are no-ops.
func (a *LifecycleAgent) Stop() error {
	a.mu.Lock()
	switch a.state {
	case StateInitialized, StateStopping, StateStopped:
		a.mu.Unlock()
		return nil
	case StateStarting:
		state := a.state
		a.mu.Unlock()
		return &LifecycleError{AgentID: a.agentID, From: state, Op: "stop"}
	}
	a.state = StateStopping
	uptime := time.Since(a.startedAt)
	a.mu.Unlock()

	evt := event.New(event.TypeAgentStopped, a.agentID, map[string]any{
		"agent_type": a.agentType,
		"stop_time":  time.Now().Unix(),
		"uptime_s":   uptime.Seconds(),
	})
	if err := a.manager.PublishEvent(evt); err != nil && a.logger != nil {
		a.logger.Warn("stop event publish failed", slog.String("error", err.Error()))
	}

	a.manager.Stop()

	a.mu.Lock()
	a.state = StateStopped
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.Info("agent stopped",
			slog.String("agent_type", a.agentType),
			slog.Float64("uptime_s", uptime.Seconds()),
		)
	}
	return nil
}

// State returns the current lifecycle state.
func (a *LifecycleAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Uptime returns how long the agent has been running, zero when it isn't.
func (a *LifecycleAgent) Uptime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != StateRunning {
		return 0
	}
	return time.Since(a.startedAt)
}
