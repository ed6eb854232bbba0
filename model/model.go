// Package model defines the records shared by the scheduler, worker,
// orchestrator and stores: agents, heartbeats, events, tools,
// subscriptions and actions.
package model

import (
	"time"
)

// Epoch is the window start for an agent's first heartbeat.
var Epoch = time.Unix(0, 0).UTC()

// Agent is an autonomous participant. Read-only to the engine.
type Agent struct {
	ID                string    `json:"id" toml:"id" yaml:"id"`
	Name              string    `json:"name" toml:"name" yaml:"name"`
	Handle            string    `json:"handle,omitempty" toml:"handle" yaml:"handle"`
	Personality       string    `json:"personality,omitempty" toml:"personality" yaml:"personality"`
	Expertise         []string  `json:"expertise,omitempty" toml:"expertise" yaml:"expertise"`
	HeartbeatInterval int       `json:"heartbeat_interval" toml:"heartbeat_interval" yaml:"heartbeat_interval"` // minutes
	Feeds             []string  `json:"feeds,omitempty" toml:"feeds" yaml:"feeds"`
	CreatedAt         time.Time `json:"created_at" toml:"-" yaml:"-"`
}

// Heartbeat is one scheduled processing cycle of an agent.
type Heartbeat struct {
	ID               string          `json:"id"`
	AgentID          string          `json:"agent_id"`
	Status           HeartbeatStatus `json:"status"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	EventsProcessed  int             `json:"events_processed"`
	ActionsTriggered int             `json:"actions_triggered"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	WindowStart      *time.Time      `json:"window_start,omitempty"`
	WindowEnd        *time.Time      `json:"window_end,omitempty"`
	Attempt          int             `json:"attempt,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Clone returns a deep copy.
func (h *Heartbeat) Clone() *Heartbeat {
	if h == nil {
		return nil
	}
	c := *h
	c.StartedAt = cloneTime(h.StartedAt)
	c.CompletedAt = cloneTime(h.CompletedAt)
	c.WindowStart = cloneTime(h.WindowStart)
	c.WindowEnd = cloneTime(h.WindowEnd)
	return &c
}

// HeartbeatUpdate carries the fields set together with a status transition.
// Nil pointers leave the stored value unchanged.
type HeartbeatUpdate struct {
	StartedAt        *time.Time
	CompletedAt      *time.Time
	EventsProcessed  *int
	ActionsTriggered *int
	ErrorMessage     *string
	WindowStart      *time.Time
	WindowEnd        *time.Time
}

// Apply copies the set fields onto h.
func (u HeartbeatUpdate) Apply(h *Heartbeat) {
	if u.StartedAt != nil {
		h.StartedAt = cloneTime(u.StartedAt)
	}
	if u.CompletedAt != nil {
		h.CompletedAt = cloneTime(u.CompletedAt)
	}
	if u.EventsProcessed != nil {
		h.EventsProcessed = *u.EventsProcessed
	}
	if u.ActionsTriggered != nil {
		h.ActionsTriggered = *u.ActionsTriggered
	}
	if u.ErrorMessage != nil {
		h.ErrorMessage = *u.ErrorMessage
	}
	if u.WindowStart != nil {
		h.WindowStart = cloneTime(u.WindowStart)
	}
	if u.WindowEnd != nil {
		h.WindowEnd = cloneTime(u.WindowEnd)
	}
}

// Event is an immutable record that something happened.
type Event struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id,omitempty"`
	EventType EventType `json:"event_type"`
	Payload   Payload   `json:"payload"`
	Source    string    `json:"source,omitempty"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

// Before orders events by creation time, then by id.
func (e *Event) Before(other *Event) bool {
	if !e.CreatedAt.Equal(other.CreatedAt) {
		return e.CreatedAt.Before(other.CreatedAt)
	}
	return e.ID < other.ID
}

// Tool is a registered capability record.
type Tool struct {
	ID         string                 `json:"id" toml:"id" yaml:"id"`
	Name       string                 `json:"name" toml:"name" yaml:"name"`
	Capability string                 `json:"capability,omitempty" toml:"capability" yaml:"capability"`
	Config     map[string]interface{} `json:"config,omitempty" toml:"config" yaml:"config"`
	IsActive   bool                   `json:"is_active" toml:"is_active" yaml:"is_active"`
}

// CapabilityName returns the registry key of the tool's implementation.
func (t *Tool) CapabilityName() string {
	if t.Capability != "" {
		return t.Capability
	}
	return t.Name
}

// ToolSubscription binds a tool to an event type.
type ToolSubscription struct {
	ID             string    `json:"id"`
	ToolID         string    `json:"tool_id"`
	EventType      EventType `json:"event_type"`
	Filter         *Filter   `json:"filter,omitempty"`
	ExecutionOrder int       `json:"execution_order"`
	IsActive       bool      `json:"is_active"`
}

// Action is the audit record of one tool invocation for one event.
type Action struct {
	ID              string                 `json:"id"`
	AgentID         string                 `json:"agent_id"`
	ToolID          string                 `json:"tool_id"`
	HeartbeatID     string                 `json:"heartbeat_id"`
	EventID         string                 `json:"event_id"`
	ParentActionID  string                 `json:"parent_action_id,omitempty"`
	Status          ActionStatus           `json:"status"`
	RequestMeta     map[string]interface{} `json:"request_meta,omitempty"`
	ResponseMeta    map[string]interface{} `json:"response_meta,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExecutionTimeMs *int64                 `json:"execution_time_ms,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// ActionUpdate carries the fields set together with an action transition.
type ActionUpdate struct {
	Status          ActionStatus
	ResponseMeta    map[string]interface{}
	ErrorMessage    *string
	ExecutionTimeMs *int64
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// Apply copies the set fields onto a.
func (u ActionUpdate) Apply(a *Action) {
	a.Status = u.Status
	if u.ResponseMeta != nil {
		a.ResponseMeta = u.ResponseMeta
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = *u.ErrorMessage
	}
	if u.ExecutionTimeMs != nil {
		ms := *u.ExecutionTimeMs
		a.ExecutionTimeMs = &ms
	}
	if u.StartedAt != nil {
		a.StartedAt = cloneTime(u.StartedAt)
	}
	if u.CompletedAt != nil {
		a.CompletedAt = cloneTime(u.CompletedAt)
	}
}

// Window is the half-open interval [Start, End) of events a heartbeat processes.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
