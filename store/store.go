// Package store persists the engine's records: agents, heartbeats, the
// append-only event log, tools and subscriptions, and the action log.
//
// Every status change goes through a conditional transition: the write
// succeeds only if the record still has the expected status, and a
// heartbeat may enter EXECUTING only while no other heartbeat of the same
// agent is EXECUTING. A lost race is reported as a CONFLICT error.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/model"
)

// AgentStore reads agent records. Writes exist for seeding.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	PutAgent(ctx context.Context, agent *model.Agent) error
	ListAgents(ctx context.Context) ([]*model.Agent, error)
}

// HeartbeatStore persists heartbeats.
type HeartbeatStore interface {
	// CreateHeartbeat inserts a new heartbeat. ID and CreatedAt are filled if empty.
	CreateHeartbeat(ctx context.Context, hb *model.Heartbeat) error

	GetHeartbeat(ctx context.Context, id string) (*model.Heartbeat, error)

	// GetDueHeartbeats returns PENDING heartbeats with ScheduledAt <= now,
	// oldest first.
	GetDueHeartbeats(ctx context.Context, now time.Time) ([]*model.Heartbeat, error)

	// TransitionHeartbeat moves a heartbeat from status from to status to and
	// applies upd in the same write. It fails with CONFLICT if the stored
	// status is not from, or if to is EXECUTING and another heartbeat of
	// the agent is EXECUTING.
	TransitionHeartbeat(ctx context.Context, id string, from, to model.HeartbeatStatus, upd model.HeartbeatUpdate) (*model.Heartbeat, error)

	// LastCompletedHeartbeat returns the agent's COMPLETED heartbeat with the
	// latest CompletedAt, or nil if there is none.
	LastCompletedHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error)

	// ActiveHeartbeat returns a PENDING or EXECUTING heartbeat of the agent,
	// preferring EXECUTING, or nil.
	ActiveHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error)

	// ListHeartbeats returns the agent's heartbeats ordered by ScheduledAt.
	ListHeartbeats(ctx context.Context, agentID string) ([]*model.Heartbeat, error)
}

// EventStore is the append-only event log.
type EventStore interface {
	// AppendEvent inserts an event. ID, CreatedAt and Priority are filled if empty.
	AppendEvent(ctx context.Context, ev *model.Event) error

	GetEvent(ctx context.Context, id string) (*model.Event, error)

	// GetEventsInWindow returns the agent's events with start <= CreatedAt < end
	// in creation order.
	GetEventsInWindow(ctx context.Context, agentID string, start, end time.Time) ([]*model.Event, error)
}

// ToolStore persists tool records and subscriptions.
type ToolStore interface {
	// PutTool inserts or replaces a tool. Names are unique.
	PutTool(ctx context.Context, tool *model.Tool) error
	GetTool(ctx context.Context, id string) (*model.Tool, error)
	GetToolByName(ctx context.Context, name string) (*model.Tool, error)
	ListTools(ctx context.Context) ([]*model.Tool, error)

	// PutSubscription inserts or replaces a subscription. (ToolID, EventType)
	// is unique.
	PutSubscription(ctx context.Context, sub *model.ToolSubscription) error

	// GetActiveSubscriptions returns active subscriptions for the event type
	// ordered by ExecutionOrder, then ToolID.
	GetActiveSubscriptions(ctx context.Context, eventType model.EventType) ([]*model.ToolSubscription, error)
	ListSubscriptions(ctx context.Context) ([]*model.ToolSubscription, error)
}

// ActionStore is the action audit log.
type ActionStore interface {
	// CreateAction inserts a PENDING action.
	CreateAction(ctx context.Context, action *model.Action) error

	// UpdateAction moves an action from status from to upd.Status.
	// It fails with CONFLICT if the stored status is not from.
	UpdateAction(ctx context.Context, id string, from model.ActionStatus, upd model.ActionUpdate) (*model.Action, error)

	GetAction(ctx context.Context, id string) (*model.Action, error)

	// ListActions returns the heartbeat's actions in creation order.
	ListActions(ctx context.Context, heartbeatID string) ([]*model.Action, error)
}

// Store is the full persistence contract used by the engine.
type Store interface {
	AgentStore
	HeartbeatStore
	EventStore
	ToolStore
	ActionStore
	Close() error
}

// NewID returns a time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func prepareHeartbeat(hb *model.Heartbeat) {
	if hb.ID == "" {
		hb.ID = NewID()
	}
	if hb.Status == "" {
		hb.Status = model.HeartbeatPending
	}
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now().UTC()
	}
}

func prepareEvent(ev *model.Event) error {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Priority = model.ClampPriority(ev.Priority)
	if ev.Payload.Version == 0 {
		ev.Payload.Version = model.PayloadVersion
	}
	payload, err := ev.Payload.Normalize()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "event payload")
	}
	ev.Payload = payload
	return nil
}

func prepareAction(a *model.Action) {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.Status == "" {
		a.Status = model.ActionPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
}
