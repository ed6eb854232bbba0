package model

// HeartbeatStatus is the lifecycle state of a heartbeat.
type HeartbeatStatus string

const (
	HeartbeatPending   HeartbeatStatus = "PENDING"
	HeartbeatExecuting HeartbeatStatus = "EXECUTING"
	HeartbeatCompleted HeartbeatStatus = "COMPLETED"
	HeartbeatFailed    HeartbeatStatus = "FAILED"
)

var heartbeatTransitions = map[HeartbeatStatus][]HeartbeatStatus{
	HeartbeatPending:   {HeartbeatExecuting},
	HeartbeatExecuting: {HeartbeatCompleted, HeartbeatFailed},
}

// String returns the status name.
func (s HeartbeatStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s HeartbeatStatus) Valid() bool {
	switch s {
	case HeartbeatPending, HeartbeatExecuting, HeartbeatCompleted, HeartbeatFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s HeartbeatStatus) Terminal() bool {
	return s == HeartbeatCompleted || s == HeartbeatFailed
}

// CanTransition reports whether s may move to next.
func (s HeartbeatStatus) CanTransition(next HeartbeatStatus) bool {
	for _, allowed := range heartbeatTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActionStatus is the lifecycle state of a tool action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionRunning   ActionStatus = "RUNNING"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionFailed    ActionStatus = "FAILED"
)

// PENDING -> FAILED covers requests that could not be built.
var actionTransitions = map[ActionStatus][]ActionStatus{
	ActionPending: {ActionRunning, ActionFailed},
	ActionRunning: {ActionCompleted, ActionFailed},
}

// String returns the status name.
func (s ActionStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionRunning, ActionCompleted, ActionFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// CanTransition reports whether s may move to next.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	for _, allowed := range actionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
