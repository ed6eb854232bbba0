// Package errors provides the structured error taxonomy of the heartbeat
// engine.
//
// # Error Codes
//
//   - NOT_FOUND: a heartbeat, agent, tool or event does not exist
//   - INVALID_STATE: a record is not in the status an operation requires
//   - CONFLICT: a conditional status transition lost a race
//   - TOOL_EXECUTION_FAILURE: a tool run failed; isolated to its action
//   - HEARTBEAT_FAILURE: a heartbeat cycle failed and was marked FAILED
//   - SCHEDULING_FAILURE: the next heartbeat of an agent could not be created
//   - CAPABILITY_MISSING: a tool has no registered implementation
//
// # Usage
//
//	err := errors.NotFound("heartbeat", id)
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // ...
//	}
//
// Wrap keeps the code of a structured cause:
//
//	wrapped := errors.Wrap(err, "processing heartbeat")
package errors
