package errors

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error is the structured error returned across component boundaries.
// The engine's own records (heartbeats, actions) only ever persist the
// message; code and metadata are for callers and logs.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	timestamp time.Time
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable reports whether a later cycle may succeed.
func (e *Error) Retryable() bool {
	return e.category.IsRetryable()
}

// Message returns the message without the cause chain.
func (e *Error) Message() string {
	return e.message
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Fields flattens the error into log fields.
func (e *Error) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_code": string(e.code),
		"error":      e.Error(),
	}
	keys := make([]string, 0, len(e.metadata))
	for k := range e.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields[k] = e.metadata[k]
	}
	return fields
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID tags the error with the agent it concerns.
func WithAgentID(id string) Option {
	return WithMetadata("agent_id", id)
}

// WithHeartbeatID tags the error with the heartbeat it concerns.
func WithHeartbeatID(id string) Option {
	return WithMetadata("heartbeat_id", id)
}

// WithActionID tags the error with the action it concerns.
func WithActionID(id string) Option {
	return WithMetadata("action_id", id)
}

// WithTool tags the error with a tool name.
func WithTool(name string) Option {
	return WithMetadata("tool", name)
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// NotFound reports a missing record of the given kind.
func NotFound(kind, id string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("kind", kind)}, opts...)
	return New(ErrCodeNotFound, fmt.Sprintf("%s %s not found", kind, id), opts...)
}

// InvalidState reports a record whose status does not permit the operation.
func InvalidState(kind, id string, got, want fmt.Stringer, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("kind", kind)}, opts...)
	return New(ErrCodeInvalidState,
		fmt.Sprintf("%s %s is %s, expected %s", kind, id, got, want), opts...)
}

// Conflict reports a conditional transition that lost a race.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// ToolExecutionFailure wraps a failed tool run.
func ToolExecutionFailure(tool string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool), WithCause(cause)}, opts...)
	return New(ErrCodeToolExecution, fmt.Sprintf("tool %s failed", tool), opts...)
}

// HeartbeatFailure wraps the error that ended a heartbeat cycle.
func HeartbeatFailure(heartbeatID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithHeartbeatID(heartbeatID), WithCause(cause)}, opts...)
	return New(ErrCodeHeartbeat, fmt.Sprintf("heartbeat %s failed", heartbeatID), opts...)
}

// SchedulingFailure wraps an error creating the next heartbeat of an agent.
func SchedulingFailure(agentID string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithAgentID(agentID), WithCause(cause)}, opts...)
	return New(ErrCodeScheduling, fmt.Sprintf("scheduling next heartbeat for agent %s", agentID), opts...)
}

// CapabilityMissing reports a tool with no registered implementation.
func CapabilityMissing(tool, capability string, opts ...Option) *Error {
	opts = append([]Option{WithTool(tool), WithMetadata("capability", capability)}, opts...)
	return New(ErrCodeCapabilityMissing,
		fmt.Sprintf("tool %s: capability %q not registered", tool, capability), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// Describe renders a message suitable for persisting on a failed record.
// Nested engine errors are flattened so the stored text is never empty.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		if c := Code(err); c != "" {
			return c.Description()
		}
		return "unknown error"
	}
	return msg
}
