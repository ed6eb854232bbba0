package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where a later cycle may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures a retry will not fix.
	// Examples: unknown heartbeat, illegal status transition.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted records.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Lookup and state errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"     // Record does not exist
	ErrCodeInvalidState ErrorCode = "INVALID_STATE" // Record is not in the status the operation requires
	ErrCodeConflict     ErrorCode = "CONFLICT"      // Conditional transition lost a race
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed record or configuration

	// Engine errors
	ErrCodeToolExecution     ErrorCode = "TOOL_EXECUTION_FAILURE" // A tool run failed; isolated to its action
	ErrCodeHeartbeat         ErrorCode = "HEARTBEAT_FAILURE"      // A heartbeat cycle failed
	ErrCodeScheduling        ErrorCode = "SCHEDULING_FAILURE"     // The next heartbeat could not be created
	ErrCodeCapabilityMissing ErrorCode = "CAPABILITY_MISSING"     // No runtime implementation registered for a tool

	// Runtime errors
	ErrCodeTimeout  ErrorCode = "TIMEOUT"  // Operation timed out
	ErrCodeCanceled ErrorCode = "CANCELED" // Operation was canceled
	ErrCodeStorage  ErrorCode = "STORAGE"  // Persistence layer failure
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeStorage, ErrCodeConflict, ErrCodeScheduling, ErrCodeHeartbeat:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidState, ErrCodeInvalidInput, ErrCodeCanceled,
		ErrCodeToolExecution, ErrCodeCapabilityMissing:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeNotFound:          "record not found",
	ErrCodeInvalidState:      "record in unexpected status",
	ErrCodeConflict:          "concurrent transition conflict",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeToolExecution:     "tool execution failed",
	ErrCodeHeartbeat:         "heartbeat failed",
	ErrCodeScheduling:        "scheduling failed",
	ErrCodeCapabilityMissing: "tool capability not registered",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeStorage:           "storage failure",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
