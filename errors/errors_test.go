package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

type status string

func (s status) String() string { return string(s) }

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
	}{
		{"not_found", ErrCodeNotFound, CategoryPermanent},
		{"invalid_state", ErrCodeInvalidState, CategoryPermanent},
		{"conflict", ErrCodeConflict, CategoryTransient},
		{"tool", ErrCodeToolExecution, CategoryPermanent},
		{"heartbeat", ErrCodeHeartbeat, CategoryTransient},
		{"scheduling", ErrCodeScheduling, CategoryTransient},
		{"timeout", ErrCodeTimeout, CategoryTransient},
		{"panic", ErrCodePanic, CategoryInternal},
		{"unknown", ErrorCode("WHATEVER"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Error() != "msg" {
				t.Errorf("Error() = %v, want %v", err.Error(), "msg")
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("boom")

	nf := NotFound("heartbeat", "hb-1")
	if nf.Error() != "heartbeat hb-1 not found" {
		t.Errorf("Error() = %q", nf.Error())
	}
	if nf.Metadata()["kind"] != "heartbeat" {
		t.Errorf("kind = %q, want heartbeat", nf.Metadata()["kind"])
	}

	is := InvalidState("heartbeat", "hb-1", status("PENDING"), status("EXECUTING"))
	if is.Code() != ErrCodeInvalidState {
		t.Errorf("Code() = %v, want %v", is.Code(), ErrCodeInvalidState)
	}
	if !strings.Contains(is.Error(), "is PENDING, expected EXECUTING") {
		t.Errorf("Error() = %q", is.Error())
	}

	tf := ToolExecutionFailure("summarizer", cause, WithActionID("a-1"))
	if tf.Metadata()["tool"] != "summarizer" || tf.Metadata()["action_id"] != "a-1" {
		t.Errorf("Metadata() = %v", tf.Metadata())
	}
	if !errors.Is(tf, cause) {
		t.Error("ToolExecutionFailure should wrap its cause")
	}

	hf := HeartbeatFailure("hb-2", cause)
	if hf.Metadata()["heartbeat_id"] != "hb-2" {
		t.Errorf("heartbeat_id = %q", hf.Metadata()["heartbeat_id"])
	}

	sf := SchedulingFailure("agent-1", cause)
	if sf.Code() != ErrCodeScheduling || sf.Metadata()["agent_id"] != "agent-1" {
		t.Errorf("SchedulingFailure = %v %v", sf.Code(), sf.Metadata())
	}

	cm := CapabilityMissing("poster", "post")
	if !strings.Contains(cm.Error(), `"post"`) {
		t.Errorf("Error() = %q", cm.Error())
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"structured keeps code", NotFound("agent", "a"), ErrCodeNotFound},
		{"deadline", context.DeadlineExceeded, ErrCodeTimeout},
		{"canceled", fmt.Errorf("run: %w", context.Canceled), ErrCodeCanceled},
		{"plain", fmt.Errorf("disk"), ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(tt.err, "ctx")
			if got.Code() != tt.want {
				t.Errorf("Code() = %v, want %v", got.Code(), tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Error("wrapped error should match original with errors.Is")
			}
		})
	}
}

func TestWrapPreservesMetadata(t *testing.T) {
	inner := NotFound("agent", "a", WithAgentID("a"))
	outer := Wrap(inner, "loading", WithHeartbeatID("hb"))
	md := outer.Metadata()
	if md["agent_id"] != "a" || md["heartbeat_id"] != "hb" {
		t.Errorf("Metadata() = %v", md)
	}
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", InvalidInput("bad"))
	if !Is(err, ErrCodeInvalidInput) {
		t.Error("Is() should find code through fmt wrapping")
	}
	if Is(err, ErrCodeNotFound) {
		t.Error("Is() matched wrong code")
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code() of plain error should be empty")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
	if !IsRetryable(Conflict("lost")) {
		t.Error("conflict should be retryable")
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Error("RecoverPanic(nil) should be nil")
	}
	err := RecoverPanic("kaboom")
	if err.Code() != ErrCodePanic {
		t.Errorf("Code() = %v, want %v", err.Code(), ErrCodePanic)
	}
	if err.Error() != "panic: kaboom" {
		t.Errorf("Error() = %q", err.Error())
	}
	if RecoverPanic(fmt.Errorf("e")).Metadata()["panic_value"] != "*errors.errorString" {
		t.Errorf("panic_value = %q", RecoverPanic(fmt.Errorf("e")).Metadata()["panic_value"])
	}
}

func TestDescribe(t *testing.T) {
	if Describe(nil) != "" {
		t.Error("Describe(nil) should be empty")
	}
	if Describe(New(ErrCodeTimeout, "")) != "operation timed out" {
		t.Errorf("Describe() = %q", Describe(New(ErrCodeTimeout, "")))
	}
	if Describe(fmt.Errorf("disk full")) != "disk full" {
		t.Errorf("Describe() = %q", Describe(fmt.Errorf("disk full")))
	}
}

func TestFields(t *testing.T) {
	f := New(ErrCodeConflict, "lost", WithAgentID("a")).Fields()
	if f["error_code"] != "CONFLICT" || f["agent_id"] != "a" || f["error"] != "lost" {
		t.Errorf("Fields() = %v", f)
	}
}
