package tools

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterFunc("summarizer", func(ctx context.Context, req *Request) (*Response, error) {
		return OK(nil), nil
	}); err != nil {
		t.Fatalf("RegisterFunc: %v", err)
	}

	if !r.Has("summarizer") {
		t.Error("Has(summarizer) = false, want true")
	}
	if r.Get("missing") != nil {
		t.Error("Get(missing) should be nil")
	}
	resp, err := r.Get("summarizer").Run(context.Background(), &Request{})
	if err != nil || !resp.Success {
		t.Errorf("Run() = %+v, %v", resp, err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	fn := func(ctx context.Context, req *Request) (*Response, error) { return OK(nil), nil }
	if err := r.RegisterFunc("poster", fn); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterFunc("poster", fn); err == nil {
		t.Error("second Register of the same name should fail")
	}
	if err := r.RegisterFunc("", fn); err == nil {
		t.Error("Register with empty name should fail")
	}
	if err := r.RegisterFunc("nil", nil); err == nil {
		t.Error("RegisterFunc with nil function should fail")
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r, Builtins{}); err != nil {
		t.Fatal(err)
	}
	got := r.Names()
	want := []string{EmitName, WebhookName}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestConfigAccessors(t *testing.T) {
	c := Config{
		"url":      "http://example.test",
		"empty":    "",
		"count":    float64(3),
		"count64":  int64(4),
		"timeout":  "250ms",
		"seconds":  7,
		"headers":  map[string]interface{}{"X-Key": "abc", "bad": 1},
		"not_text": 12,
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"StringOr present", c.StringOr("url", "x"), "http://example.test"},
		{"StringOr empty", c.StringOr("empty", "x"), "x"},
		{"IntOr float", c.IntOr("count", 0), 3},
		{"IntOr int64", c.IntOr("count64", 0), 4},
		{"IntOr missing", c.IntOr("missing", 9), 9},
		{"DurationOr string", c.DurationOr("timeout", time.Second), 250 * time.Millisecond},
		{"DurationOr seconds", c.DurationOr("seconds", time.Second), 7 * time.Second},
		{"DurationOr missing", c.DurationOr("missing", time.Second), time.Second},
		{"StringMap", c.StringMap("headers"), map[string]string{"X-Key": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !reflect.DeepEqual(tt.got, tt.want) {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if _, err := c.String("empty"); err == nil {
		t.Error("String(empty) should fail")
	}
	if _, err := c.String("not_text"); err == nil {
		t.Error("String(not_text) should fail")
	}
	if _, err := c.String("missing"); err == nil {
		t.Error("String(missing) should fail")
	}
}
