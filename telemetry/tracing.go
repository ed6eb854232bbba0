// Package telemetry provides OpenTelemetry tracing for heartbeat cycles and
// tool actions.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps an OpenTelemetry tracer with engine-specific spans.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include tool output in span attributes
}

// NewTracer creates a tracer from the global provider.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{tracer: otel.Tracer(name), debug: debug}
}

// NewTracerFromProvider creates a tracer from an explicit provider.
func NewTracerFromProvider(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// Noop returns a tracer that records nothing.
func Noop() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// Debug returns whether tool output is attached to spans.
func (t *Tracer) Debug() bool {
	return t.debug
}

// --- Heartbeat Spans ---

// HeartbeatSpanOptions are recorded when a heartbeat span ends.
type HeartbeatSpanOptions struct {
	Status           string
	EventsProcessed  int
	ActionsTriggered int
	WindowStart      time.Time
	WindowEnd        time.Time
}

// StartHeartbeatSpan starts the span covering one heartbeat cycle.
func (t *Tracer) StartHeartbeatSpan(ctx context.Context, agentID, heartbeatID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "heartbeat", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("heartbeat.id", heartbeatID),
	)
	return ctx, span
}

// EndHeartbeatSpan ends a heartbeat span.
func (t *Tracer) EndHeartbeatSpan(span trace.Span, opts HeartbeatSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("heartbeat.status", opts.Status),
		attribute.Int("heartbeat.events_processed", opts.EventsProcessed),
		attribute.Int("heartbeat.actions_triggered", opts.ActionsTriggered),
	}
	if !opts.WindowEnd.IsZero() {
		attrs = append(attrs,
			attribute.String("heartbeat.window_start", opts.WindowStart.UTC().Format(time.RFC3339Nano)),
			attribute.String("heartbeat.window_end", opts.WindowEnd.UTC().Format(time.RFC3339Nano)),
		)
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

// --- Action Spans ---

// ActionSpanOptions are recorded when an action span ends.
type ActionSpanOptions struct {
	ActionID  string
	Status    string
	Duration  time.Duration
	NewEvents int
	Output    map[string]interface{} // Only included if debug=true
}

// StartActionSpan starts a span for one tool invocation.
func (t *Tracer) StartActionSpan(ctx context.Context, toolName, eventID, eventType string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "tool."+toolName, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tool.name", toolName),
		attribute.String("event.id", eventID),
		attribute.String("event.type", eventType),
	)
	return ctx, span
}

// EndActionSpan ends an action span.
func (t *Tracer) EndActionSpan(span trace.Span, opts ActionSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("action.id", opts.ActionID),
		attribute.String("action.status", opts.Status),
		attribute.Int64("action.duration_ms", opts.Duration.Milliseconds()),
		attribute.Int("action.new_events", opts.NewEvents),
	}
	if t.debug {
		for k, v := range opts.Output {
			attrs = append(attrs, attribute.String("action.output."+k, truncateAny(v, 500)))
		}
	}
	span.SetAttributes(attrs...)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func truncateAny(v interface{}, maxLen int) string {
	if s, ok := v.(string); ok {
		return truncate(s, maxLen)
	}
	return truncate(fmt.Sprint(v), maxLen)
}
