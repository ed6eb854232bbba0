package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/store"
	"github.com/vinayprograms/agentloop/supervisor"
	"github.com/vinayprograms/agentloop/telemetry"
)

// EventProcessor dispatches a heartbeat's events and returns the number of
// actions attempted. Implemented by orchestrator.Orchestrator.
type EventProcessor interface {
	ProcessEvents(ctx context.Context, agent *model.Agent, hb *model.Heartbeat, events []*model.Event) (int, error)
}

// WindowPolicy selects how a heartbeat's window start is derived.
type WindowPolicy string

const (
	// WindowContiguous starts at the previous COMPLETED heartbeat's
	// WindowEnd, so consecutive windows tile the timeline.
	WindowContiguous WindowPolicy = "contiguous"

	// WindowFromCompletion starts at the previous COMPLETED heartbeat's
	// CompletedAt. Events created while that heartbeat ran, including those
	// its tools emitted, fall in no window.
	WindowFromCompletion WindowPolicy = "completion"
)

// ParseWindowPolicy parses a policy name. Empty means WindowContiguous.
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch WindowPolicy(s) {
	case "", WindowContiguous:
		return WindowContiguous, nil
	case WindowFromCompletion:
		return WindowFromCompletion, nil
	}
	return "", fmt.Errorf("unknown window policy %q", s)
}

// Options tunes the scheduler and worker.
type Options struct {
	// TickInterval between discovery passes.
	// Default: 60 seconds
	TickInterval time.Duration

	// MinInterval and MaxInterval clamp agent heartbeat intervals.
	// Default: 5 minutes and 1440 minutes
	MinInterval time.Duration
	MaxInterval time.Duration

	// RescheduleOnFailure schedules a retry after a FAILED heartbeat.
	// Default: true
	RescheduleOnFailure bool

	// RetryBase is the first retry delay; it doubles per consecutive failure.
	// Default: 5 minutes
	RetryBase time.Duration

	// WindowPolicy selects the window start rule.
	// Default: WindowContiguous
	WindowPolicy WindowPolicy

	// MaxConcurrent caps concurrently running workers. Zero means no cap.
	MaxConcurrent int

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:        60 * time.Second,
		MinInterval:         5 * time.Minute,
		MaxInterval:         1440 * time.Minute,
		RescheduleOnFailure: true,
		RetryBase:           5 * time.Minute,
		WindowPolicy:        WindowContiguous,
		Clock:               time.Now,
	}
}

// withDefaults fills zero durations. RescheduleOnFailure is taken as given.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.MinInterval <= 0 {
		o.MinInterval = def.MinInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = def.MaxInterval
	}
	if o.RetryBase <= 0 {
		o.RetryBase = def.RetryBase
	}
	if o.WindowPolicy == "" {
		o.WindowPolicy = def.WindowPolicy
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.MinInterval > 0 && o.MaxInterval > 0 && o.MinInterval > o.MaxInterval {
		return fmt.Errorf("min interval %s exceeds max interval %s", o.MinInterval, o.MaxInterval)
	}
	if _, err := ParseWindowPolicy(string(o.WindowPolicy)); err != nil {
		return err
	}
	if o.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative")
	}
	return nil
}

// Config wires a Scheduler.
type Config struct {
	Store     store.Store
	Processor EventProcessor

	// Group runs workers. A group is created when nil.
	Group *supervisor.Group

	Logger *logging.Logger
	Tracer *telemetry.Tracer

	Options Options
}

// ClampInterval converts an agent interval in minutes to a duration within
// [min, max].
func ClampInterval(minutes int, min, max time.Duration) time.Duration {
	d := time.Duration(minutes) * time.Minute
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// RetryDelay returns min(interval, base·2^(attempt-1)). Attempts below 1
// count as 1.
func RetryDelay(interval, base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= interval {
			return interval
		}
	}
	if delay > interval {
		return interval
	}
	return delay
}

// Window computes the window of hb given the agent's previous COMPLETED
// heartbeat, which may be nil. hb must have StartedAt set.
func Window(policy WindowPolicy, prev, hb *model.Heartbeat) model.Window {
	w := model.Window{Start: model.Epoch}
	if hb.StartedAt != nil {
		w.End = *hb.StartedAt
	}
	if prev == nil {
		return w
	}
	switch {
	case policy == WindowContiguous && prev.WindowEnd != nil:
		w.Start = *prev.WindowEnd
	case prev.CompletedAt != nil:
		w.Start = *prev.CompletedAt
	}
	return w
}
