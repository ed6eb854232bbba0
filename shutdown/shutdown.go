package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/agentloop/logging"
)

var (
	// ErrAlreadyShutdown is returned by every Shutdown call after the first.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates the deadline passed before all phases ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")
)

// Phase orders shutdown steps. Lower phases run first.
type Phase int

const (
	PhaseIntake Phase = 10 // stop producing new work
	PhaseDrain  Phase = 20 // let in-flight heartbeats finish
	PhaseFlush  Phase = 30 // export buffered telemetry
	PhaseClose  Phase = 40 // release indexes and storage
)

func (p Phase) String() string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseDrain:
		return "drain"
	case PhaseFlush:
		return "flush"
	case PhaseClose:
		return "close"
	}
	return "custom"
}

// Step stops one component. It should return once ctx is done.
type Step func(ctx context.Context) error

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Phase    Phase
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	Duration time.Duration
	Steps    []StepResult
	Err      error
}

// Failed lists the names of steps that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 30 seconds.
	Timeout time.Duration

	// Grace bounds each phase that starts after the deadline. Default: 5 seconds.
	Grace time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns a Config with default timeouts.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Grace:   5 * time.Second,
	}
}

type registration struct {
	name  string
	phase Phase
	step  Step
}
