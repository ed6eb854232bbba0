package shutdown

import (
	"context"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
)

// Coordinator runs registered steps phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	steps   []registration
	trigger context.CancelFunc

	once   sync.Once
	done   chan struct{}
	result *Result
}

// NewCoordinator creates a coordinator.
func NewCoordinator(config Config) *Coordinator {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Grace <= 0 {
		config.Grace = def.Grace
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		config: config,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a step to a phase.
func (c *Coordinator) Register(phase Phase, name string, step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, registration{name: name, phase: phase, step: step})
}

// RegisterCloser adds a step that ignores its context, such as Close.
func (c *Coordinator) RegisterCloser(phase Phase, name string, close func() error) {
	c.Register(phase, name, func(context.Context) error { return close() })
}

// Watch returns a context canceled on SIGINT, SIGTERM or Trigger. The
// returned function releases the signal handler.
func (c *Coordinator) Watch(parent context.Context) (context.Context, context.CancelFunc) {
	sigCtx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(sigCtx)

	c.mu.Lock()
	c.trigger = cancel
	c.mu.Unlock()

	return ctx, func() {
		cancel()
		stop()
	}
}

// Trigger cancels the context returned by Watch.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	trigger := c.trigger
	c.mu.Unlock()
	if trigger != nil {
		trigger()
	}
}

// Shutdown runs every phase. Only the first call does any work; later calls
// return ErrAlreadyShutdown.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := ErrAlreadyShutdown
	c.once.Do(func() {
		c.result = c.run(ctx)
		err = c.result.Err
		close(c.done)
	})
	return err
}

// ShutdownWithTimeout runs Shutdown under a deadline. Zero uses the
// configured timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when Shutdown finishes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the shutdown outcome, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()
	c.mu.Lock()
	steps := make([]registration, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	result := &Result{Steps: make([]StepResult, 0, len(steps))}
	var errs []error
	timedOut := false

	for _, group := range groupByPhase(steps) {
		phaseCtx := ctx
		if ctx.Err() != nil {
			if !timedOut {
				c.logger.Warn("shutdown_deadline_passed", map[string]interface{}{"phase": group[0].phase.String()})
				errs = append(errs, ErrTimeout)
				timedOut = true
			}
			var cancel context.CancelFunc
			phaseCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), c.config.Grace)
			results := c.runPhase(phaseCtx, group)
			cancel()
			errs = c.collect(result, results, errs)
			continue
		}
		errs = c.collect(result, c.runPhase(phaseCtx, group), errs)
	}

	result.Duration = time.Since(start)
	result.Err = errors.Join(errs...)
	c.logger.Info("shutdown_complete", map[string]interface{}{
		"duration_ms": result.Duration.Milliseconds(),
		"failed":      result.Failed(),
	})
	return result
}

func (c *Coordinator) collect(result *Result, results []StepResult, errs []error) []error {
	for _, r := range results {
		result.Steps = append(result.Steps, r)
		if r.Err != nil {
			errs = append(errs, errors.Wrap(r.Err, r.Name))
		}
	}
	return errs
}

// runPhase runs one phase's steps concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []StepResult {
	results := make([]StepResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			began := time.Now()
			err := safeRun(ctx, reg.step)
			results[i] = StepResult{Name: reg.name, Phase: reg.phase, Duration: time.Since(began), Err: err}

			fields := map[string]interface{}{
				"step":        reg.name,
				"phase":       reg.phase.String(),
				"duration_ms": results[i].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err
				c.logger.Error("shutdown_step_failed", fields)
				return
			}
			c.logger.Debug("shutdown_step", fields)
		}(i, reg)
	}
	wg.Wait()
	return results
}

func safeRun(ctx context.Context, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return step(ctx)
}

// groupByPhase splits phase-sorted steps into runs of equal phase.
func groupByPhase(steps []registration) [][]registration {
	var groups [][]registration
	for i, s := range steps {
		if i == 0 || s.phase != steps[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], s)
	}
	return groups
}
