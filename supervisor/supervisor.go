// Package supervisor runs independent background tasks. A task's error or
// panic is logged and never cancels its siblings; the group can be drained
// at shutdown.
package supervisor

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
)

// Group supervises background tasks.
type Group struct {
	eg     errgroup.Group
	logger *logging.Logger

	active   atomic.Int64
	failures atomic.Int64
	closed   atomic.Bool

	onError func(name string, err error)
}

// Config configures a Group.
type Config struct {
	// Limit caps concurrently running tasks; Go blocks at the cap.
	// Zero means no limit.
	Limit int

	// OnError is called after a task fails or panics.
	OnError func(name string, err error)
}

// New creates a group.
func New(logger *logging.Logger, cfg Config) *Group {
	if logger == nil {
		logger = logging.Nop()
	}
	g := &Group{logger: logger.WithComponent("supervisor"), onError: cfg.OnError}
	if cfg.Limit > 0 {
		g.eg.SetLimit(cfg.Limit)
	}
	return g
}

// Go starts fn as a supervised task. It returns false if the group is closed.
func (g *Group) Go(name string, fn func() error) bool {
	if g.closed.Load() {
		g.logger.Warn("task_rejected", map[string]interface{}{"task": name})
		return false
	}
	g.active.Add(1)
	g.eg.Go(func() (err error) {
		defer g.active.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
			}
			if err != nil {
				g.failures.Add(1)
				g.logger.Error("task_failed", map[string]interface{}{"task": name, "error": err})
				if g.onError != nil {
					g.onError(name, err)
				}
			}
		}()
		return fn()
	})
	return true
}

// Active returns the number of running tasks.
func (g *Group) Active() int {
	return int(g.active.Load())
}

// Failures returns how many tasks have failed or panicked.
func (g *Group) Failures() int {
	return int(g.failures.Load())
}

// Close stops the group from accepting new tasks.
func (g *Group) Close() {
	g.closed.Store(true)
}

// Wait closes the group and blocks until every task has returned or ctx is
// done. It returns the first task error, or ctx's error on timeout.
func (g *Group) Wait(ctx context.Context) error {
	g.Close()
	done := make(chan error, 1)
	go func() { done <- g.eg.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		g.logger.Warn("drain_timeout", map[string]interface{}{"active": g.Active()})
		return errors.Wrap(ctx.Err(), "waiting for supervised tasks")
	}
}
