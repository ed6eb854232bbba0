package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/store"
	"github.com/vinayprograms/agentloop/supervisor"
)

// tickSource stamps HEARTBEAT events.
const tickSource = "scheduler"

// Scheduler discovers due heartbeats and runs them.
type Scheduler struct {
	store  store.Store
	worker *Worker
	group  *supervisor.Group
	logger *logging.Logger
	opts   Options

	// workCtx outlives Start's context so workers can finish during shutdown.
	workCtx    context.Context
	cancelWork context.CancelFunc

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler and its worker.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil || cfg.Processor == nil {
		return nil, errors.InvalidInput("scheduler needs a store and an event processor")
	}
	if err := cfg.Options.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid scheduler options")
	}
	opts := cfg.Options.withDefaults()

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	group := cfg.Group
	if group == nil {
		group = supervisor.New(logger, supervisor.Config{Limit: opts.MaxConcurrent})
	}

	s := &Scheduler{
		store:  cfg.Store,
		group:  group,
		logger: logger.WithComponent("scheduler"),
		opts:   opts,
	}
	s.workCtx, s.cancelWork = context.WithCancel(context.Background())
	s.worker = newWorker(s, cfg.Processor, logger, cfg.Tracer)
	return s, nil
}

// Worker returns the scheduler's worker.
func (s *Scheduler) Worker() *Worker {
	return s.worker
}

// Group returns the task group running workers.
func (s *Scheduler) Group() *supervisor.Group {
	return s.group
}

// IsRunning reports whether the discovery loop is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Start runs one discovery pass immediately, then one per TickInterval,
// until Stop is called or ctx is done. Starting a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return
	}
	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.logger.Info("scheduler_started", map[string]interface{}{"tick_interval": s.opts.TickInterval})
	go s.run(ctx, s.stopCh, s.doneCh)
}

func (s *Scheduler) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	s.tick(ctx)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-stop:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.ProcessPendingHeartbeats(ctx)
	if err != nil {
		s.logger.Error("discovery_failed", map[string]interface{}{"error": err})
		return
	}
	if n > 0 {
		s.logger.Debug("discovery_pass", map[string]interface{}{"promoted": n})
	}
}

// Stop stops the discovery loop and waits for it to exit. Running workers
// are not waited for; use Shutdown for that. Stopping a stopped scheduler
// is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doneCh == nil {
		return
	}
	if s.running.Swap(false) {
		close(s.stopCh)
	}
	<-s.doneCh
	s.doneCh = nil
	s.logger.Info("scheduler_stopped")
}

// Shutdown stops the loop and waits for running workers until ctx is done.
// Workers still running at the deadline are canceled; their heartbeats
// end FAILED.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Stop()

	err := s.group.Wait(ctx)
	if ctx.Err() == nil {
		s.cancelWork()
		return nil
	}

	s.cancelWork()
	grace, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.group.Wait(grace)
	return err
}

// ProcessPendingHeartbeats promotes and runs every due PENDING heartbeat.
// It returns the number promoted. Failures of individual heartbeats are
// logged and do not stop the pass.
func (s *Scheduler) ProcessPendingHeartbeats(ctx context.Context) (int, error) {
	due, err := s.store.GetDueHeartbeats(ctx, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "loading due heartbeats")
	}

	promoted := 0
	for _, hb := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.ExecuteHeartbeat(ctx, hb)
		if err != nil {
			s.logger.Error("promotion_failed", map[string]interface{}{
				"agent_id": hb.AgentID, "heartbeat_id": hb.ID, "error": err,
			})
			continue
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

// ExecuteHeartbeat promotes hb to EXECUTING, appends its HEARTBEAT event and
// starts a worker for it. It reports whether hb was promoted. Losing the
// promotion race is not an error. Failures after promotion are recorded on
// the heartbeat.
func (s *Scheduler) ExecuteHeartbeat(ctx context.Context, hb *model.Heartbeat) (bool, error) {
	started := s.now()
	promoted, err := s.store.TransitionHeartbeat(ctx, hb.ID, model.HeartbeatPending, model.HeartbeatExecuting,
		model.HeartbeatUpdate{StartedAt: &started})
	if err != nil {
		if errors.Is(err, errors.ErrCodeConflict) {
			s.logger.Debug("promotion_skipped", map[string]interface{}{
				"agent_id": hb.AgentID, "heartbeat_id": hb.ID, "reason": err.Error(),
			})
			return false, nil
		}
		return false, err
	}
	s.logger.HeartbeatStarted(promoted.AgentID, promoted.ID, promoted.ScheduledAt)

	// The tick is the last event of the window it opens.
	tick := &model.Event{
		AgentID:   promoted.AgentID,
		EventType: model.EventHeartbeat,
		Priority:  model.PriorityHighest,
		Source:    tickSource,
		CreatedAt: started.Add(-time.Nanosecond),
		Payload: model.MustPayload(model.HeartbeatPayload{
			HeartbeatID: promoted.ID,
			ScheduledAt: promoted.ScheduledAt,
		}),
	}
	if err := s.store.AppendEvent(ctx, tick); err != nil {
		s.worker.fail(ctx, promoted, errors.Wrap(err, "appending heartbeat event"))
		return true, nil
	}

	id := promoted.ID
	if !s.group.Go("heartbeat "+id, func() error {
		_, err := s.worker.ProcessHeartbeat(s.workCtx, id)
		return err
	}) {
		s.worker.fail(ctx, promoted, errors.New(errors.ErrCodeCanceled, "scheduler is shutting down"))
	}
	return true, nil
}

// CreateInitialHeartbeat seeds a PENDING heartbeat due now. If the agent
// already has a PENDING or EXECUTING heartbeat, that one is returned.
func (s *Scheduler) CreateInitialHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	if _, err := s.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	active, err := s.store.ActiveHeartbeat(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	hb := &model.Heartbeat{AgentID: agentID, Status: model.HeartbeatPending, ScheduledAt: s.now()}
	if err := s.store.CreateHeartbeat(ctx, hb); err != nil {
		return nil, errors.SchedulingFailure(agentID, err)
	}
	s.logger.Info("heartbeat_seeded", map[string]interface{}{"agent_id": agentID, "heartbeat_id": hb.ID})
	return hb, nil
}

// ScheduleNextHeartbeat creates the agent's next PENDING heartbeat at
// previousCompletedAt plus the agent's clamped interval.
func (s *Scheduler) ScheduleNextHeartbeat(ctx context.Context, agentID string, previousCompletedAt time.Time) (*model.Heartbeat, error) {
	interval, err := s.interval(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, agentID, previousCompletedAt.Add(interval), 0)
}

// ScheduleRetry creates a PENDING heartbeat after a failed one. attempt is
// the number of consecutive failures, counting the one just recorded.
func (s *Scheduler) ScheduleRetry(ctx context.Context, agentID string, failedAt time.Time, attempt int) (*model.Heartbeat, error) {
	interval, err := s.interval(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return s.schedule(ctx, agentID, failedAt.Add(RetryDelay(interval, s.opts.RetryBase, attempt)), attempt)
}

// RecoverInterrupted fails EXECUTING heartbeats left behind by a previous
// process and schedules their retries. It must only run while no other
// scheduler shares the store.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing agents")
	}
	recovered := 0
	for _, agent := range agents {
		hb, err := s.store.ActiveHeartbeat(ctx, agent.ID)
		if err != nil {
			return recovered, err
		}
		if hb == nil || hb.Status != model.HeartbeatExecuting {
			continue
		}
		if s.worker.fail(ctx, hb, errors.New(errors.ErrCodeCanceled, "interrupted by restart")) != nil {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Warn("interrupted_heartbeats_recovered", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

func (s *Scheduler) interval(ctx context.Context, agentID string) (time.Duration, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, errors.SchedulingFailure(agentID, err)
	}
	return ClampInterval(agent.HeartbeatInterval, s.opts.MinInterval, s.opts.MaxInterval), nil
}

func (s *Scheduler) schedule(ctx context.Context, agentID string, at time.Time, attempt int) (*model.Heartbeat, error) {
	hb := &model.Heartbeat{
		AgentID:     agentID,
		Status:      model.HeartbeatPending,
		ScheduledAt: at.UTC(),
		Attempt:     attempt,
	}
	if err := s.store.CreateHeartbeat(ctx, hb); err != nil {
		return nil, errors.SchedulingFailure(agentID, err)
	}
	s.logger.Debug("heartbeat_scheduled", map[string]interface{}{
		"agent_id": agentID, "heartbeat_id": hb.ID, "scheduled_at": hb.ScheduledAt, "attempt": attempt,
	})
	return hb, nil
}

func (s *Scheduler) now() time.Time {
	return s.opts.Clock().UTC()
}
