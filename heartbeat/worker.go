package heartbeat

import (
	"context"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/telemetry"
)

// Worker runs one heartbeat's cycle.
type Worker struct {
	sched     *Scheduler
	processor EventProcessor
	logger    *logging.Logger
	tracer    *telemetry.Tracer
}

func newWorker(s *Scheduler, p EventProcessor, logger *logging.Logger, tracer *telemetry.Tracer) *Worker {
	if tracer == nil {
		tracer = telemetry.Noop()
	}
	return &Worker{
		sched:     s,
		processor: p,
		logger:    logger.WithComponent("worker"),
		tracer:    tracer,
	}
}

// cycle is what one heartbeat run produced.
type cycle struct {
	window  model.Window
	events  int
	actions int
}

// ProcessHeartbeat runs an EXECUTING heartbeat: it loads the window's
// events, dispatches them, marks the heartbeat COMPLETED and schedules the
// next one. On failure the heartbeat is marked FAILED, a retry is scheduled
// and the FAILED heartbeat is returned with a HEARTBEAT_FAILURE error.
func (w *Worker) ProcessHeartbeat(ctx context.Context, heartbeatID string) (*model.Heartbeat, error) {
	hb, err := w.sched.store.GetHeartbeat(ctx, heartbeatID)
	if err != nil {
		return nil, err
	}
	if hb.Status != model.HeartbeatExecuting {
		return nil, errors.InvalidState("heartbeat", hb.ID, hb.Status, model.HeartbeatExecuting,
			errors.WithAgentID(hb.AgentID))
	}

	ctx, span := w.tracer.StartHeartbeatSpan(ctx, hb.AgentID, hb.ID)
	began := time.Now()

	c, err := w.run(ctx, hb)
	spanOpts := telemetry.HeartbeatSpanOptions{
		EventsProcessed:  c.events,
		ActionsTriggered: c.actions,
		WindowStart:      c.window.Start,
		WindowEnd:        c.window.End,
	}
	if err != nil {
		spanOpts.Status = string(model.HeartbeatFailed)
		w.tracer.EndHeartbeatSpan(span, spanOpts, err)
		failed := w.fail(ctx, hb, err)
		if failed == nil {
			failed = hb
		}
		return failed, errors.HeartbeatFailure(hb.ID, err, errors.WithAgentID(hb.AgentID))
	}

	completedAt := w.sched.now()
	done, err := w.sched.store.TransitionHeartbeat(context.WithoutCancel(ctx), hb.ID,
		model.HeartbeatExecuting, model.HeartbeatCompleted, model.HeartbeatUpdate{
			CompletedAt:      &completedAt,
			EventsProcessed:  model.Ptr(c.events),
			ActionsTriggered: model.Ptr(c.actions),
			WindowStart:      &c.window.Start,
			WindowEnd:        &c.window.End,
		})
	if err != nil {
		spanOpts.Status = string(model.HeartbeatFailed)
		w.tracer.EndHeartbeatSpan(span, spanOpts, err)
		err = errors.Wrap(err, "completing heartbeat")
		failed := w.fail(ctx, hb, err)
		if failed == nil {
			failed = hb
		}
		return failed, errors.HeartbeatFailure(hb.ID, err, errors.WithAgentID(hb.AgentID))
	}

	spanOpts.Status = string(model.HeartbeatCompleted)
	w.tracer.EndHeartbeatSpan(span, spanOpts, nil)
	w.logger.HeartbeatCompleted(done.AgentID, done.ID, c.events, c.actions, time.Since(began))

	if _, err := w.sched.ScheduleNextHeartbeat(context.WithoutCancel(ctx), done.AgentID, completedAt); err != nil {
		w.logger.Error("schedule_next_failed", map[string]interface{}{
			"agent_id": done.AgentID, "heartbeat_id": done.ID, "error": err,
		})
		return done, err
	}
	return done, nil
}

// run computes the window and dispatches its events. A panic is returned as
// a PANIC error.
func (w *Worker) run(ctx context.Context, hb *model.Heartbeat) (c cycle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()

	agent, err := w.sched.store.GetAgent(ctx, hb.AgentID)
	if err != nil {
		return c, err
	}

	prev, err := w.sched.store.LastCompletedHeartbeat(ctx, hb.AgentID)
	if err != nil {
		return c, errors.Wrap(err, "loading previous heartbeat")
	}
	c.window = Window(w.sched.opts.WindowPolicy, prev, hb)

	events, err := w.sched.store.GetEventsInWindow(ctx, hb.AgentID, c.window.Start, c.window.End)
	if err != nil {
		return c, errors.Wrap(err, "loading window events")
	}
	c.events = len(events)

	w.logger.Debug("window_loaded", map[string]interface{}{
		"agent_id":     hb.AgentID,
		"heartbeat_id": hb.ID,
		"window_start": c.window.Start,
		"window_end":   c.window.End,
		"events":       c.events,
	})

	c.actions, err = w.processor.ProcessEvents(ctx, agent, hb, events)
	return c, err
}

// fail marks hb FAILED and, when enabled, schedules a retry. It returns the
// FAILED heartbeat, or nil if the transition did not happen.
func (w *Worker) fail(ctx context.Context, hb *model.Heartbeat, cause error) *model.Heartbeat {
	ctx = context.WithoutCancel(ctx)
	failedAt := w.sched.now()
	msg := errors.Describe(cause)

	failed, err := w.sched.store.TransitionHeartbeat(ctx, hb.ID, model.HeartbeatExecuting, model.HeartbeatFailed,
		model.HeartbeatUpdate{CompletedAt: &failedAt, ErrorMessage: &msg})
	if err != nil {
		w.logger.Error("heartbeat_fail_failed", map[string]interface{}{
			"agent_id": hb.AgentID, "heartbeat_id": hb.ID, "error": err, "cause": msg,
		})
		return nil
	}
	w.logger.HeartbeatFailed(hb.AgentID, hb.ID, cause)

	if !w.sched.opts.RescheduleOnFailure {
		return failed
	}
	if _, err := w.sched.ScheduleRetry(ctx, hb.AgentID, failedAt, failed.Attempt+1); err != nil {
		w.logger.Error("schedule_retry_failed", map[string]interface{}{
			"agent_id": hb.AgentID, "heartbeat_id": hb.ID, "error": err,
		})
	}
	return failed
}
