// Package orchestrator fans a heartbeat's events out to subscribed tools and
// records every attempt in the action log.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/store"
	"github.com/vinayprograms/agentloop/telemetry"
	"github.com/vinayprograms/agentloop/tools"
)

const (
	// DefaultActionTimeout bounds a single tool invocation.
	DefaultActionTimeout = 2 * time.Minute

	// DefaultRecentContentLimit is how many recent content entries go into
	// the agent context.
	DefaultRecentContentLimit = 5

	// sourceActionKey links an emitted event to the action that produced it.
	sourceActionKey = "source_action_id"
)

// ContentSource supplies an agent's recent content. Implemented by
// memory.ContentIndex.
type ContentSource interface {
	Recent(ctx context.Context, agentID string, limit int) ([]string, error)
}

// Config configures an Orchestrator.
type Config struct {
	Store    store.Store
	Registry *tools.Registry

	// Content is optional.
	Content ContentSource

	Tracer *telemetry.Tracer
	Logger *logging.Logger

	ActionTimeout      time.Duration
	RecentContentLimit int

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Orchestrator dispatches events to tools.
type Orchestrator struct {
	store    store.Store
	registry *tools.Registry
	content  ContentSource
	tracer   *telemetry.Tracer
	logger   *logging.Logger

	actionTimeout time.Duration
	recentLimit   int
	now           func() time.Time
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, errors.InvalidInput("orchestrator needs a store and a tool registry")
	}
	o := &Orchestrator{
		store:         cfg.Store,
		registry:      cfg.Registry,
		content:       cfg.Content,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger,
		actionTimeout: cfg.ActionTimeout,
		recentLimit:   cfg.RecentContentLimit,
		now:           cfg.Clock,
	}
	if o.tracer == nil {
		o.tracer = telemetry.Noop()
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	o.logger = o.logger.WithComponent("orchestrator")
	if o.actionTimeout <= 0 {
		o.actionTimeout = DefaultActionTimeout
	}
	if o.recentLimit <= 0 {
		o.recentLimit = DefaultRecentContentLimit
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o, nil
}

// dispatchRun caches lookups for one ProcessEvents call.
type dispatchRun struct {
	agent    *model.Agent
	hb       *model.Heartbeat
	agentCtx tools.AgentContext
	subs     map[model.EventType][]*model.ToolSubscription
	tools    map[string]*model.Tool
}

// ProcessEvents dispatches events, in order, to their subscribed tools and
// returns the number of actions created. Tool failures are recorded on their
// actions and do not stop the run. Only a failure to load subscriptions, or
// cancellation of ctx, ends the run early with an error.
func (o *Orchestrator) ProcessEvents(ctx context.Context, agent *model.Agent, hb *model.Heartbeat, events []*model.Event) (int, error) {
	run := &dispatchRun{
		agent:    agent,
		hb:       hb,
		agentCtx: o.agentContext(ctx, agent),
		subs:     make(map[model.EventType][]*model.ToolSubscription),
		tools:    make(map[string]*model.Tool),
	}

	attempted := 0
	for _, ev := range events {
		subs, err := o.subscriptions(ctx, run, ev.EventType)
		if err != nil {
			return attempted, err
		}
		for _, sub := range subs {
			if err := ctx.Err(); err != nil {
				return attempted, errors.Wrap(err, "event dispatch interrupted",
					errors.WithHeartbeatID(hb.ID), errors.WithAgentID(agent.ID))
			}
			if o.dispatch(ctx, run, ev, sub) {
				attempted++
			}
		}
	}
	return attempted, nil
}

func (o *Orchestrator) subscriptions(ctx context.Context, run *dispatchRun, eventType model.EventType) ([]*model.ToolSubscription, error) {
	if subs, ok := run.subs[eventType]; ok {
		return subs, nil
	}
	subs, err := o.store.GetActiveSubscriptions(ctx, eventType)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("loading subscriptions for %s", eventType),
			errors.WithHeartbeatID(run.hb.ID))
	}
	run.subs[eventType] = subs
	return subs, nil
}

func (o *Orchestrator) tool(ctx context.Context, run *dispatchRun, id string) (*model.Tool, error) {
	if t, ok := run.tools[id]; ok {
		return t, nil
	}
	t, err := o.store.GetTool(ctx, id)
	if err != nil {
		return nil, err
	}
	run.tools[id] = t
	return t, nil
}

// dispatch handles one (event, subscription) pair and reports whether an
// action was created.
func (o *Orchestrator) dispatch(ctx context.Context, run *dispatchRun, ev *model.Event, sub *model.ToolSubscription) bool {
	fields := map[string]interface{}{"event_id": ev.ID, "event_type": ev.EventType, "tool_id": sub.ToolID}

	rec, err := o.tool(ctx, run, sub.ToolID)
	if err != nil {
		o.logger.Warn("tool_lookup_failed", merge(fields, map[string]interface{}{"error": err}))
		return false
	}
	if !rec.IsActive {
		return false
	}
	impl := o.registry.Get(rec.CapabilityName())
	if impl == nil {
		o.logger.Warn("capability_missing", merge(fields, map[string]interface{}{
			"tool": rec.Name, "capability": rec.CapabilityName(),
		}))
		return false
	}
	if !Matches(sub.Filter, ev) {
		o.logger.Debug("filtered_out", merge(fields, map[string]interface{}{"tool": rec.Name}))
		return false
	}

	action := &model.Action{
		AgentID:        run.agent.ID,
		ToolID:         rec.ID,
		HeartbeatID:    run.hb.ID,
		EventID:        ev.ID,
		ParentActionID: parentAction(ev),
		RequestMeta: map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": string(ev.EventType),
			"tool":       rec.Name,
			"capability": rec.CapabilityName(),
			"agent_id":   run.agent.ID,
			"config":     rec.Config,
		},
	}
	if err := o.store.CreateAction(ctx, action); err != nil {
		o.logger.Error("action_create_failed", merge(fields, map[string]interface{}{"error": err}))
		return false
	}

	o.execute(ctx, run, ev, rec, impl, action)
	return true
}

// execute runs the tool for a created action and records the outcome.
func (o *Orchestrator) execute(ctx context.Context, run *dispatchRun, ev *model.Event, rec *model.Tool, impl tools.Tool, action *model.Action) {
	// Bookkeeping writes must land even if ctx is canceled mid-action.
	bookCtx := context.WithoutCancel(ctx)

	started := o.now().UTC()
	if _, err := o.store.UpdateAction(bookCtx, action.ID, model.ActionPending, model.ActionUpdate{
		Status:    model.ActionRunning,
		StartedAt: &started,
	}); err != nil {
		o.fail(bookCtx, action.ID, model.ActionPending, started, nil, errors.Wrap(err, "starting action"))
		return
	}

	spanCtx, span := o.tracer.StartActionSpan(ctx, rec.Name, ev.ID, string(ev.EventType))
	resp, err := o.run(spanCtx, impl, &tools.Request{
		Event:        ev,
		AgentContext: run.agentCtx,
		ToolConfig:   tools.Config(rec.Config),
	})
	if err == nil {
		err = o.appendNewEvents(bookCtx, run, rec, action, resp.NewEvents)
	}
	elapsed := o.now().UTC().Sub(started)

	opts := telemetry.ActionSpanOptions{ActionID: action.ID, Duration: elapsed}
	if resp != nil {
		opts.Output = resp.Output
		opts.NewEvents = len(resp.NewEvents)
	}
	if err != nil {
		err = errors.ToolExecutionFailure(rec.Name, err, errors.WithActionID(action.ID), errors.WithAgentID(run.agent.ID))
		opts.Status = string(model.ActionFailed)
		o.tracer.EndActionSpan(span, opts, err)
		o.fail(bookCtx, action.ID, model.ActionRunning, started, resp, err)
		o.logger.ActionResult(rec.Name, action.ID, elapsed, err)
		return
	}

	opts.Status = string(model.ActionCompleted)
	o.tracer.EndActionSpan(span, opts, nil)
	completed := o.now().UTC()
	if _, err := o.store.UpdateAction(bookCtx, action.ID, model.ActionRunning, model.ActionUpdate{
		Status:          model.ActionCompleted,
		ResponseMeta:    responseMeta(resp),
		ExecutionTimeMs: model.Ptr(elapsed.Milliseconds()),
		CompletedAt:     &completed,
	}); err != nil {
		o.logger.Error("action_complete_failed", map[string]interface{}{"action_id": action.ID, "error": err})
		return
	}
	o.logger.ActionResult(rec.Name, action.ID, elapsed, nil)
}

type runResult struct {
	resp *tools.Response
	err  error
}

// run invokes the tool under the action timeout. A tool that ignores its
// context is abandoned when the timeout fires.
func (o *Orchestrator) run(ctx context.Context, impl tools.Tool, req *tools.Request) (*tools.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, o.actionTimeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: errors.RecoverPanic(r)}
			}
		}()
		resp, err := impl.Run(ctx, req)
		done <- runResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return res.resp, errors.Wrap(ctx.Err(), res.err.Error())
			}
			return res.resp, res.err
		}
		if res.resp == nil {
			return nil, errors.Internal("tool returned no response")
		}
		if !res.resp.Success {
			msg := res.resp.Error
			if msg == "" {
				msg = "tool reported failure"
			}
			return res.resp, errors.New(errors.ErrCodeToolExecution, msg)
		}
		return res.resp, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), fmt.Sprintf("tool %s did not finish within %s", impl.Name(), o.actionTimeout))
	}
}

// appendNewEvents persists the events a tool emitted.
func (o *Orchestrator) appendNewEvents(ctx context.Context, run *dispatchRun, rec *model.Tool, action *model.Action, events []tools.NewEvent) error {
	for i, ne := range events {
		if ne.EventType == "" {
			return errors.InvalidInput(fmt.Sprintf("new event %d has no type", i))
		}
		data := make(map[string]interface{}, len(ne.Payload)+1)
		for k, v := range ne.Payload {
			data[k] = v
		}
		if _, ok := data[sourceActionKey]; !ok {
			data[sourceActionKey] = action.ID
		}
		agentID := ne.AgentID
		if agentID == "" {
			agentID = run.agent.ID
		}
		ev := &model.Event{
			AgentID:   agentID,
			EventType: ne.EventType,
			Payload:   model.Payload{Version: model.PayloadVersion, Data: data},
			Source:    "tool:" + rec.Name,
			Priority:  model.ClampPriority(ne.Priority),
			CreatedAt: o.now().UTC(),
		}
		if err := o.store.AppendEvent(ctx, ev); err != nil {
			return errors.Wrap(err, fmt.Sprintf("persisting new event %d", i))
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, actionID string, from model.ActionStatus, started time.Time, resp *tools.Response, cause error) {
	completed := o.now().UTC()
	upd := model.ActionUpdate{
		Status:       model.ActionFailed,
		ErrorMessage: model.Ptr(errors.Describe(cause)),
		CompletedAt:  &completed,
	}
	if from == model.ActionRunning {
		upd.ExecutionTimeMs = model.Ptr(completed.Sub(started).Milliseconds())
	}
	if resp != nil {
		upd.ResponseMeta = responseMeta(resp)
	}
	if _, err := o.store.UpdateAction(ctx, actionID, from, upd); err != nil {
		o.logger.Error("action_fail_failed", map[string]interface{}{"action_id": actionID, "error": err})
	}
}

func responseMeta(resp *tools.Response) map[string]interface{} {
	meta := map[string]interface{}{
		"success":    resp.Success,
		"new_events": len(resp.NewEvents),
	}
	if resp.Output != nil {
		meta["output"] = resp.Output
	}
	if resp.UsageStats != nil {
		meta["usage"] = resp.UsageStats
	}
	return meta
}

func parentAction(ev *model.Event) string {
	if strings.HasPrefix(ev.Source, "tool:") {
		return ev.Payload.String(sourceActionKey)
	}
	return ""
}

// agentContext builds the snapshot handed to every tool in the run.
func (o *Orchestrator) agentContext(ctx context.Context, agent *model.Agent) tools.AgentContext {
	ac := tools.AgentContext{
		AgentID:     agent.ID,
		Name:        agent.Name,
		Handle:      agent.Handle,
		Personality: agent.Personality,
		Expertise:   agent.Expertise,
	}
	if o.content != nil {
		recent, err := o.content.Recent(ctx, agent.ID, o.recentLimit)
		if err != nil {
			o.logger.Warn("recent_content_unavailable", map[string]interface{}{"agent_id": agent.ID, "error": err})
		}
		ac.RecentContent = recent
	}
	return ac
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
