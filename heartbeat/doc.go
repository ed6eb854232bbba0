// Package heartbeat drives each agent's recurring processing cycle.
//
// # Overview
//
// A heartbeat is one scheduled cycle of an agent. The Scheduler discovers
// PENDING heartbeats that are due, promotes each to EXECUTING and hands it
// to a Worker running under a supervised task group. The Worker gathers the
// agent's events for the heartbeat's window, passes them to the event
// processor (the orchestrator), finalizes the heartbeat and schedules the
// next one.
//
// # Lifecycle
//
//	PENDING ──promote──> EXECUTING ──┬──> COMPLETED ──> next PENDING at completedAt+interval
//	                                 └──> FAILED    ──> retry PENDING with backoff
//
// At most one heartbeat per agent is EXECUTING. Promotion is a conditional
// store transition, so concurrent discovery passes cannot run an agent twice.
//
// # Windows
//
// A heartbeat processes the events created in [windowStart, windowEnd).
// windowEnd is the heartbeat's StartedAt. windowStart is the recorded
// WindowEnd of the agent's previous COMPLETED heartbeat, or the Unix epoch,
// so events created while that heartbeat ran (tool output included) land in
// the next window. WindowFromCompletion starts at the previous CompletedAt
// instead and skips them.
//
// # Usage
//
//	sched, _ := heartbeat.NewScheduler(heartbeat.Config{
//	    Store:     st,
//	    Processor: orch,
//	    Logger:    logger,
//	    Options:   heartbeat.DefaultOptions(),
//	})
//	sched.CreateInitialHeartbeat(ctx, "agent-1")
//	sched.Start(ctx)
//	defer sched.Shutdown(shutdownCtx)
//
// # Intervals
//
// Agent intervals are minutes, clamped to [MinInterval, MaxInterval]. A
// failed heartbeat is retried after min(interval, RetryBase·2^(attempt-1)).
package heartbeat
