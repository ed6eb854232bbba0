// Package shutdown stops the engine in phases.
//
// # Overview
//
// A running engine owns a tick loop, in-flight heartbeat workers, producers,
// a tracing exporter, a recent-content index and a store. They must stop in
// dependency order: nothing may write to the store after it is closed, and
// workers must get a chance to finish their heartbeats before spans are
// flushed.
//
//	 SIGTERM / SIGINT / Trigger()
//	             │
//	             ▼
//	┌───────────────────────────────────────────────┐
//	│ PhaseIntake   producers, tick loop            │
//	│ PhaseDrain    in-flight heartbeat workers     │
//	│ PhaseFlush    tracing exporter                │
//	│ PhaseClose    memory index, store             │
//	└───────────────────────────────────────────────┘
//
// Steps registered in the same phase run concurrently. Phases run in
// ascending order.
//
// # Deadlines
//
// Shutdown takes a context. If it expires, the remaining phases still run,
// each with a short grace context, so the store is always closed. The
// result then carries ErrTimeout.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Timeout: 30 * time.Second, Logger: logger})
//	coord.Register(shutdown.PhaseIntake, "scheduler loop", stopLoop)
//	coord.Register(shutdown.PhaseDrain, "workers", sched.Shutdown)
//	coord.Register(shutdown.PhaseClose, "store", closeStore)
//
//	ctx, stop := coord.Watch(context.Background())
//	defer stop()
//	<-ctx.Done()
//	err := coord.ShutdownWithTimeout(0)
package shutdown
