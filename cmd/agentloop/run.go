package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentloop/config"
	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/heartbeat"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/memory"
	"github.com/vinayprograms/agentloop/orchestrator"
	"github.com/vinayprograms/agentloop/producers"
	"github.com/vinayprograms/agentloop/shutdown"
	"github.com/vinayprograms/agentloop/store"
	"github.com/vinayprograms/agentloop/telemetry"
	"github.com/vinayprograms/agentloop/tools"
)

var (
	runSeed            bool
	runWatch           bool
	runShutdownTimeout time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heartbeat engine until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger = logging.NewWithOptions(cfg.LoggerOptions())

		eng, err := newEngine(background(cmd.Context()), cfg, logger)
		if err != nil {
			return err
		}
		ctx, stop := eng.coord.Watch(background(cmd.Context()))
		defer stop()

		if err := eng.start(ctx, runSeed); err != nil {
			_ = eng.coord.ShutdownWithTimeout(runShutdownTimeout)
			return err
		}
		if runWatch {
			if err := eng.watch(ctx, configPath); err != nil {
				_ = eng.coord.ShutdownWithTimeout(runShutdownTimeout)
				return err
			}
		}
		<-ctx.Done()
		logger.Info("shutdown_requested", nil)
		return eng.coord.ShutdownWithTimeout(runShutdownTimeout)
	},
}

func init() {
	runCmd.Flags().BoolVar(&runSeed, "seed", true, "seed configured agents, tools and subscriptions before starting")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "re-seed agents, tools and subscriptions when the config file changes")
	runCmd.Flags().DurationVar(&runShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for in-flight heartbeats on shutdown")
}

// engine is a wired scheduler with everything it depends on.
type engine struct {
	cfg    *config.Config
	logger *logging.Logger

	store    store.Store
	content  *memory.ContentIndex
	provider *telemetry.Provider
	orch     *orchestrator.Orchestrator
	sched    *heartbeat.Scheduler
	feeds    *producers.FeedChecker

	coord *shutdown.Coordinator
}

// newEngine opens the store, index and tracer and wires the scheduler.
// Everything opened is registered with the coordinator, so a partial
// engine is released by shutting the coordinator down.
func newEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) (_ *engine, err error) {
	e := &engine{
		cfg:    cfg,
		logger: logger,
		coord:  shutdown.NewCoordinator(shutdown.Config{Logger: logger}),
	}
	defer func() {
		if err != nil {
			_ = e.coord.ShutdownWithTimeout(5 * time.Second)
		}
	}()

	if e.store, err = cfg.OpenStore(); err != nil {
		return nil, err
	}
	e.coord.RegisterCloser(shutdown.PhaseClose, "store", e.store.Close)

	if e.content, err = memory.Open(memory.Config{Path: cfg.Memory.Path}); err != nil {
		return nil, err
	}
	e.coord.RegisterCloser(shutdown.PhaseClose, "content index", e.content.Close)

	tracer := telemetry.Noop()
	if cfg.Telemetry.Enabled {
		if e.provider, err = telemetry.InitProvider(ctx, cfg.ProviderConfig(version)); err != nil {
			return nil, err
		}
		tracer = e.provider.Tracer()
		e.coord.Register(shutdown.PhaseFlush, "tracer", e.provider.Shutdown)
	}

	registry, err := newRegistry(e.content)
	if err != nil {
		return nil, err
	}
	orch, err := orchestrator.New(orchestrator.Config{
		Store:              e.store,
		Registry:           registry,
		Content:            e.content,
		Tracer:             tracer,
		Logger:             logger,
		ActionTimeout:      cfg.ActionTimeout(),
		RecentContentLimit: cfg.Orchestrator.RecentContentLimit,
	})
	if err != nil {
		return nil, err
	}

	opts, err := cfg.SchedulerOptions()
	if err != nil {
		return nil, err
	}
	if e.sched, err = heartbeat.NewScheduler(heartbeat.Config{
		Store:     e.store,
		Processor: orch,
		Logger:    logger,
		Tracer:    tracer,
		Options:   opts,
	}); err != nil {
		return nil, err
	}
	e.coord.Register(shutdown.PhaseIntake, "scheduler loop", func(context.Context) error {
		e.sched.Stop()
		return nil
	})
	e.coord.Register(shutdown.PhaseDrain, "heartbeat workers", e.sched.Shutdown)

	if cfg.Producers.FeedChecks {
		if e.feeds, err = producers.NewFeedChecker(producers.FeedCheckerConfig{
			Store:    e.store,
			Interval: cfg.FeedCheckInterval(),
			Logger:   logger,
		}); err != nil {
			return nil, err
		}
		e.coord.Register(shutdown.PhaseIntake, "feed checker", func(context.Context) error {
			e.feeds.Stop()
			return nil
		})
	}

	logger.Debug("tools_registered", map[string]interface{}{"tools": registry.Names()})
	e.orch = orch
	return e, nil
}

// newRegistry registers the capabilities this binary provides.
func newRegistry(content tools.ContentWriter) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, tools.Builtins{Content: content}); err != nil {
		return nil, err
	}
	return registry, nil
}

// start seeds the store if asked, refuses subscriptions that do not resolve
// to a registered capability, recovers heartbeats interrupted by a previous
// run, ensures every agent has a heartbeat, and starts the loops.
func (e *engine) start(ctx context.Context, seed bool) error {
	if seed {
		res, err := e.cfg.Seed(ctx, e.store)
		if err != nil {
			return err
		}
		e.logger.Info("seeded", map[string]interface{}{
			"agents": res.Agents, "tools": res.Tools, "subscriptions": res.Subscriptions,
		})
	}

	if err := e.orch.ValidateSubscriptions(ctx); err != nil {
		return errors.Wrap(err, "invalid subscriptions")
	}

	recovered, err := e.sched.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		e.logger.Warn("heartbeats_recovered", map[string]interface{}{"count": recovered})
	}

	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if _, err := e.sched.CreateInitialHeartbeat(ctx, a.ID); err != nil {
			return err
		}
	}

	e.sched.Start(ctx)
	if e.feeds != nil {
		e.feeds.Start(ctx)
	}
	e.logger.Info("engine_started", map[string]interface{}{
		"agents":  len(agents),
		"backend": e.cfg.Store.Backend,
		"version": version,
	})
	return nil
}

// watch re-seeds the store whenever the configuration file changes. Only
// agents, tools and subscriptions are reloaded; engine settings need a
// restart.
func (e *engine) watch(ctx context.Context, path string) error {
	w, err := config.NewWatcher(path, e.logger, func(cfg *config.Config) {
		if err := e.apply(ctx, cfg); err != nil {
			e.logger.Error("config_apply_failed", map[string]interface{}{"error": err})
		}
	})
	if err != nil {
		return err
	}
	w.Start(ctx)
	e.coord.Register(shutdown.PhaseIntake, "config watcher", func(context.Context) error {
		w.Stop()
		return nil
	})
	return nil
}

// apply seeds cfg's records and gives new agents their first heartbeat.
// Unresolved subscriptions are only logged; the engine keeps running and
// the orchestrator skips them.
func (e *engine) apply(ctx context.Context, cfg *config.Config) error {
	if _, err := cfg.Seed(ctx, e.store); err != nil {
		return err
	}
	for _, a := range cfg.Agents {
		if _, err := e.sched.CreateInitialHeartbeat(ctx, a.ID); err != nil {
			return err
		}
	}
	if err := e.orch.ValidateSubscriptions(ctx); err != nil {
		e.logger.Warn("subscriptions_invalid", map[string]interface{}{"error": err})
	}
	return nil
}
