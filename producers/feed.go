package producers

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/store"
)

// DefaultFeedInterval is the time between feed check passes.
const DefaultFeedInterval = 30 * time.Minute

const feedSource = "producer:feeds"

// FeedCheckerConfig configures a FeedChecker.
type FeedCheckerConfig struct {
	Store store.Store

	// Interval between passes.
	// Default: 30 minutes
	Interval time.Duration

	Logger *logging.Logger

	// Clock stamps events.
	// Default: time.Now
	Clock func() time.Time
}

// FeedChecker periodically appends one RSS_FEED_CHECK event per agent feed.
type FeedChecker struct {
	store    store.Store
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFeedChecker creates a feed checker.
func NewFeedChecker(cfg FeedCheckerConfig) (*FeedChecker, error) {
	if cfg.Store == nil {
		return nil, errors.InvalidInput("feed checker needs a store")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeedInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &FeedChecker{
		store:    cfg.Store,
		interval: cfg.Interval,
		logger:   cfg.Logger.WithComponent("producers"),
		now:      cfg.Clock,
	}, nil
}

// Interval returns the time between passes.
func (f *FeedChecker) Interval() time.Duration {
	return f.interval
}

// IsRunning reports whether the loop is running.
func (f *FeedChecker) IsRunning() bool {
	return f.running.Load()
}

// Start runs a pass immediately and then every Interval until Stop or ctx
// is done. Starting a running checker is a no-op.
func (f *FeedChecker) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running.Load() {
		return
	}
	f.running.Store(true)
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	go f.run(ctx, f.stopCh, f.doneCh)
}

func (f *FeedChecker) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	f.pass(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.running.Store(false)
			return
		case <-stop:
			return
		case <-ticker.C:
			f.pass(ctx)
		}
	}
}

func (f *FeedChecker) pass(ctx context.Context) {
	n, err := f.CheckNow(ctx)
	if err != nil {
		f.logger.Error("feed_check_failed", map[string]interface{}{"error": err, "appended": n})
		return
	}
	f.logger.Debug("feed_check", map[string]interface{}{"appended": n})
}

// Stop stops the loop and waits for it to exit.
func (f *FeedChecker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.doneCh == nil {
		return
	}
	if f.running.Swap(false) {
		close(f.stopCh)
	}
	<-f.doneCh
	f.doneCh = nil
}

// CheckNow appends one RSS_FEED_CHECK event per distinct feed of every
// agent and returns how many were appended.
func (f *FeedChecker) CheckNow(ctx context.Context) (int, error) {
	agents, err := f.store.ListAgents(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing agents for feed check")
	}

	appended := 0
	for _, agent := range agents {
		seen := make(map[string]bool, len(agent.Feeds))
		for _, feed := range agent.Feeds {
			feed = strings.TrimSpace(feed)
			if feed == "" || seen[feed] {
				continue
			}
			seen[feed] = true

			ev := &model.Event{
				AgentID:   agent.ID,
				EventType: model.EventRSSFeedCheck,
				Priority:  model.PriorityDefault,
				Source:    feedSource,
				CreatedAt: f.now().UTC(),
				Payload:   model.MustPayload(model.FeedCheckPayload{FeedURL: feed}),
			}
			if err := f.store.AppendEvent(ctx, ev); err != nil {
				return appended, errors.Wrap(err, "appending feed check event", errors.WithAgentID(agent.ID))
			}
			appended++
		}
	}
	return appended, nil
}
