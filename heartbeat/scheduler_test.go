package heartbeat

import (
	"context"
	goerrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/model"
	"github.com/vinayprograms/agentloop/state"
	"github.com/vinayprograms/agentloop/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

// manualClock is advanced by tests.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// recordingProcessor records the events of every heartbeat it sees.
type recordingProcessor struct {
	mu      sync.Mutex
	seen    map[string][]*model.Event
	actions int
	err     error
	panics  bool
}

func (p *recordingProcessor) ProcessEvents(ctx context.Context, agent *model.Agent, hb *model.Heartbeat, events []*model.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string][]*model.Event)
	}
	p.seen[hb.ID] = events
	if p.panics {
		panic("processor exploded")
	}
	return p.actions, p.err
}

func (p *recordingProcessor) events(hbID string) []*model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen[hbID]
}

// blockingProcessor holds every heartbeat until released or canceled.
type blockingProcessor struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingProcessor() *blockingProcessor {
	return &blockingProcessor{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (p *blockingProcessor) ProcessEvents(ctx context.Context, agent *model.Agent, hb *model.Heartbeat, events []*model.Event) (int, error) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type harness struct {
	t     *testing.T
	store store.Store
	clock *manualClock
	sched *Scheduler
}

func newHarness(t *testing.T, p EventProcessor, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		store: store.NewKVStore(state.NewMemoryStore()),
		clock: &manualClock{now: t0},
	}
	opts := DefaultOptions()
	opts.Clock = h.clock.Now
	opts.TickInterval = 10 * time.Millisecond
	for _, m := range mutate {
		m(&opts)
	}
	sched, err := NewScheduler(Config{Store: h.store, Processor: p, Options: opts})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	h.sched = sched
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
		h.store.Close()
	})
	return h
}

func (h *harness) agent(id string, interval int) *model.Agent {
	h.t.Helper()
	a := &model.Agent{ID: id, Name: id, Handle: id, HeartbeatInterval: interval}
	if err := h.store.PutAgent(context.Background(), a); err != nil {
		h.t.Fatal(err)
	}
	return a
}

func (h *harness) event(agentID string, at time.Time, eventType model.EventType, priority int) *model.Event {
	h.t.Helper()
	ev := &model.Event{AgentID: agentID, EventType: eventType, Priority: priority, CreatedAt: at, Payload: model.MustPayload(map[string]interface{}{})}
	if err := h.store.AppendEvent(context.Background(), ev); err != nil {
		h.t.Fatal(err)
	}
	return ev
}

// waitFor polls until cond holds.
func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) heartbeat(id string) *model.Heartbeat {
	h.t.Helper()
	hb, err := h.store.GetHeartbeat(context.Background(), id)
	if err != nil {
		h.t.Fatal(err)
	}
	return hb
}

func (h *harness) waitStatus(id string, status model.HeartbeatStatus) *model.Heartbeat {
	h.t.Helper()
	h.waitFor("heartbeat "+string(status), func() bool { return h.heartbeat(id).Status == status })
	return h.heartbeat(id)
}

func (h *harness) heartbeats(agentID string) []*model.Heartbeat {
	h.t.Helper()
	list, err := h.store.ListHeartbeats(context.Background(), agentID)
	if err != nil {
		h.t.Fatal(err)
	}
	return list
}

func (h *harness) pending(agentID string) *model.Heartbeat {
	for _, hb := range h.heartbeats(agentID) {
		if hb.Status == model.HeartbeatPending {
			return hb
		}
	}
	return nil
}

func TestNewSchedulerRequiresDependencies(t *testing.T) {
	if _, err := NewScheduler(Config{}); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("NewScheduler(Config{}) error = %v, want INVALID_INPUT", err)
	}
}

func TestScheduleNextHeartbeatClampsInterval(t *testing.T) {
	h := newHarness(t, &recordingProcessor{})
	ctx := context.Background()

	tests := []struct {
		agentID  string
		interval int
		want     time.Duration
	}{
		{"eager", 2, 5 * time.Minute},
		{"normal", 15, 15 * time.Minute},
		{"sleepy", 5000, 1440 * time.Minute},
	}
	for _, tt := range tests {
		h.agent(tt.agentID, tt.interval)
		hb, err := h.sched.ScheduleNextHeartbeat(ctx, tt.agentID, t0)
		if err != nil {
			t.Fatalf("ScheduleNextHeartbeat(%s): %v", tt.agentID, err)
		}
		if !hb.ScheduledAt.Equal(t0.Add(tt.want)) || hb.Status != model.HeartbeatPending || hb.Attempt != 0 {
			t.Errorf("%s: next = %+v, want PENDING at %v", tt.agentID, hb, t0.Add(tt.want))
		}
	}

	if _, err := h.sched.ScheduleNextHeartbeat(ctx, "ghost", t0); !errors.Is(err, errors.ErrCodeScheduling) {
		t.Errorf("unknown agent error = %v, want SCHEDULING_FAILURE", err)
	}
}

func TestCreateInitialHeartbeatIsIdempotent(t *testing.T) {
	h := newHarness(t, &recordingProcessor{})
	h.agent("a", 15)
	ctx := context.Background()

	first, err := h.sched.CreateInitialHeartbeat(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !first.ScheduledAt.Equal(t0) || first.Status != model.HeartbeatPending {
		t.Errorf("initial = %+v, want PENDING at %v", first, t0)
	}
	second, err := h.sched.CreateInitialHeartbeat(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || len(h.heartbeats("a")) != 1 {
		t.Errorf("second call created a new heartbeat: %s vs %s", second.ID, first.ID)
	}

	if _, err := h.sched.CreateInitialHeartbeat(ctx, "ghost"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("unknown agent error = %v, want NOT_FOUND", err)
	}
}

func TestHeartbeatCycle(t *testing.T) {
	proc := &recordingProcessor{actions: 3}
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	mention := h.event("a", t0.Add(-time.Minute), model.EventNewMention, 2)
	h.event("b", t0.Add(-time.Minute), model.EventNewMention, 2)
	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")

	n, err := h.sched.ProcessPendingHeartbeats(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ProcessPendingHeartbeats() = %d, %v; want 1, nil", n, err)
	}
	done := h.waitStatus(hb.ID, model.HeartbeatCompleted)

	if done.EventsProcessed != 2 || done.ActionsTriggered != 3 {
		t.Errorf("counts = %d events, %d actions; want 2, 3", done.EventsProcessed, done.ActionsTriggered)
	}
	if !done.WindowStart.Equal(model.Epoch) || !done.WindowEnd.Equal(t0) || !done.StartedAt.Equal(t0) {
		t.Errorf("window = [%v, %v), want [epoch, %v)", done.WindowStart, done.WindowEnd, t0)
	}

	events := proc.events(hb.ID)
	if len(events) != 2 || events[0].ID != mention.ID || events[1].EventType != model.EventHeartbeat {
		t.Fatalf("events = %v, want mention then heartbeat tick", events)
	}
	tick := events[1]
	if tick.Priority != 1 || tick.Payload.String("heartbeat_id") != hb.ID {
		t.Errorf("tick = %+v", tick)
	}

	h.waitFor("next heartbeat", func() bool { return h.pending("a") != nil })
	next := h.pending("a")
	if !next.ScheduledAt.Equal(t0.Add(15*time.Minute)) || next.Attempt != 0 {
		t.Errorf("next = %+v, want PENDING at +15m", next)
	}
}

func TestOverdueHeartbeatRunsOnce(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.clock.Set(t0.Add(3 * time.Hour))

	if n, _ := h.sched.ProcessPendingHeartbeats(ctx); n != 1 {
		t.Fatalf("first pass promoted %d, want 1", n)
	}
	h.waitStatus(hb.ID, model.HeartbeatCompleted)
	h.waitFor("next heartbeat", func() bool { return h.pending("a") != nil })

	// The next heartbeat is scheduled from completion, so it is not yet due.
	if n, _ := h.sched.ProcessPendingHeartbeats(ctx); n != 0 {
		t.Errorf("second pass promoted %d, want 0", n)
	}
}

func TestConsecutiveWindowsDoNotOverlap(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	first, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.sched.ProcessPendingHeartbeats(ctx)
	h.waitStatus(first.ID, model.HeartbeatCompleted)
	h.waitFor("next heartbeat", func() bool { return h.pending("a") != nil })
	second := h.pending("a")

	e1 := h.event("a", t0.Add(time.Minute), model.EventFeedSummarized, 9)
	e2 := h.event("a", t0.Add(3*time.Minute), model.EventFeedSummarized, 2)
	h.clock.Set(t0.Add(15 * time.Minute))
	h.sched.ProcessPendingHeartbeats(ctx)
	done := h.waitStatus(second.ID, model.HeartbeatCompleted)

	if !done.WindowStart.Equal(t0) || !done.WindowEnd.Equal(t0.Add(15*time.Minute)) {
		t.Errorf("window = [%v, %v), want [T, T+15m)", done.WindowStart, done.WindowEnd)
	}
	events := proc.events(second.ID)
	if len(events) != 3 || events[0].ID != e1.ID || events[1].ID != e2.ID || events[2].EventType != model.EventHeartbeat {
		t.Errorf("second window events = %v", events)
	}
	for _, ev := range proc.events(first.ID) {
		if ev.ID == e1.ID || ev.ID == e2.ID {
			t.Errorf("event %s processed by both heartbeats", ev.ID)
		}
	}
}

func TestPromotionRace(t *testing.T) {
	proc := newBlockingProcessor()
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	ok, err := h.sched.ExecuteHeartbeat(ctx, hb)
	if !ok || err != nil {
		t.Fatalf("ExecuteHeartbeat() = %v, %v; want true, nil", ok, err)
	}
	<-proc.entered

	if ok, err := h.sched.ExecuteHeartbeat(ctx, hb); ok || err != nil {
		t.Errorf("second promotion = %v, %v; want false, nil", ok, err)
	}

	other := &model.Heartbeat{AgentID: "a", ScheduledAt: t0}
	h.store.CreateHeartbeat(ctx, other)
	if ok, err := h.sched.ExecuteHeartbeat(ctx, other); ok || err != nil {
		t.Errorf("concurrent heartbeat promotion = %v, %v; want false, nil", ok, err)
	}

	close(proc.release)
	h.waitStatus(hb.ID, model.HeartbeatCompleted)
	if got := h.heartbeat(other.ID).Status; got != model.HeartbeatPending {
		t.Errorf("other heartbeat status = %v, want PENDING", got)
	}
}

func TestFailedHeartbeatRetriesWithBackoff(t *testing.T) {
	proc := &recordingProcessor{err: errors.New(errors.ErrCodeStorage, "subscriptions unavailable")}
	h := newHarness(t, proc)
	h.agent("a", 60)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.sched.ProcessPendingHeartbeats(ctx)
	failed := h.waitStatus(hb.ID, model.HeartbeatFailed)
	if !strings.Contains(failed.ErrorMessage, "subscriptions unavailable") || failed.CompletedAt == nil {
		t.Errorf("failed heartbeat = %+v", failed)
	}

	h.waitFor("retry", func() bool { return h.pending("a") != nil })
	retry := h.pending("a")
	if retry.Attempt != 1 || !retry.ScheduledAt.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("retry = %+v, want attempt 1 at +5m", retry)
	}

	h.clock.Set(t0.Add(5 * time.Minute))
	h.sched.ProcessPendingHeartbeats(ctx)
	h.waitStatus(retry.ID, model.HeartbeatFailed)
	h.waitFor("second retry", func() bool { return h.pending("a") != nil })
	second := h.pending("a")
	if second.Attempt != 2 || !second.ScheduledAt.Equal(t0.Add(15*time.Minute)) {
		t.Errorf("second retry = %+v, want attempt 2 at +15m", second)
	}
}

func TestRescheduleOnFailureDisabled(t *testing.T) {
	proc := &recordingProcessor{err: goerrors.New("boom")}
	h := newHarness(t, proc, func(o *Options) { o.RescheduleOnFailure = false })
	h.agent("a", 15)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.sched.ProcessPendingHeartbeats(ctx)
	h.waitStatus(hb.ID, model.HeartbeatFailed)

	if got := len(h.heartbeats("a")); got != 1 {
		t.Errorf("heartbeats = %d, want 1", got)
	}
}

func TestProcessorPanicFailsHeartbeat(t *testing.T) {
	h := newHarness(t, &recordingProcessor{panics: true})
	h.agent("a", 15)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.sched.ProcessPendingHeartbeats(ctx)
	failed := h.waitStatus(hb.ID, model.HeartbeatFailed)
	if !strings.Contains(failed.ErrorMessage, "processor exploded") {
		t.Errorf("ErrorMessage = %q", failed.ErrorMessage)
	}
}

func TestProcessHeartbeatPreconditions(t *testing.T) {
	h := newHarness(t, &recordingProcessor{})
	h.agent("a", 15)
	ctx := context.Background()

	if _, err := h.sched.Worker().ProcessHeartbeat(ctx, "missing"); !errors.Is(err, errors.ErrCodeNotFound) {
		t.Errorf("missing heartbeat error = %v, want NOT_FOUND", err)
	}

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	if _, err := h.sched.Worker().ProcessHeartbeat(ctx, hb.ID); !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("pending heartbeat error = %v, want INVALID_STATE", err)
	}
}

func TestEmptyWindowCompletes(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	started := t0
	hb := &model.Heartbeat{AgentID: "a", ScheduledAt: t0}
	h.store.CreateHeartbeat(ctx, hb)
	h.store.TransitionHeartbeat(ctx, hb.ID, model.HeartbeatPending, model.HeartbeatExecuting,
		model.HeartbeatUpdate{StartedAt: &started})

	done, err := h.sched.Worker().ProcessHeartbeat(ctx, hb.ID)
	if err != nil {
		t.Fatalf("ProcessHeartbeat: %v", err)
	}
	if done.Status != model.HeartbeatCompleted || done.EventsProcessed != 0 {
		t.Errorf("heartbeat = %+v, want COMPLETED with no events", done)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t, &recordingProcessor{})
	h.agent("a", 15)
	h.agent("b", 15)
	ctx := context.Background()

	started := t0.Add(-time.Hour)
	stuck := &model.Heartbeat{AgentID: "a", ScheduledAt: started}
	h.store.CreateHeartbeat(ctx, stuck)
	h.store.TransitionHeartbeat(ctx, stuck.ID, model.HeartbeatPending, model.HeartbeatExecuting,
		model.HeartbeatUpdate{StartedAt: &started})
	h.sched.CreateInitialHeartbeat(ctx, "b")

	n, err := h.sched.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted() = %d, %v; want 1, nil", n, err)
	}
	if got := h.heartbeat(stuck.ID); got.Status != model.HeartbeatFailed || !strings.Contains(got.ErrorMessage, "interrupted") {
		t.Errorf("stuck heartbeat = %+v", got)
	}
	if h.pending("a") == nil {
		t.Error("no retry scheduled for interrupted heartbeat")
	}
}

func TestStartStop(t *testing.T) {
	proc := &recordingProcessor{}
	h := newHarness(t, proc)
	h.agent("a", 15)

	hb, _ := h.sched.CreateInitialHeartbeat(context.Background(), "a")

	h.sched.Start(context.Background())
	h.sched.Start(context.Background())
	if !h.sched.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}
	h.waitStatus(hb.ID, model.HeartbeatCompleted)

	h.sched.Stop()
	h.sched.Stop()
	if h.sched.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	h := newHarness(t, &recordingProcessor{})
	ctx, cancel := context.WithCancel(context.Background())

	h.sched.Start(ctx)
	cancel()
	h.waitFor("loop exit", func() bool { return !h.sched.IsRunning() })
	h.sched.Stop()

	// A stopped scheduler can be started again.
	h.sched.Start(context.Background())
	if !h.sched.IsRunning() {
		t.Error("restart failed")
	}
	h.sched.Stop()
}

func TestShutdownCancelsStuckWorkers(t *testing.T) {
	proc := newBlockingProcessor()
	h := newHarness(t, proc)
	h.agent("a", 15)
	ctx := context.Background()

	hb, _ := h.sched.CreateInitialHeartbeat(ctx, "a")
	h.sched.ExecuteHeartbeat(ctx, hb)
	<-proc.entered

	sctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := h.sched.Shutdown(sctx); !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("Shutdown() = %v, want TIMEOUT", err)
	}
	if got := h.heartbeat(hb.ID).Status; got != model.HeartbeatFailed {
		t.Errorf("stuck heartbeat status = %v, want FAILED", got)
	}

	// A closed scheduler no longer starts workers.
	next := h.pending("a")
	if next == nil {
		t.Fatal("no retry scheduled")
	}
	h.clock.Set(next.ScheduledAt)
	if ok, _ := h.sched.ExecuteHeartbeat(ctx, next); !ok {
		t.Fatal("promotion failed")
	}
	if got := h.heartbeat(next.ID).Status; got != model.HeartbeatFailed {
		t.Errorf("heartbeat after shutdown = %v, want FAILED", got)
	}
}
