package supervisor

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFailureDoesNotCancelSiblings(t *testing.T) {
	g := New(logging.Nop(), Config{})

	var completed atomic.Int32
	g.Go("bad", func() error { return goerrors.New("boom") })
	for i := 0; i < 5; i++ {
		g.Go("good", func() error {
			time.Sleep(10 * time.Millisecond)
			completed.Add(1)
			return nil
		})
	}

	err := g.Wait(context.Background())
	if err == nil || err.Error() != "boom" {
		t.Errorf("Wait() = %v, want boom", err)
	}
	if completed.Load() != 5 {
		t.Errorf("completed = %d, want 5", completed.Load())
	}
	if g.Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", g.Failures())
	}
}

func TestPanicIsRecovered(t *testing.T) {
	var mu sync.Mutex
	var got error
	g := New(logging.Nop(), Config{OnError: func(name string, err error) {
		mu.Lock()
		got = err
		mu.Unlock()
	}})

	g.Go("panicky", func() error { panic("worker exploded") })
	err := g.Wait(context.Background())

	if !errors.Is(err, errors.ErrCodePanic) {
		t.Errorf("Wait() = %v, want PANIC", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Error() == "" {
		t.Error("OnError was not called")
	}
}

func TestClosedGroupRejects(t *testing.T) {
	g := New(nil, Config{})
	if err := g.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() on empty group = %v", err)
	}
	if g.Go("late", func() error { return nil }) {
		t.Error("Go() after Wait should be rejected")
	}
}

func TestWaitTimeout(t *testing.T) {
	g := New(logging.Nop(), Config{})
	release := make(chan struct{})
	g.Go("slow", func() error {
		<-release
		return nil
	})

	if g.Active() != 1 {
		t.Errorf("Active() = %d, want 1", g.Active())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	if !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("Wait() = %v, want TIMEOUT", err)
	}

	close(release)
	if err := g.Wait(context.Background()); err != nil {
		t.Errorf("second Wait() = %v", err)
	}
	if g.Active() != 0 {
		t.Errorf("Active() = %d after drain, want 0", g.Active())
	}
}

func TestLimit(t *testing.T) {
	g := New(logging.Nop(), Config{Limit: 2})
	var running, peak atomic.Int32
	for i := 0; i < 6; i++ {
		g.Go("bounded", func() error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		})
	}
	g.Wait(context.Background())
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}
