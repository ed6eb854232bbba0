//go:build integration

package state

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nats-io/nats.go"
)

func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{Conn: conn, Bucket: bucket})
	if err != nil {
		conn.Close()
		t.Fatalf("NewNATSStore failed: %v", err)
	}

	t.Cleanup(func() {
		store.js.DeleteKeyValue(context.Background(), bucket)
		store.Close()
		conn.Close()
	})
	return store
}

func TestNATSStore_CreateUpdate(t *testing.T) {
	s := newTestNATSStore(t, "test-create-update")
	ctx := context.Background()

	rev, err := s.Create(ctx, "heartbeat.hb-1", []byte("PENDING"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(ctx, "heartbeat.hb-1", []byte("x")); err != ErrExists {
		t.Errorf("second Create = %v, want ErrExists", err)
	}

	if _, err := s.Update(ctx, "heartbeat.hb-1", []byte("EXECUTING"), rev); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := s.Update(ctx, "heartbeat.hb-1", []byte("FAILED"), rev); err != ErrRevisionMismatch {
		t.Errorf("stale Update = %v, want ErrRevisionMismatch", err)
	}

	got, err := s.Get(ctx, "heartbeat.hb-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != "EXECUTING" {
		t.Errorf("value = %q, want EXECUTING", got.Value)
	}
}

func TestNATSStore_DeleteThenCreate(t *testing.T) {
	s := newTestNATSStore(t, "test-delete-create")
	ctx := context.Background()

	s.Create(ctx, "marker.a", []byte("1"))
	if err := s.Delete(ctx, "marker.a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "marker.a"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if _, err := s.Create(ctx, "marker.a", []byte("2")); err != nil {
		t.Errorf("Create after delete = %v", err)
	}
}

func TestNATSStore_Keys(t *testing.T) {
	s := newTestNATSStore(t, "test-keys")
	ctx := context.Background()

	for _, k := range []string{"event.a.1", "event.a.2", "event.b.1"} {
		s.Put(ctx, k, []byte("x"))
	}
	keys, err := s.Keys(ctx, "event.a.*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestNATSStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	s := newTestNATSStore(t, "test-cas-race")
	ctx := context.Background()

	rev, _ := s.Put(ctx, "hb", []byte("PENDING"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, "hb", []byte("EXECUTING"), rev); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}
