//go:build integration

package state

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisURL() string {
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}
	return "redis://localhost:6379/15"
}

func newTestRedisStore(t *testing.T, prefix string) *RedisStore {
	opt, err := redis.ParseURL(getRedisURL())
	if err != nil {
		t.Fatalf("ParseURL: %v", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	store, err := NewRedisStore(RedisStoreConfig{Client: client, Prefix: prefix})
	if err != nil {
		client.Close()
		t.Fatalf("NewRedisStore failed: %v", err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		store.Close()
		client.Close()
	})
	return store
}

func TestRedisStore_CreateUpdate(t *testing.T) {
	s := newTestRedisStore(t, "test-create-update")
	ctx := context.Background()

	rev, err := s.Create(ctx, "heartbeat.hb-1", []byte("PENDING"))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(ctx, "heartbeat.hb-1", []byte("x")); err != ErrExists {
		t.Errorf("second Create = %v, want ErrExists", err)
	}

	next, err := s.Update(ctx, "heartbeat.hb-1", []byte("EXECUTING"), rev)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if next <= rev {
		t.Errorf("revision %d did not advance past %d", next, rev)
	}
	if _, err := s.Update(ctx, "heartbeat.hb-1", []byte("FAILED"), rev); err != ErrRevisionMismatch {
		t.Errorf("stale Update = %v, want ErrRevisionMismatch", err)
	}
	if _, err := s.Update(ctx, "heartbeat.missing", []byte("x"), 1); err != ErrRevisionMismatch {
		t.Errorf("Update of missing key = %v, want ErrRevisionMismatch", err)
	}

	got, err := s.Get(ctx, "heartbeat.hb-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != "EXECUTING" || got.Revision != next || got.Created.IsZero() {
		t.Errorf("Get() = %+v", got)
	}
}

func TestRedisStore_DeleteThenCreate(t *testing.T) {
	s := newTestRedisStore(t, "test-delete-create")
	ctx := context.Background()

	first, _ := s.Create(ctx, "marker.a", []byte("1"))
	if err := s.Delete(ctx, "marker.a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "marker.a"); err != ErrNotFound {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	second, err := s.Create(ctx, "marker.a", []byte("2"))
	if err != nil {
		t.Fatalf("Create after delete = %v", err)
	}
	if second <= first {
		t.Errorf("revision reused after delete: %d then %d", first, second)
	}
}

func TestRedisStore_Keys(t *testing.T) {
	s := newTestRedisStore(t, "test-keys")
	ctx := context.Background()

	for _, k := range []string{"event.a.1", "event.a.2", "event.b.1"} {
		s.Put(ctx, k, []byte("x"))
	}
	keys, err := s.Keys(ctx, "event.a.*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "event.a.1" || keys[1] != "event.a.2" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestRedisStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	s := newTestRedisStore(t, "test-cas-race")
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
