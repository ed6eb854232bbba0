package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rev, err := s.Put(ctx, "heartbeat.hb-1", []byte("v1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if rev == 0 {
		t.Error("expected non-zero revision")
	}

	got, err := s.Get(ctx, "heartbeat.hb-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Value) != "v1" || got.Revision != rev {
		t.Errorf("Get() = %q@%d, want v1@%d", got.Value, got.Revision, rev)
	}

	got.Value[0] = 'x'
	again, _ := s.Get(ctx, "heartbeat.hb-1")
	if string(again.Value) != "v1" {
		t.Error("Get should return a copy")
	}
}

func TestMemoryStore_Create(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if _, err := s.Create(ctx, "marker.a", []byte("1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Create(ctx, "marker.a", []byte("2")); err != ErrExists {
		t.Errorf("second Create = %v, want ErrExists", err)
	}

	if err := s.Delete(ctx, "marker.a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Create(ctx, "marker.a", []byte("3")); err != nil {
		t.Errorf("Create after Delete = %v", err)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rev, _ := s.Put(ctx, "k", []byte("a"))

	rev2, err := s.Update(ctx, "k", []byte("b"), rev)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if rev2 <= rev {
		t.Errorf("revision did not advance: %d -> %d", rev, rev2)
	}

	if _, err := s.Update(ctx, "k", []byte("c"), rev); err != ErrRevisionMismatch {
		t.Errorf("stale Update = %v, want ErrRevisionMismatch", err)
	}
	if _, err := s.Update(ctx, "missing", []byte("c"), 1); err != ErrRevisionMismatch {
		t.Errorf("Update missing = %v, want ErrRevisionMismatch", err)
	}
}

func TestMemoryStore_ConcurrentUpdateSingleWinner(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	rev, _ := s.Put(ctx, "hb", []byte("PENDING"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
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

func TestMemoryStore_Keys(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"event.a.2", "event.a.1", "event.b.1", "tool.x"} {
		s.Put(ctx, k, nil)
	}

	keys, err := s.Keys(ctx, "event.a.*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "event.a.1" {
		t.Errorf("Keys() = %v", keys)
	}

	all, _ := s.Keys(ctx, "*")
	if len(all) != 4 {
		t.Errorf("Keys(*) = %v", all)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	ctx := context.Background()

	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get after close = %v", err)
	}
	if _, err := s.Put(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v", err)
	}
	if _, err := s.Keys(ctx, "*"); !errors.Is(err, ErrClosed) {
		t.Errorf("Keys after close = %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"heartbeat.0190a1b2-0000-7000-8000-000000000000", false},
		{"event/agent_1=x", false},
		{"", true},
		{".leading", true},
		{"trailing.", true},
		{"double..dot", true},
		{"has space", true},
		{"colon:bad", true},
	}
	for _, tt := range tests {
		err := ValidateKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateKey(%q) = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"*", "anything", true},
		{"event.*", "event.a", true},
		{"event.*", "events", false},
		{"tool.x", "tool.x", true},
		{"tool.x", "tool.xy", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}
