package state

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// Useful for testing and single-process scenarios.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	revision uint64
	closed   atomic.Bool
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*entry)}
}

func (s *MemoryStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Get retrieves an entry by key.
func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Entry{
		Key:      key,
		Value:    copyBytes(e.value),
		Revision: e.revision,
		Created:  e.created,
	}, nil
}

// Put stores a value unconditionally.
func (s *MemoryStore) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(key, value), nil
}

// Create stores a value only if the key is absent.
func (s *MemoryStore) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return 0, ErrExists
	}
	return s.write(key, value), nil
}

// Update stores a value only if the current revision matches.
func (s *MemoryStore) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok || e.revision != revision {
		return 0, ErrRevisionMismatch
	}
	return s.write(key, value), nil
}

// write must be called with the lock held.
func (s *MemoryStore) write(key string, value []byte) uint64 {
	s.revision++
	created := time.Now()
	if existing, ok := s.data[key]; ok {
		created = existing.created
	}
	s.data[key] = &entry{
		value:    copyBytes(value),
		revision: s.revision,
		created:  created,
	}
	return s.revision
}

// Delete removes a key.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns all keys matching a pattern, sorted.
func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the store.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
