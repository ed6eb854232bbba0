package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each key is a hash holding the
// value, its revision and its creation time. Revisions come from one
// counter per prefix, so they never repeat after a delete.
type RedisStore struct {
	client    *redis.Client
	config    RedisStoreConfig
	ownClient bool
	closed    atomic.Bool
}

// RedisStoreConfig holds Redis store configuration.
type RedisStoreConfig struct {
	// Client is the Redis client to use. If nil, URL is parsed and dialed.
	Client *redis.Client

	// URL is a redis:// or rediss:// URL, used when Client is nil.
	URL string

	// Prefix namespaces every Redis key the store touches.
	// Default: "agentloop"
	Prefix string

	// OpTimeout bounds each call when the caller's context has no deadline.
	// Default: 5s
	OpTimeout time.Duration
}

// DefaultRedisStoreConfig returns configuration with sensible defaults.
func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Prefix:    "agentloop",
		OpTimeout: 5 * time.Second,
	}
}

// Hash fields.
const (
	fieldValue    = "v"
	fieldRevision = "r"
	fieldCreated  = "c"
)

// KEYS[1] = entry hash, KEYS[2] = revision counter
// ARGV[1] = value, ARGV[2] = created unix nanos
var redisPut = redis.NewScript(`
local rev = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'r', rev)
redis.call('HSETNX', KEYS[1], 'c', ARGV[2])
return rev
`)

var redisCreate = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local rev = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'r', rev, 'c', ARGV[2])
return rev
`)

// ARGV[2] = expected revision
var redisUpdate = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'r')
if not cur or cur ~= ARGV[2] then
  return -1
end
local rev = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'r', rev)
return rev
`)

// NewRedisStore creates a Redis-backed store and checks the connection.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	def := DefaultRedisStoreConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}

	client := cfg.Client
	ownClient := false
	if client == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis client or url required")
		}
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client = redis.NewClient(opt)
		ownClient = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if ownClient {
			client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{client: client, config: cfg, ownClient: ownClient}, nil
}

func (s *RedisStore) entryKey(key string) string {
	return s.config.Prefix + ":kv:" + key
}

func (s *RedisStore) counterKey() string {
	return s.config.Prefix + ":revision"
}

func (s *RedisStore) check(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *RedisStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OpTimeout)
}

// Get retrieves an entry by key.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	if err := s.check(key); err != nil {
		return nil, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	rev, err := strconv.ParseUint(fields[fieldRevision], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis get %s: bad revision: %w", key, err)
	}
	created, _ := strconv.ParseInt(fields[fieldCreated], 10, 64)
	return &Entry{
		Key:      key,
		Value:    []byte(fields[fieldValue]),
		Revision: rev,
		Created:  time.Unix(0, created),
	}, nil
}

// Put stores a value unconditionally.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return s.write(ctx, "put", redisPut, key, value, time.Now().UnixNano())
}

// Create stores a value only if the key is absent.
func (s *RedisStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.write(ctx, "create", redisCreate, key, value, time.Now().UnixNano())
	if errors.Is(err, errScriptRejected) {
		return 0, ErrExists
	}
	return rev, err
}

// Update stores a value only if the current revision matches.
func (s *RedisStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := s.write(ctx, "update", redisUpdate, key, value, strconv.FormatUint(revision, 10))
	if errors.Is(err, errScriptRejected) {
		return 0, ErrRevisionMismatch
	}
	return rev, err
}

var errScriptRejected = errors.New("redis script rejected write")

func (s *RedisStore) write(ctx context.Context, op string, script *redis.Script, key string, args ...interface{}) (uint64, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rev, err := script.Run(ctx, s.client, []string{s.entryKey(key), s.counterKey()}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis %s: %w", op, err)
	}
	if rev < 0 {
		return 0, errScriptRejected
	}
	return uint64(rev), nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys returns all keys matching a pattern, sorted.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, 2*s.config.OpTimeout)
	defer cancel()

	prefix := s.entryKey("")
	seen := make(map[string]bool)
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), prefix)
		// SCAN may return a key more than once.
		if MatchPattern(pattern, key) && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close shuts down the store. A client created by the store is closed.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}
