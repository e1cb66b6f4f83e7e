package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore keeps counters in Redis so every instance sees the same count
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a counter store on an existing Redis client
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment sends INCR and EXPIRE NX in one MULTI/EXEC. NX only sets a TTL
// on a key that has none, so the window is never extended by later
// connections, and a key that somehow lost its TTL gets one back on the
// next connection instead of counting forever.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}

	return incr.Val(), nil
}

// MemoryStore is a single-process CounterStore used when no Redis is configured
type MemoryStore struct {
	mu        sync.Mutex
	counters  map[string]*memoryCounter
	now       func() time.Time
	nextSweep time.Time
}

type memoryCounter struct {
	value     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory counter store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// WithClock replaces the time source used for expiry
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Increment mirrors RedisStore: the first increment of a key starts its TTL
func (s *MemoryStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	counter, ok := s.counters[key]
	if !ok || (!counter.expiresAt.IsZero() && !now.Before(counter.expiresAt)) {
		counter = &memoryCounter{}
		if window > 0 {
			counter.expiresAt = now.Add(window)
		}
		s.counters[key] = counter
	}
	counter.value++

	// Drop expired keys at most once per window
	if !now.Before(s.nextSweep) {
		for k, c := range s.counters {
			if k != key && !c.expiresAt.IsZero() && !now.Before(c.expiresAt) {
				delete(s.counters, k)
			}
		}
		s.nextSweep = now.Add(window)
	}

	return counter.value, nil
}
