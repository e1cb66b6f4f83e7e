package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

/*
LEARNING: TWO KINDS OF RATE LIMITS

1. Connection rate (per user, shared by every instance):
   A counter in the shared store, incremented on every new WebSocket.
   The first increment of a window sets the TTL, so the key disappears
   when the window ends and the next connection starts a fresh count.

2. Message rate (per connection, local to this process):
   A plain in-memory counter with a 1-second window. It never leaves the
   process, so checking it costs no network round trip.
*/

// CounterStore is the shared counter backend used for connection limits
type CounterStore interface {
	// Increment atomically adds one to key and returns the new value.
	// The key expires after window, counted from its first increment.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config holds the externally tunable limits
type Config struct {
	MaxConnectionsPerUser int
	ConnectionWindow      time.Duration
	MaxMessagesPerSecond  int
	KeyPrefix             string
}

// Decision is the result of a connection check
type Decision struct {
	Allowed bool
	Count   int64
	Limit   int
}

type messageWindow struct {
	count   int
	resetAt time.Time
}

// Limiter enforces connection and message limits
type Limiter struct {
	store CounterStore
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	messages map[string]*messageWindow // socketID -> window
}

// NewLimiter creates a limiter backed by store
func NewLimiter(store CounterStore, cfg Config) *Limiter {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "live"
	}
	return &Limiter{
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		messages: make(map[string]*messageWindow),
	}
}

// WithClock replaces the time source used for message windows
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Config returns the limits this limiter enforces
func (l *Limiter) Config() Config {
	return l.cfg
}

// ConnectionKey is the shared-store key for a user's connection counter
func (l *Limiter) ConnectionKey(userID string) string {
	return fmt.Sprintf("%s:ratelimit:conn:%s", l.cfg.KeyPrefix, userID)
}

// CheckConnection counts a new connection for userID.
//
// A store error is returned together with an allowing decision: callers
// decide how to log it, but the connection is never refused because the
// store is down.
func (l *Limiter) CheckConnection(ctx context.Context, userID string) (Decision, error) {
	decision := Decision{Allowed: true, Limit: l.cfg.MaxConnectionsPerUser}
	if l.cfg.MaxConnectionsPerUser <= 0 {
		return decision, nil
	}

	count, err := l.store.Increment(ctx, l.ConnectionKey(userID), l.cfg.ConnectionWindow)
	if err != nil {
		return decision, fmt.Errorf("connection counter unavailable: %w", err)
	}

	decision.Count = count
	if count > int64(l.cfg.MaxConnectionsPerUser) {
		decision.Allowed = false
	}
	return decision, nil
}

// CheckMessageRate counts one inbound message for socketID and reports
// whether it fits in the current 1-second window
func (l *Limiter) CheckMessageRate(socketID string) bool {
	if l.cfg.MaxMessagesPerSecond <= 0 {
		return true
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	window, ok := l.messages[socketID]
	if !ok || !now.Before(window.resetAt) {
		l.messages[socketID] = &messageWindow{count: 1, resetAt: now.Add(time.Second)}
		return true
	}

	if window.count >= l.cfg.MaxMessagesPerSecond {
		return false
	}
	window.count++
	return true
}

// Release forgets the message counter of a closed connection
func (l *Limiter) Release(socketID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.messages, socketID)
}

// TrackedConnections returns how many message counters are held in memory
func (l *Limiter) TrackedConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.messages)
}
