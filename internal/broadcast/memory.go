package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed broker
var ErrClosed = errors.New("broker closed")

type delivery struct {
	channel string
	data    []byte
}

// MemoryBroker is an in-process Broker. Several server instances in one
// process can share it to behave like instances sharing a Redis.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	queue     chan delivery
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewMemoryBroker creates and starts an in-process broker
func NewMemoryBroker() *MemoryBroker {
	b := &MemoryBroker{
		subs:  make(map[string]map[uint64]Handler),
		queue: make(chan delivery, 1024),
		done:  make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish queues env for every subscriber of channel. Deliveries happen on
// the broker's goroutine in publish order.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	select {
	case b.queue <- delivery{channel: channel, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Subscribe registers handler on channel
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return nil, ErrClosed
	default:
	}

	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if handlers, ok := b.subs[channel]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(b.subs, channel)
				}
			}
		})
	}, nil
}

// Subscribers returns how many handlers are registered on channel
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Close stops delivery
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
	return nil
}

func (b *MemoryBroker) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case d := <-b.queue:
			var env Envelope
			if err := json.Unmarshal(d.data, &env); err != nil {
				continue
			}
			for _, handler := range b.handlers(d.channel) {
				handler(context.Background(), env)
			}
		}
	}
}

func (b *MemoryBroker) handlers(channel string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		out = append(out, h)
	}
	return out
}
