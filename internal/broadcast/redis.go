package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/go-redis/redis/v8"
)

// Logger is the logging surface used by the broker
type Logger interface {
	Printf(format string, args ...any)
}

// RedisBroker implements Broker over Redis pub/sub.
// All channels share one PubSub connection; a channel is subscribed while
// at least one local handler wants it.
type RedisBroker struct {
	client *redis.Client
	logger Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	subs   map[string]map[uint64]Handler
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// NewRedisBroker creates a broker on an existing Redis client
func NewRedisBroker(client *redis.Client, logger Logger) *RedisBroker {
	if logger == nil {
		logger = log.Default()
	}
	return &RedisBroker{
		client: client,
		logger: logger,
		subs:   make(map[string]map[uint64]Handler),
	}
}

// Publish encodes env as JSON and publishes it on channel
func (b *RedisBroker) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers handler on channel, subscribing the shared connection
// if this is the first local handler for it
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	if len(b.subs[channel]) == 0 {
		if err := b.subscribeLocked(ctx, channel); err != nil {
			return nil, err
		}
		b.subs[channel] = make(map[uint64]Handler)
	}

	b.nextID++
	id := b.nextID
	b.subs[channel][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(channel, id) })
	}, nil
}

func (b *RedisBroker) subscribeLocked(ctx context.Context, channel string) error {
	if b.pubsub == nil {
		pubsub := b.client.Subscribe(ctx, channel)
		// Wait for the confirmation so messages published after Subscribe
		// returns are not missed
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
		b.pubsub = pubsub
		b.wg.Add(1)
		go b.receive(pubsub)
		return nil
	}

	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBroker) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	handlers, ok := b.subs[channel]
	if !ok {
		return
	}
	delete(handlers, id)
	if len(handlers) > 0 {
		return
	}
	delete(b.subs, channel)

	if b.pubsub != nil && !b.closed {
		if err := b.pubsub.Unsubscribe(context.Background(), channel); err != nil {
			b.logger.Printf("⚠️  Failed to unsubscribe from %s: %v", channel, err)
		}
	}
}

// Close closes the shared subscription and waits for the receive loop
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pubsub := b.pubsub
	b.mu.Unlock()

	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	b.wg.Wait()
	return err
}

func (b *RedisBroker) receive(pubsub *redis.PubSub) {
	defer b.wg.Done()

	for msg := range pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			b.logger.Printf("⚠️  Dropping malformed envelope on %s: %v", msg.Channel, err)
			continue
		}
		for _, handler := range b.handlers(msg.Channel) {
			handler(context.Background(), env)
		}
	}
}

func (b *RedisBroker) handlers(channel string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Handler, 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		out = append(out, h)
	}
	return out
}
