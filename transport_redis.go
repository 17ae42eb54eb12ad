package relink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

func init() {
	RegisterTransport("redis", func(uri string, opts Options) (Transport, error) {
		return NewRedisTransport(uri, opts), nil
	})
}

// RedisTransport maps event names to pub/sub channels. One PubSub carries
// every subscription; a single receive goroutine fans messages out to the
// per-event callbacks. go-redis reconnects and resubscribes on its own, so
// this adapter only tracks whether Connect has succeeded.
type RedisTransport struct {
	uri string

	mu        sync.Mutex
	client    *redis.Client
	pubsub    *redis.PubSub
	connected bool
	handlers  map[string]func(json.RawMessage)

	hooksMu sync.Mutex
	hooks   []func()
}

// NewRedisTransport creates a Redis pub/sub transport for uri (redis://
// address). Call Connect to establish the connection.
func NewRedisTransport(uri string, opts Options) *RedisTransport {
	return &RedisTransport{
		uri:      uri,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// Connect dials Redis, verifies it with a ping, and starts the receive
// loop. Calling it while connected is a no-op.
func (r *RedisTransport) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.connected {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	opt, err := redis.ParseURL(r.uri)
	if err != nil {
		return fmt.Errorf("redis parse %s: %w", r.uri, err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("redis ping %s: %w", r.uri, err)
	}

	// Subscribe with no channels; On adds them one by one.
	pubsub := client.Subscribe(context.Background())

	r.mu.Lock()
	r.client = client
	r.pubsub = pubsub
	r.connected = true
	r.mu.Unlock()

	go r.receiveLoop(pubsub)
	r.fireConnected()
	return nil
}

// Connected reports whether Connect has succeeded and Close has not run.
func (r *RedisTransport) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// On subscribes fn to the event channel, replacing any previous callback.
func (r *RedisTransport) On(event string, fn func(json.RawMessage)) error {
	r.mu.Lock()
	pubsub := r.pubsub
	r.handlers[event] = fn
	r.mu.Unlock()
	if pubsub == nil {
		return fmt.Errorf("redis subscribe %q: not connected", event)
	}
	if err := pubsub.Subscribe(context.Background(), event); err != nil {
		return fmt.Errorf("redis subscribe %q: %w", event, err)
	}
	return nil
}

// Off unsubscribes the event channel.
func (r *RedisTransport) Off(event string) error {
	r.mu.Lock()
	pubsub := r.pubsub
	delete(r.handlers, event)
	r.mu.Unlock()
	if pubsub == nil {
		return nil
	}
	if err := pubsub.Unsubscribe(context.Background(), event); err != nil {
		return fmt.Errorf("redis unsubscribe %q: %w", event, err)
	}
	return nil
}

// Emit publishes payload to the event channel.
func (r *RedisTransport) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return fmt.Errorf("redis publish %q: not connected", event)
	}
	if err := client.Publish(ctx, event, []byte(payload)).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", event, err)
	}
	return nil
}

// OnConnect registers fn to run once the connection is established.
func (r *RedisTransport) OnConnect(fn func()) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, fn)
	r.hooksMu.Unlock()
}

// Close shuts down the subscription and the client.
func (r *RedisTransport) Close() error {
	r.mu.Lock()
	pubsub, client := r.pubsub, r.client
	r.pubsub, r.client = nil, nil
	r.connected = false
	r.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

func (r *RedisTransport) receiveLoop(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		r.mu.Lock()
		fn := r.handlers[msg.Channel]
		r.mu.Unlock()
		if fn != nil {
			go fn(json.RawMessage(msg.Payload))
		}
	}
}

func (r *RedisTransport) fireConnected() {
	r.hooksMu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.hooksMu.Unlock()
	for _, h := range hooks {
		go h()
	}
}
