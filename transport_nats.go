package relink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

func init() {
	RegisterTransport("nats", func(uri string, opts Options) (Transport, error) {
		return NewNATSTransport(uri, opts), nil
	})
}

// NATSTransport maps event names to NATS subjects: On subscribes, Off
// unsubscribes, Emit publishes. Reconnection is the NATS client's own; its
// reconnected callback is bridged into the connect hooks so the session
// re-attaches listeners after an outage.
type NATSTransport struct {
	uri  string
	opts Options

	mu   sync.Mutex
	nc   *nats.Conn
	subs map[string]*nats.Subscription

	hooksMu sync.Mutex
	hooks   []func()
}

// NewNATSTransport creates a NATS transport for uri (nats:// address).
// Call Connect to establish the connection.
func NewNATSTransport(uri string, opts Options) *NATSTransport {
	return &NATSTransport{
		uri:  uri,
		opts: opts,
		subs: make(map[string]*nats.Subscription),
	}
}

// Connect dials the NATS server. Calling it while connected is a no-op.
func (n *NATSTransport) Connect(ctx context.Context) error {
	n.mu.Lock()
	if n.nc != nil && !n.nc.IsClosed() {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	maxReconnects := -1
	if n.opts.MaxReconnectAttempts > 0 {
		maxReconnects = n.opts.MaxReconnectAttempts
	}
	nc, err := nats.Connect(n.uri,
		nats.ReconnectWait(n.opts.ReconnectBaseDelay),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectHandler(func(*nats.Conn) { n.fireConnected() }),
	)
	if err != nil {
		return fmt.Errorf("nats connect %s: %w", n.uri, err)
	}

	n.mu.Lock()
	n.nc = nc
	n.mu.Unlock()
	n.fireConnected()
	return nil
}

// Connected reports whether the NATS connection is up.
func (n *NATSTransport) Connected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nc != nil && n.nc.IsConnected()
}

// On subscribes fn to the event subject, replacing any previous
// subscription for the same event. The whole swap runs under the adapter
// lock so two racing calls can never leave two live subscriptions for one
// subject.
func (n *NATSTransport) On(event string, fn func(json.RawMessage)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil {
		return fmt.Errorf("nats subscribe %q: not connected", event)
	}
	if prev := n.subs[event]; prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			return fmt.Errorf("nats resubscribe %q: %w", event, err)
		}
		delete(n.subs, event)
	}

	sub, err := n.nc.Subscribe(event, func(m *nats.Msg) {
		fn(json.RawMessage(m.Data))
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %q: %w", event, err)
	}
	n.subs[event] = sub
	return nil
}

// Off unsubscribes the event subject.
func (n *NATSTransport) Off(event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub := n.subs[event]
	if sub == nil {
		return nil
	}
	delete(n.subs, event)
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %q: %w", event, err)
	}
	return nil
}

// Emit publishes payload to the event subject.
func (n *NATSTransport) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil {
		return fmt.Errorf("nats publish %q: not connected", event)
	}
	if err := nc.Publish(event, payload); err != nil {
		return fmt.Errorf("nats publish %q: %w", event, err)
	}
	return nil
}

// OnConnect registers fn to run on every (re)establish.
func (n *NATSTransport) OnConnect(fn func()) {
	n.hooksMu.Lock()
	n.hooks = append(n.hooks, fn)
	n.hooksMu.Unlock()
}

// Close drains and closes the NATS connection.
func (n *NATSTransport) Close() error {
	n.mu.Lock()
	nc := n.nc
	n.nc = nil
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

func (n *NATSTransport) fireConnected() {
	n.hooksMu.Lock()
	hooks := append([]func(){}, n.hooks...)
	n.hooksMu.Unlock()
	for _, h := range hooks {
		go h()
	}
}
