package relink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport is the capability interface the session requires from the
// underlying realtime-messaging client. It lists every operation this layer
// intentionally supports — anything else goes through Session.Socket.
//
// The transport owns the wire protocol, handshake, heartbeats, and any
// reconnection/backoff strategy. The session only polls Connected, drives
// On/Off/Emit, and reacts to the OnConnect lifecycle notification.
type Transport interface {
	// Connect establishes the connection. Implementations must be safe to
	// call again after a disconnect.
	Connect(ctx context.Context) error

	// Connected reports whether the transport can deliver and send now.
	Connected() bool

	// On attaches fn as the transport-level callback for event, replacing
	// any previous callback for the same event.
	On(event string, fn func(payload json.RawMessage)) error

	// Off detaches the transport-level callback for event. Detaching an
	// event that was never attached is a no-op.
	Off(event string) error

	// Emit sends payload under event.
	Emit(ctx context.Context, event string, payload json.RawMessage) error

	// OnConnect registers fn to run every time the connection is newly
	// established, including after automatic reconnects.
	OnConnect(fn func())

	// Close tears the connection down for good.
	Close() error
}

// ============================================================================
// Factory registry
// ============================================================================

// TransportFactory builds a transport for uri using the session options.
type TransportFactory func(uri string, opts Options) (Transport, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]TransportFactory)
)

// RegisterTransport makes a transport available under name. The shipped
// adapters register themselves as "websocket", "nats", and "redis"; callers
// may add their own before building sessions.
func RegisterTransport(name string, f TransportFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// NewTransport builds a transport for uri from the first name in
// opts.Transports with a registered factory.
func NewTransport(uri string, opts Options) (Transport, error) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	for _, name := range opts.Transports {
		if f, ok := factories[name]; ok {
			return f(uri, opts)
		}
	}
	return nil, fmt.Errorf("relink: no registered transport among %v (have %v)",
		opts.Transports, registeredNames())
}

func registeredNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
