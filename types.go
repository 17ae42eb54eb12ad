package relink

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Core Types
// ============================================================================

// Listener is a caller-supplied callback for a named event. It receives the
// raw payload exactly as the transport delivered it.
type Listener func(payload json.RawMessage)

// ============================================================================
// Options
// ============================================================================

const (
	// DefaultRetryInterval is the drain-scheduler tick interval used when no
	// reconnection delay was configured.
	DefaultRetryInterval = 2 * time.Second

	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
)

// Options holds the configuration for a Session and its transport. Stored on
// the session at Dial time and reused for later Connect calls.
type Options struct {
	// Transports lists transport names in preference order. The first name
	// with a registered factory wins. Defaults to ["websocket"].
	Transports []string

	// AutoConnect connects at Dial time and triggers a bulk re-registration
	// pass over the active listener table every time the transport reports
	// newly connected.
	AutoConnect bool

	// RetryInterval is the tick interval of the pending-listener and
	// pending-message drain loops.
	RetryInterval time.Duration

	// Reconnection tuning, consumed by transports that own reconnection
	// (the WebSocket adapter). Zero MaxReconnectAttempts means unlimited.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	filter    Filter
	transport Transport
}

func (o *Options) defaults() {
	if len(o.Transports) == 0 {
		o.Transports = []string{"websocket"}
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if o.filter == nil {
		o.filter = Passthrough
	}
}

// Option configures a Session.
type Option func(*Options)

// WithTransports selects transports by name, in preference order.
func WithTransports(names ...string) Option {
	return func(o *Options) { o.Transports = names }
}

// WithAutoConnect enables connecting at Dial time and re-registering all
// active listeners on every transport (re)connect.
func WithAutoConnect(auto bool) Option {
	return func(o *Options) { o.AutoConnect = auto }
}

// WithRetryInterval overrides the drain-scheduler tick interval.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Options) { o.RetryInterval = d }
}

// WithReconnect tunes the transport-owned reconnection policy. maxAttempts
// of zero means retry forever.
func WithReconnect(base, max time.Duration, maxAttempts int) Option {
	return func(o *Options) {
		o.ReconnectBaseDelay = base
		o.ReconnectMaxDelay = max
		o.MaxReconnectAttempts = maxAttempts
	}
}

// WithFilter installs a delivery filter between the transport callback and
// the caller's listener.
func WithFilter(f Filter) Option {
	return func(o *Options) { o.filter = f }
}

// WithTransport injects a pre-built transport, bypassing the factory
// registry. The session still installs its connect-lifecycle hook on it.
func WithTransport(t Transport) Option {
	return func(o *Options) { o.transport = t }
}

// ============================================================================
// Payload helpers
// ============================================================================

// marshalPayload normalizes an emit payload to raw JSON. []byte and
// json.RawMessage values are assumed to already be encoded.
func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
