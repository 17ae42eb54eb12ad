// Package relink is a connection-resilience shim placed in front of a
// realtime-messaging transport.
//
// It guarantees that each named event has at most one active listener at a
// time, and that listener registrations and outbound emits issued before the
// transport is connected are queued and automatically replayed once
// connectivity is established — never silently dropped, never duplicated.
// Queued listeners are always re-attached before any queued message is sent.
//
// Example:
//
//	s, _ := relink.Dial(ctx, "wss://example.com/rt", relink.WithAutoConnect(true))
//
//	ok := s.On("order.filled", func(payload json.RawMessage) { ... })
//	// ok == false means the registration was queued for replay.
//
//	sent, _ := s.Emit(ctx, "order.place", order)
//	// sent == false means the message was queued for replay.
//
// Note: Once is an alias for On. It does NOT provide single-shot semantics;
// see its doc comment.
package relink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Session
// ============================================================================

// Session is the public façade over one transport connection. It owns the
// registration table and both pending queues; all of that state is
// per-session, so multiple independent sessions are safe in one process.
type Session struct {
	mu        sync.Mutex
	uri       string
	opts      Options
	transport Transport

	// regMu serializes whole deregister-then-register sequences against the
	// transport, so a user On racing the drain or the reconnect re-attach
	// pass can never leave two live transport callbacks for one event.
	regMu sync.Mutex

	active   *registrationTable
	pendingL *pendingListeners
	pendingM *pendingMessages

	filter Filter

	listenerLoop *drainLoop
	messageLoop  *drainLoop
	drainingL    bool
	drainingM    bool
}

// New creates a session with no transport and no URI. Connect must be given
// a URI before anything can be sent; On and Emit queue until then.
func New(opts ...Option) *Session {
	o := Options{}
	for _, opt := range opts {
		opt(&o)
	}
	o.defaults()

	s := &Session{
		opts:     o,
		filter:   o.filter,
		active:   newRegistrationTable(),
		pendingL: newPendingListeners(),
		pendingM: newPendingMessages(),
	}
	if o.transport != nil {
		s.adoptTransport(o.transport)
	}
	return s
}

// Dial creates a session bound to uri, constructs its transport, and — when
// auto-connect is enabled — connects immediately. The uri and options are
// stored on the session for later Connect calls.
func Dial(ctx context.Context, uri string, opts ...Option) (*Session, error) {
	s := New(opts...)
	s.uri = uri
	if err := s.ensureTransport(); err != nil {
		return nil, err
	}
	if s.opts.AutoConnect {
		if err := s.transport.Connect(ctx); err != nil {
			return nil, fmt.Errorf("relink: connect %s: %w", uri, err)
		}
	}
	return s, nil
}

// URI returns the stored transport address.
func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

// Opts returns a copy of the stored options.
func (s *Session) Opts() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// Socket is the escape hatch: it returns the raw transport handle for
// operations this layer does not model. May be nil before the transport has
// been constructed.
func (s *Session) Socket() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Pending reports how much deferred work awaits replay: queued listener
// registrations and queued sends. Both reach zero once a drain completes.
func (s *Session) Pending() (listeners, messages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingL.len(), s.pendingM.len()
}

// ============================================================================
// Listener registration
// ============================================================================

// On registers listener as the single active listener for event.
//
// Connected: any existing transport callback for event is deregistered
// first, then listener is attached and recorded; returns true. Disconnected:
// the registration is queued and the retry scheduler armed; returns false
// and the listener becomes active after the next successful drain.
//
// Repeated calls for the same event name collapse to the most recent
// listener — earlier ones never fire again.
func (s *Session) On(event string, listener Listener) bool {
	s.mu.Lock()
	t := s.transport
	if t == nil || !t.Connected() {
		s.pendingL.put(event, listener)
		s.mu.Unlock()
		s.armListenerDrain()
		return false
	}
	s.mu.Unlock()

	if err := s.attach(event, listener); err != nil {
		// Transport refused the registration; fall back to the deferred
		// path so the scheduler retries it.
		s.mu.Lock()
		s.pendingL.put(event, listener)
		s.mu.Unlock()
		s.armListenerDrain()
		return false
	}
	return true
}

// Once is an alias for On and is contract-equivalent to it: registering two
// listeners for the same event results in only the second ever firing, and
// that listener fires on EVERY delivery, not just the first.
//
// This deliberately deviates from conventional single-shot once() semantics;
// the guarantee provided is listener-registration dedup, nothing more.
func (s *Session) Once(event string, listener Listener) bool {
	return s.On(event, listener)
}

// attach is the single registration path: deregister any existing transport
// callback for event, attach a new one routed through the filter, record the
// listener as active. Used by On while connected, by the listener drain, and
// by the bulk re-attach pass on reconnect.
func (s *Session) attach(event string, listener Listener) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	s.mu.Lock()
	t := s.transport
	_, exists := s.active.get(event)
	filter := s.filter
	s.mu.Unlock()

	if t == nil {
		return &InvalidStateError{Op: "attach", Reason: "no transport"}
	}
	if exists {
		if err := t.Off(event); err != nil {
			return fmt.Errorf("relink: deregister %q: %w", event, err)
		}
	}
	err := t.On(event, func(payload json.RawMessage) {
		filter(event, listener, payload, time.Now())
	})
	if err != nil {
		return fmt.Errorf("relink: register %q: %w", event, err)
	}

	s.mu.Lock()
	s.active.put(event, listener)
	s.mu.Unlock()
	return nil
}

// ============================================================================
// Sending
// ============================================================================

// Emit sends payload under event. Connected: the send happens now and Emit
// returns (true, nil). Disconnected: the send is queued, the retry scheduler
// armed, and Emit returns (false, nil) — deferral is not an error. Queued
// sends for the same event are never deduplicated and replay in order.
//
// payload may be any JSON-marshalable value; []byte and json.RawMessage are
// passed through as already-encoded JSON.
func (s *Session) Emit(ctx context.Context, event string, payload any) (bool, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("relink: encode %q payload: %w", event, err)
	}

	s.mu.Lock()
	t := s.transport
	if t == nil || !t.Connected() {
		s.pendingM.push(event, raw)
		s.mu.Unlock()
		s.armMessageDrain()
		return false, nil
	}
	s.mu.Unlock()

	if err := t.Emit(ctx, event, raw); err != nil {
		return false, fmt.Errorf("relink: emit %q: %w", event, err)
	}
	return true, nil
}

// ============================================================================
// Connection management
// ============================================================================

// Connect instructs the transport to connect, constructing it first if
// needed. uri may be empty, in which case the URI stored at Dial time (or by
// an earlier Connect) is reused; if neither exists Connect fails with
// *InvalidStateError and nothing is mutated.
func (s *Session) Connect(ctx context.Context, uri string) error {
	s.mu.Lock()
	if uri == "" {
		uri = s.uri
	}
	if uri == "" {
		s.mu.Unlock()
		return &InvalidStateError{Op: "connect", Reason: "no uri available; pass one or use Dial"}
	}
	s.uri = uri
	s.mu.Unlock()

	if err := s.ensureTransport(); err != nil {
		return err
	}
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("relink: connect %s: %w", uri, err)
	}
	return nil
}

// Close stops both drain loops and closes the transport. Queued work is
// discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	lloop, mloop := s.listenerLoop, s.messageLoop
	s.listenerLoop, s.messageLoop = nil, nil
	t := s.transport
	s.mu.Unlock()

	if lloop != nil {
		lloop.halt()
	}
	if mloop != nil {
		mloop.halt()
	}
	if t != nil {
		return t.Close()
	}
	return nil
}

// ensureTransport lazily constructs the transport from the factory registry
// and installs the connect-lifecycle hook. A session keeps the transport it
// already has; Connect never silently swaps transports.
func (s *Session) ensureTransport() error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return nil
	}
	uri, opts := s.uri, s.opts
	s.mu.Unlock()

	t, err := NewTransport(uri, opts)
	if err != nil {
		return err
	}
	s.adoptTransport(t)
	return nil
}

func (s *Session) adoptTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.OnConnect(s.onTransportConnect)
}

// onTransportConnect runs every time the transport reports newly connected.
// With auto-connect enabled it routes every active registration back through
// the listener-drain path so transport-level callbacks lost across a
// reconnect are re-attached, then drains both queues immediately instead of
// waiting for the next scheduler tick.
func (s *Session) onTransportConnect() {
	s.mu.Lock()
	if s.opts.AutoConnect && s.active.len() > 0 {
		for _, e := range s.active.snapshot() {
			s.pendingL.put(e.event, e.listener)
		}
	}
	s.mu.Unlock()

	s.drainListeners()
}
