package relink

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

func init() {
	RegisterTransport("websocket", func(uri string, opts Options) (Transport, error) {
		return NewWSTransport(uri, opts), nil
	})
}

// ============================================================================
// Connection state
// ============================================================================

type wsState string

const (
	wsDisconnected wsState = "disconnected"
	wsConnecting   wsState = "connecting"
	wsConnected    wsState = "connected"
	wsReconnecting wsState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// wsReconnector tracks reconnection attempts with capped exponential backoff
// and jitter. The attempt counter resets after a connection that held for
// over a minute. Guarded by its own mutex: a user-initiated Connect and the
// reconnect goroutine touch it concurrently.
type wsReconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newWSReconnector(opts Options) *wsReconnector {
	return &wsReconnector{
		baseDelay:   opts.ReconnectBaseDelay,
		maxDelay:    opts.ReconnectMaxDelay,
		maxAttempts: opts.MaxReconnectAttempts,
	}
}

func (r *wsReconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *wsReconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *wsReconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// WSTransport
// ============================================================================

// wsEnvelope is the wire format: one JSON object per text frame.
type wsEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSTransport speaks the {event, payload} envelope over a WebSocket. It owns
// automatic reconnection with capped exponential backoff and fires its
// connect hooks on every establish, including re-establishes.
type WSTransport struct {
	uri string

	mu               sync.Mutex
	conn             *websocket.Conn
	state            wsState
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	hooksMu sync.Mutex
	hooks   []func()

	recon *wsReconnector
}

// NewWSTransport creates a WebSocket transport for uri. http(s) schemes are
// rewritten to ws(s). Call Connect to establish the connection.
func NewWSTransport(uri string, opts Options) *WSTransport {
	return &WSTransport{
		uri:      wsURL(uri),
		state:    wsDisconnected,
		handlers: make(map[string]func(json.RawMessage)),
		recon:    newWSReconnector(opts),
	}
}

func wsURL(uri string) string {
	uri = strings.Replace(uri, "https://", "wss://", 1)
	return strings.Replace(uri, "http://", "ws://", 1)
}

// Connect dials the WebSocket and starts the read loop. Calling it while
// connected or connecting is a no-op.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == wsConnected || ws.state == wsConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = wsConnecting
	ws.intentionalClose = false
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.uri, nil)
	if err != nil {
		ws.mu.Lock()
		ws.state = wsDisconnected
		ws.mu.Unlock()
		return fmt.Errorf("websocket dial %s: %w", ws.uri, err)
	}

	// The read loop outlives the dial context.
	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = wsConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	go ws.readLoop(connCtx, conn)
	ws.fireConnected()
	return nil
}

// Connected reports whether the socket is established.
func (ws *WSTransport) Connected() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state == wsConnected
}

// On attaches fn as the callback for event, replacing any previous one.
func (ws *WSTransport) On(event string, fn func(json.RawMessage)) error {
	ws.handlersMu.Lock()
	ws.handlers[event] = fn
	ws.handlersMu.Unlock()
	return nil
}

// Off detaches the callback for event.
func (ws *WSTransport) Off(event string) error {
	ws.handlersMu.Lock()
	delete(ws.handlers, event)
	ws.handlersMu.Unlock()
	return nil
}

// Emit writes one envelope frame.
func (ws *WSTransport) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket emit %q: not connected", event)
	}

	data, err := json.Marshal(wsEnvelope{Event: event, Payload: payload})
	if err != nil {
		return fmt.Errorf("websocket encode %q: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write %q: %w", event, err)
	}
	return nil
}

// OnConnect registers fn to run on every (re)establish.
func (ws *WSTransport) OnConnect(fn func()) {
	ws.hooksMu.Lock()
	ws.hooks = append(ws.hooks, fn)
	ws.hooksMu.Unlock()
}

// Close shuts the socket down and disables reconnection.
func (ws *WSTransport) Close() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = wsDisconnected
	ws.mu.Unlock()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (ws *WSTransport) fireConnected() {
	ws.hooksMu.Lock()
	hooks := append([]func(){}, ws.hooks...)
	ws.hooksMu.Unlock()
	for _, h := range hooks {
		go h()
	}
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.mu.Lock()
			ws.state = wsDisconnected
			ws.conn = nil
			ws.mu.Unlock()

			if ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env wsEnvelope
		if json.Unmarshal(data, &env) != nil || env.Event == "" {
			continue
		}

		ws.handlersMu.RLock()
		fn := ws.handlers[env.Event]
		ws.handlersMu.RUnlock()
		if fn != nil {
			go fn(env.Payload)
		}
	}
}

func (ws *WSTransport) scheduleReconnect() {
	delay := ws.recon.nextDelay()
	ws.mu.Lock()
	ws.state = wsReconnecting
	ws.mu.Unlock()

	time.Sleep(delay)

	ws.mu.Lock()
	intentional := ws.intentionalClose
	// Connect refuses to run unless we leave the reconnecting state.
	ws.state = wsDisconnected
	ws.mu.Unlock()
	if intentional {
		return
	}

	if err := ws.Connect(context.Background()); err != nil {
		if ws.recon.shouldReconnect() {
			ws.scheduleReconnect()
		}
	}
}
