package relink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeTransport is an in-memory Transport with a controllable connected
// flag. It records every On/Off/Emit in a single ops log so tests can assert
// cross-queue ordering.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]func(json.RawMessage)
	hooks     []func()
	ops       []string
	emits     []fakeEmit
	connects  int
	onErr     error
	emitErr   error

	// When onGate is set, On parks on it before doing anything, signalling
	// onEntered first. Lets tests freeze a registration mid-flight.
	onGate    chan struct{}
	onEntered chan struct{}
}

type fakeEmit struct {
	event   string
	payload string
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{
		connected: connected,
		handlers:  make(map[string]func(json.RawMessage)),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.connects++
	f.mu.Unlock()
	f.fireConnect()
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) On(event string, fn func(json.RawMessage)) error {
	f.mu.Lock()
	gate, entered := f.onGate, f.onEntered
	f.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onErr != nil {
		return f.onErr
	}
	f.handlers[event] = fn
	f.ops = append(f.ops, "on:"+event)
	return nil
}

func (f *fakeTransport) Off(event string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, event)
	f.ops = append(f.ops, "off:"+event)
	return nil
}

func (f *fakeTransport) Emit(ctx context.Context, event string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.ops = append(f.ops, "emit:"+event)
	f.emits = append(f.emits, fakeEmit{event: event, payload: string(payload)})
	return nil
}

func (f *fakeTransport) OnConnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, fn)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

// setConnected flips the flag without firing lifecycle hooks, so tests can
// exercise the polled drain path in isolation.
func (f *fakeTransport) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

// fireConnect runs the lifecycle hooks synchronously, like a transport
// reporting newly connected.
func (f *fakeTransport) fireConnect() {
	f.mu.Lock()
	hooks := append([]func(){}, f.hooks...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// deliver invokes the transport-level callback for event, if any.
func (f *fakeTransport) deliver(event string, payload string) {
	f.mu.Lock()
	fn := f.handlers[event]
	f.mu.Unlock()
	if fn != nil {
		fn(json.RawMessage(payload))
	}
}

func (f *fakeTransport) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ops...)
}

func (f *fakeTransport) emitsSnapshot() []fakeEmit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeEmit{}, f.emits...)
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func newTestSession(ft *fakeTransport, opts ...Option) *Session {
	opts = append([]Option{WithTransport(ft), WithRetryInterval(5 * time.Millisecond)}, opts...)
	return New(opts...)
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// counter is a goroutine-safe invocation counter usable as a Listener.
type counter struct {
	mu   sync.Mutex
	n    int
	last string
}

func (c *counter) listener() Listener {
	return func(payload json.RawMessage) {
		c.mu.Lock()
		c.n++
		c.last = string(payload)
		c.mu.Unlock()
	}
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// ============================================================================
// Listener dedup
// ============================================================================

func TestOnDeduplicatesListeners(t *testing.T) {
	ft := newFakeTransport(true)
	s := newTestSession(ft)

	var first, second, third counter
	for i, c := range []*counter{&first, &second, &third} {
		if ok := s.On("order.filled", c.listener()); !ok {
			t.Fatalf("On #%d: expected immediate registration while connected", i+1)
		}
	}

	ft.deliver("order.filled", `{"qty":1}`)

	if got := third.count(); got != 1 {
		t.Errorf("last-registered listener fired %d times, want 1", got)
	}
	if first.count() != 0 || second.count() != 0 {
		t.Errorf("superseded listeners fired: first=%d second=%d, want 0",
			first.count(), second.count())
	}
	if got := ft.handlerCount(); got != 1 {
		t.Errorf("transport holds %d callbacks for one event, want 1", got)
	}
}

// ============================================================================
// Deferred registration
// ============================================================================

func TestDeferredRegistrationDrains(t *testing.T) {
	t.Run("reactive via connect notification", func(t *testing.T) {
		ft := newFakeTransport(false)
		s := newTestSession(ft)

		var c counter
		if ok := s.On("tick", c.listener()); ok {
			t.Fatal("expected deferred registration while disconnected")
		}
		if ft.handlerCount() != 0 {
			t.Fatal("listener must not be attached before connectivity")
		}

		if err := s.Connect(context.Background(), "fake://upstream"); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		waitFor(t, func() bool { return ft.handlerCount() == 1 }, "listener promotion")
		ft.deliver("tick", `1`)
		if c.count() != 1 {
			t.Errorf("listener fired %d times after drain, want 1", c.count())
		}
	})

	t.Run("polled by the drain loop", func(t *testing.T) {
		ft := newFakeTransport(false)
		s := newTestSession(ft)

		var c counter
		if ok := s.On("tick", c.listener()); ok {
			t.Fatal("expected deferred registration while disconnected")
		}

		// Connectivity appears without any lifecycle notification; only the
		// periodic drain can observe it.
		ft.setConnected(true)

		waitFor(t, func() bool { return ft.handlerCount() == 1 }, "polled listener promotion")
		ft.deliver("tick", `1`)
		if c.count() != 1 {
			t.Errorf("listener fired %d times after drain, want 1", c.count())
		}
	})
}

// ============================================================================
// Send ordering
// ============================================================================

func TestEmitOrderingUnderDeferral(t *testing.T) {
	ft := newFakeTransport(false)
	s := newTestSession(ft)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sent, err := s.Emit(ctx, "metric.push", map[string]int{"seq": i})
		if err != nil {
			t.Fatalf("Emit #%d: %v", i, err)
		}
		if sent {
			t.Fatalf("Emit #%d: expected deferral while disconnected", i)
		}
	}

	ft.setConnected(true)
	waitFor(t, func() bool { return len(ft.emitsSnapshot()) == 3 }, "message drain")

	for i, e := range ft.emitsSnapshot() {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if e.event != "metric.push" || e.payload != want {
			t.Errorf("replayed send %d = %s %s, want metric.push %s", i, e.event, e.payload, want)
		}
	}
}

func TestQueuedEmitsAreNotDeduplicated(t *testing.T) {
	ft := newFakeTransport(false)
	s := newTestSession(ft)
	ctx := context.Background()

	s.Emit(ctx, "ping", `1`)
	s.Emit(ctx, "ping", `1`)

	ft.setConnected(true)
	waitFor(t, func() bool { return len(ft.emitsSnapshot()) == 2 }, "both duplicate sends")
}

// ============================================================================
// Listeners before messages
// ============================================================================

func TestListenersAttachBeforeMessagesSend(t *testing.T) {
	ft := newFakeTransport(false)
	s := newTestSession(ft)
	ctx := context.Background()

	s.Emit(ctx, "job.submit", `{"id":1}`)
	s.On("job.result", func(json.RawMessage) {})
	s.On("job.progress", func(json.RawMessage) {})
	s.Emit(ctx, "job.submit", `{"id":2}`)

	ft.setConnected(true)
	waitFor(t, func() bool { return len(ft.emitsSnapshot()) == 2 }, "full drain")

	ops := ft.opsSnapshot()
	lastOn, firstEmit := -1, len(ops)
	for i, op := range ops {
		switch {
		case op == "on:job.result" || op == "on:job.progress":
			if i > lastOn {
				lastOn = i
			}
		case op == "emit:job.submit" && i < firstEmit:
			firstEmit = i
		}
	}
	if lastOn == -1 || firstEmit == len(ops) {
		t.Fatalf("drain incomplete, ops=%v", ops)
	}
	if lastOn > firstEmit {
		t.Errorf("a message was sent before all listeners attached, ops=%v", ops)
	}
}

// A queued message must not ship while a dequeued registration is still
// mid-attach inside the transport, whatever order the two drain timers fire.
func TestMessagesWaitForInFlightListenerAttach(t *testing.T) {
	ft := newFakeTransport(false)
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	ft.mu.Lock()
	ft.onGate, ft.onEntered = gate, entered
	ft.mu.Unlock()

	s := newTestSession(ft)
	ctx := context.Background()

	s.On("job.result", func(json.RawMessage) {})
	s.Emit(ctx, "job.submit", `{"id":1}`)

	// Connectivity appears; the listener drain parks inside the transport
	// attach while the message loop keeps ticking.
	ft.setConnected(true)
	<-entered

	time.Sleep(50 * time.Millisecond)
	for _, op := range ft.opsSnapshot() {
		if op == "emit:job.submit" {
			t.Fatalf("message sent while a listener attach was in flight, ops=%v", ft.opsSnapshot())
		}
	}

	close(gate)
	waitFor(t, func() bool { return len(ft.emitsSnapshot()) == 1 }, "message replay")

	onIdx, emitIdx := -1, -1
	for i, op := range ft.opsSnapshot() {
		switch {
		case op == "on:job.result" && onIdx == -1:
			onIdx = i
		case op == "emit:job.submit" && emitIdx == -1:
			emitIdx = i
		}
	}
	if onIdx == -1 || emitIdx == -1 || onIdx > emitIdx {
		t.Errorf("listener attach must precede the replayed send, ops=%v", ft.opsSnapshot())
	}
}

// A registration deferred while a drain pass is completing must stay owned by
// a live loop: the pass may only retire its loop after re-checking the queue
// it is about to orphan.
func TestRegistrationsDuringDrainAreNotStranded(t *testing.T) {
	ft := newFakeTransport(false)
	gate := make(chan struct{})
	entered := make(chan struct{}, 4)
	ft.mu.Lock()
	ft.onGate, ft.onEntered = gate, entered
	ft.mu.Unlock()

	s := newTestSession(ft)

	var first, second counter
	s.On("first", first.listener())

	ft.setConnected(true)
	<-entered // the drain is inside the transport attach for "first"

	// The transport flaps down, so this registration takes the deferred path
	// while the in-flight drain still holds the loop handle.
	ft.setConnected(false)
	if ok := s.On("second", second.listener()); ok {
		t.Fatal("expected deferred registration while disconnected")
	}

	close(gate)
	ft.setConnected(true)

	waitFor(t, func() bool {
		ft.mu.Lock()
		_, ok := ft.handlers["second"]
		ft.mu.Unlock()
		return ok
	}, "the registration queued mid-drain to attach")

	if l, _ := s.Pending(); l != 0 {
		t.Errorf("%d registrations still queued after drain, want 0", l)
	}
}

// ============================================================================
// Concurrent registration
// ============================================================================

// Racing On calls for one event must serialize their deregister-then-register
// sequences: the transport op log always shows attaches = detaches + 1.
func TestConcurrentOnKeepsSingleRegistration(t *testing.T) {
	ft := newFakeTransport(true)
	s := newTestSession(ft)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.On("dup", func(json.RawMessage) {})
		}()
	}
	wg.Wait()

	ons, offs := 0, 0
	for _, op := range ft.opsSnapshot() {
		switch op {
		case "on:dup":
			ons++
		case "off:dup":
			offs++
		}
	}
	if ons != offs+1 {
		t.Errorf("interleaved registration sequences: %d attaches, %d detaches, want attaches = detaches+1", ons, offs)
	}
	if got := ft.handlerCount(); got != 1 {
		t.Errorf("transport holds %d callbacks for one event, want 1", got)
	}
}

// ============================================================================
// Connect without URI
// ============================================================================

func TestConnectWithoutURI(t *testing.T) {
	s := New()

	err := s.Connect(context.Background(), "")
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("Connect with no URI = %v, want *InvalidStateError", err)
	}
	if ise.Op != "connect" {
		t.Errorf("Op = %q, want connect", ise.Op)
	}
	if s.Socket() != nil {
		t.Error("no transport must be constructed by a failing Connect")
	}
}

// ============================================================================
// Idempotent scheduler start
// ============================================================================

func TestIdempotentSchedulerStart(t *testing.T) {
	ft := newFakeTransport(false)
	s := newTestSession(ft)
	ctx := context.Background()

	s.On("a", func(json.RawMessage) {})
	s.mu.Lock()
	listenerLoop := s.listenerLoop
	s.mu.Unlock()
	if listenerLoop == nil {
		t.Fatal("listener drain not armed")
	}

	s.On("b", func(json.RawMessage) {})
	s.On("c", func(json.RawMessage) {})
	s.mu.Lock()
	if s.listenerLoop != listenerLoop {
		t.Error("repeated On calls started a second listener drain loop")
	}
	s.mu.Unlock()

	s.Emit(ctx, "x", `1`)
	s.mu.Lock()
	messageLoop := s.messageLoop
	s.mu.Unlock()
	if messageLoop == nil {
		t.Fatal("message drain not armed")
	}

	s.Emit(ctx, "y", `2`)
	s.mu.Lock()
	if s.messageLoop != messageLoop {
		t.Error("repeated Emit calls started a second message drain loop")
	}
	s.mu.Unlock()

	// Both loops retire themselves after one successful drain.
	ft.setConnected(true)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.listenerLoop == nil && s.messageLoop == nil
	}, "drain loops to self-cancel")

	if got := len(ft.emitsSnapshot()); got != 2 {
		t.Errorf("replayed %d sends, want 2", got)
	}
}

// ============================================================================
// Once alias behavior
// ============================================================================

func TestOnceIsAnAliasNotSingleShot(t *testing.T) {
	ft := newFakeTransport(true)
	s := newTestSession(ft)

	var first, second counter
	s.Once("alert", first.listener())
	s.Once("alert", second.listener())

	ft.deliver("alert", `"a"`)
	ft.deliver("alert", `"b"`)

	if first.count() != 0 {
		t.Errorf("first Once listener fired %d times, want 0 (superseded)", first.count())
	}
	if second.count() != 2 {
		t.Errorf("second Once listener fired %d times, want 2 (no single-shot)", second.count())
	}
}

// ============================================================================
// Bulk re-attach on reconnect
// ============================================================================

func TestReattachActiveListenersOnReconnect(t *testing.T) {
	ft := newFakeTransport(true)
	s := newTestSession(ft, WithAutoConnect(true))

	var c counter
	if ok := s.On("feed.update", c.listener()); !ok {
		t.Fatal("expected immediate registration")
	}

	// Transport drops and re-establishes on its own.
	ft.setConnected(false)
	ft.setConnected(true)
	ft.fireConnect()

	ops := ft.opsSnapshot()
	want := []string{"on:feed.update", "off:feed.update", "on:feed.update"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q (full ops %v)", i, ops[i], want[i], ops)
		}
	}

	ft.deliver("feed.update", `{}`)
	if c.count() != 1 {
		t.Errorf("listener fired %d times after re-attach, want 1", c.count())
	}
}

// ============================================================================
// Filter seam
// ============================================================================

func TestFilterSeam(t *testing.T) {
	t.Run("default passes payload through unchanged", func(t *testing.T) {
		ft := newFakeTransport(true)
		s := newTestSession(ft)

		var c counter
		s.On("raw", c.listener())
		ft.deliver("raw", `{"k":"v"}`)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.n != 1 || c.last != `{"k":"v"}` {
			t.Errorf("got n=%d last=%s, want 1 delivery of the unchanged payload", c.n, c.last)
		}
	})

	t.Run("custom filter can suppress deliveries", func(t *testing.T) {
		seen := make(map[string]bool)
		dedup := func(event string, listener Listener, payload json.RawMessage, at time.Time) {
			key := event + string(payload)
			if seen[key] {
				return
			}
			seen[key] = true
			listener(payload)
		}

		ft := newFakeTransport(true)
		s := newTestSession(ft, WithFilter(dedup))

		var c counter
		s.On("tap", c.listener())
		ft.deliver("tap", `1`)
		ft.deliver("tap", `1`)
		ft.deliver("tap", `2`)

		if c.count() != 2 {
			t.Errorf("filtered listener fired %d times, want 2", c.count())
		}
	})
}

// ============================================================================
// Failed transport calls fall back to the deferred path
// ============================================================================

func TestAttachFailureDefersRegistration(t *testing.T) {
	ft := newFakeTransport(true)
	ft.onErr = errors.New("subscription refused")
	s := newTestSession(ft)

	var c counter
	if ok := s.On("flaky", c.listener()); ok {
		t.Fatal("expected deferral when the transport refuses the registration")
	}

	ft.mu.Lock()
	ft.onErr = nil
	ft.mu.Unlock()

	waitFor(t, func() bool { return ft.handlerCount() == 1 }, "retried registration")
}

// ============================================================================
// Dial and the factory registry
// ============================================================================

func TestDialWithRegisteredFactory(t *testing.T) {
	ft := newFakeTransport(false)
	RegisterTransport("fake", func(uri string, opts Options) (Transport, error) {
		return ft, nil
	})

	s, err := Dial(context.Background(), "fake://upstream",
		WithTransports("fake"), WithAutoConnect(true))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if !ft.Connected() || ft.connects != 1 {
		t.Errorf("auto-connect did not connect exactly once (connects=%d)", ft.connects)
	}
	if s.URI() != "fake://upstream" {
		t.Errorf("URI = %q, want fake://upstream", s.URI())
	}
	if s.Socket() != Transport(ft) {
		t.Error("Socket must expose the raw transport handle")
	}
}

func TestNewTransportUnknownName(t *testing.T) {
	_, err := NewTransport("x://y", Options{Transports: []string{"no-such-transport"}})
	if err == nil {
		t.Fatal("expected an error for an unregistered transport name")
	}
}
