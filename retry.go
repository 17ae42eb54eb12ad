package relink

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// Drain loop
// ============================================================================

// drainLoop is a single periodic drain process. A session records at most
// one per queue type; starting is idempotent (see armListenerDrain /
// armMessageDrain). A loop self-cancels once its tick reports the queue
// connected and fully drained; there is no give-up policy.
type drainLoop struct {
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

func newDrainLoop(interval time.Duration) *drainLoop {
	return &drainLoop{interval: interval, stop: make(chan struct{})}
}

func (l *drainLoop) run(tick func() bool) {
	t := time.NewTicker(l.interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if tick() {
				return
			}
		}
	}
}

func (l *drainLoop) halt() {
	l.once.Do(func() { close(l.stop) })
}

// ============================================================================
// Scheduler arming
// ============================================================================

func (s *Session) armListenerDrain() {
	s.mu.Lock()
	if s.listenerLoop != nil {
		s.mu.Unlock()
		return
	}
	loop := newDrainLoop(s.opts.RetryInterval)
	s.listenerLoop = loop
	s.mu.Unlock()
	go loop.run(s.drainListeners)
}

func (s *Session) armMessageDrain() {
	s.mu.Lock()
	if s.messageLoop != nil {
		s.mu.Unlock()
		return
	}
	loop := newDrainLoop(s.opts.RetryInterval)
	s.messageLoop = loop
	s.mu.Unlock()
	go loop.run(s.drainMessages)
}

// ============================================================================
// Drain passes
// ============================================================================

// drainListeners promotes every queued registration through the same path
// On uses while connected, then hands off to the message drain. Returns true
// once the queue has been observed connected and fully drained.
//
// drainingL marks the pass in flight so the message drain holds off while
// dequeued registrations are still mid-attach, and so overlapping ticks of
// this pass collapse to one.
func (s *Session) drainListeners() bool {
	s.mu.Lock()
	t := s.transport
	if t == nil || !t.Connected() || s.drainingL {
		s.mu.Unlock()
		return false
	}
	s.drainingL = true
	entries := s.pendingL.drain()
	s.mu.Unlock()

	for i, e := range entries {
		if err := s.attach(e.event, e.listener); err != nil {
			s.mu.Lock()
			s.pendingL.requeue(entries[i:])
			s.drainingL = false
			s.mu.Unlock()
			s.armListenerDrain()
			return false
		}
	}

	// Retire the loop only if nothing was queued while the attaches ran.
	// The re-check shares the critical section that clears the handle, so a
	// racing On either sees a live loop or arms a fresh one — its entry can
	// never be stranded against a dying loop.
	s.mu.Lock()
	s.drainingL = false
	if s.pendingL.len() > 0 {
		s.mu.Unlock()
		s.armListenerDrain()
		return false
	}
	loop := s.listenerLoop
	s.listenerLoop = nil
	s.mu.Unlock()
	if loop != nil {
		loop.halt()
	}

	// Queued listeners are attached; replay queued sends now rather than
	// waiting for the message loop's next tick.
	s.drainMessages()
	return true
}

// drainMessages replays every queued emit in FIFO order. It refuses to run
// while listener registrations are still pending — queued or mid-attach in
// an in-flight listener pass: a replayed send may trigger a response whose
// listener must already be attached.
func (s *Session) drainMessages() bool {
	s.mu.Lock()
	t := s.transport
	if t == nil || !t.Connected() || s.drainingM || s.drainingL || s.pendingL.len() > 0 {
		s.mu.Unlock()
		return false
	}
	s.drainingM = true
	entries := s.pendingM.drain()
	s.mu.Unlock()

	ctx := context.Background()
	for i, m := range entries {
		if err := t.Emit(ctx, m.Event, m.Payload); err != nil {
			s.mu.Lock()
			s.pendingM.requeue(entries[i:])
			s.drainingM = false
			s.mu.Unlock()
			s.armMessageDrain()
			return false
		}
	}

	// Same retire-or-keep re-check as the listener pass.
	s.mu.Lock()
	s.drainingM = false
	if s.pendingM.len() > 0 {
		s.mu.Unlock()
		s.armMessageDrain()
		return false
	}
	loop := s.messageLoop
	s.messageLoop = nil
	s.mu.Unlock()
	if loop != nil {
		loop.halt()
	}
	return true
}
