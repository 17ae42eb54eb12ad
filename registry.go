package relink

import (
	"encoding/json"

	"github.com/google/uuid"
)

// The three bookkeeping structures below are pure data; all behavior (the
// deregister-before-register sequencing, drain ordering) lives in the
// session and drain scheduler. None of them lock — callers hold Session.mu.

// ============================================================================
// Registration Table
// ============================================================================

// registrationTable maps an event name to its single active listener. At
// most one entry per name; the promotion path deregisters the previous
// transport callback before recording a replacement.
type registrationTable struct {
	listeners map[string]Listener
}

func newRegistrationTable() *registrationTable {
	return &registrationTable{listeners: make(map[string]Listener)}
}

func (r *registrationTable) get(event string) (Listener, bool) {
	l, ok := r.listeners[event]
	return l, ok
}

func (r *registrationTable) put(event string, l Listener) {
	r.listeners[event] = l
}

func (r *registrationTable) len() int {
	return len(r.listeners)
}

// snapshot returns every active registration. Used by the bulk re-attach
// pass on transport reconnect; order is not significant for this table.
func (r *registrationTable) snapshot() []pendingListener {
	out := make([]pendingListener, 0, len(r.listeners))
	for event, l := range r.listeners {
		out = append(out, pendingListener{event: event, listener: l})
	}
	return out
}

// ============================================================================
// Pending-Listener Queue
// ============================================================================

type pendingListener struct {
	event    string
	listener Listener
}

// pendingListeners holds registrations requested while disconnected. One
// entry per event name (a later request for the same name replaces the
// listener in place, keeping the original queue position); iteration is
// insertion order.
type pendingListeners struct {
	entries []pendingListener
	index   map[string]int
}

func newPendingListeners() *pendingListeners {
	return &pendingListeners{index: make(map[string]int)}
}

func (q *pendingListeners) put(event string, l Listener) {
	if i, ok := q.index[event]; ok {
		q.entries[i].listener = l
		return
	}
	q.index[event] = len(q.entries)
	q.entries = append(q.entries, pendingListener{event: event, listener: l})
}

func (q *pendingListeners) len() int {
	return len(q.entries)
}

// drain removes and returns every entry in insertion order.
func (q *pendingListeners) drain() []pendingListener {
	out := q.entries
	q.entries = nil
	q.index = make(map[string]int)
	return out
}

// requeue puts entries back at the head of the queue, ahead of anything
// enqueued since the drain they came from.
func (q *pendingListeners) requeue(entries []pendingListener) {
	if len(entries) == 0 {
		return
	}
	rest := q.entries
	q.entries = nil
	q.index = make(map[string]int)
	for _, e := range entries {
		q.put(e.event, e.listener)
	}
	for _, e := range rest {
		q.put(e.event, e.listener)
	}
}

// ============================================================================
// Pending-Message Queue
// ============================================================================

// pendingMessage is an outbound emit requested while disconnected. The ID
// exists for traceability only; queued sends are never deduplicated.
type pendingMessage struct {
	ID      string
	Event   string
	Payload json.RawMessage
}

// pendingMessages is a FIFO of deferred emits. Multiple queued sends for the
// same event name are all preserved and delivered in order.
type pendingMessages struct {
	entries []pendingMessage
}

func newPendingMessages() *pendingMessages {
	return &pendingMessages{}
}

func (q *pendingMessages) push(event string, payload json.RawMessage) pendingMessage {
	m := pendingMessage{ID: uuid.NewString(), Event: event, Payload: payload}
	q.entries = append(q.entries, m)
	return m
}

func (q *pendingMessages) len() int {
	return len(q.entries)
}

// drain removes and returns every entry in FIFO order.
func (q *pendingMessages) drain() []pendingMessage {
	out := q.entries
	q.entries = nil
	return out
}

// requeue puts unsent entries back at the head of the queue.
func (q *pendingMessages) requeue(entries []pendingMessage) {
	if len(entries) == 0 {
		return
	}
	q.entries = append(append([]pendingMessage{}, entries...), q.entries...)
}
