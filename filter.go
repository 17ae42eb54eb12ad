package relink

import (
	"encoding/json"
	"time"
)

// Filter sits between the transport-level callback and the caller-supplied
// listener. Every delivery for a registered event passes through it; the
// filter decides whether and how to invoke the listener.
//
// This is the extension point for suppressing duplicate rapid-fire
// deliveries of the same logical event. The shipped default forwards every
// payload unchanged.
type Filter func(event string, listener Listener, payload json.RawMessage, at time.Time)

// Passthrough forwards the payload to the listener unmodified.
func Passthrough(event string, listener Listener, payload json.RawMessage, at time.Time) {
	listener(payload)
}
