package relink

import "fmt"

// InvalidStateError reports a synchronous misuse of the session, such as
// calling Connect with no URI ever supplied. It is never used for runtime
// connectivity problems; those are handled by queuing and background retry.
type InvalidStateError struct {
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("relink: %s: %s", e.Op, e.Reason)
}
