package cable

import (
	"fmt"
	"github.com/juju/errors"
	"time"
)

// TimeoutError is returned when a handshake step does not complete within
// the client's step timeout.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

// ProtocolError is returned when the server answers a handshake step with
// something other than the awaited event.
type ProtocolError struct {
	Op    string
	Event *Event
	// Frame is the raw frame when it could not be decoded into an Event.
	Frame string
}

func (e *ProtocolError) Error() string {
	if e.Event == nil {
		return fmt.Sprintf("%s: malformed event %s", e.Op, e.Frame)
	}
	if e.Event.Identifier != "" {
		return fmt.Sprintf("%s: unexpected %s event for %q", e.Op, e.Event.Type, e.Event.Identifier)
	}
	return fmt.Sprintf("%s: unexpected %s event", e.Op, e.Event.Type)
}

func IsTimeout(err error) bool {
	_, ok := errors.Cause(err).(*TimeoutError)
	return ok
}

// IsRejected reports whether the server broke the protocol: a handshake
// answered with the wrong event, including reject_subscription, or a frame
// that is not an event.
func IsRejected(err error) bool {
	_, ok := errors.Cause(err).(*ProtocolError)
	return ok
}

// IsPrecondition reports whether an operation was called in a state that
// does not allow it.
func IsPrecondition(err error) bool {
	return errors.IsNotValid(err)
}

// IsUnknownChannel reports whether the server sent a message on a channel
// this client never subscribed to.
func IsUnknownChannel(err error) bool {
	return errors.IsNotFound(err)
}

func precondition(op string, state State) error {
	return errors.NotValidf("%s on %s client", op, state)
}
