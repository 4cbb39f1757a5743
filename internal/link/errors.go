package link

import (
	"errors"
	"fmt"
)

// State of a link. Teardown always ends in Closed.
type State int

const (
	Closed State = iota
	Open
	Streaming
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Streaming:
		return "streaming"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Sentinel errors
var (
	ErrInvalidState = errors.New("invalid link state")
	ErrBusy         = errors.New("device busy")
	ErrTimeout      = errors.New("timeout")
	ErrClosed       = errors.New("link closed")
	ErrUnsupported  = errors.New("transport not supported on this platform")
)

// ConnectionError reports a failed open. It is recoverable: retry or pick
// another device.
type ConnectionError struct {
	Address string
	Reason  string
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("connection to %s failed", e.Address)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Is matches any *ConnectionError, or one with the same Reason when the
// target sets it.
func (e *ConnectionError) Is(target error) bool {
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// LinkError reports a mid-stream failure. The link is Closed afterwards.
type LinkError struct {
	Address string
	Op      string
	Err     error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %s %s: %v", e.Address, e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// Is matches any *LinkError, or one with the same Op when the target sets it.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// IsLinkError reports whether err carries a *LinkError.
func IsLinkError(err error) bool {
	var le *LinkError
	return errors.As(err, &le)
}
