package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies channel failures for the executor and scheduler.
type ErrorKind string

const (
	// KindUnreachable means the transport could not reach the device.
	KindUnreachable ErrorKind = "unreachable"
	// KindOffline means the channel was closed or the device is gone.
	KindOffline ErrorKind = "offline"
	// KindCommandFailed means the device rejected or failed the command.
	KindCommandFailed ErrorKind = "command_failed"
	// KindTimeout means the command exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
)

// Error is the classified failure every channel method returns.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("channel %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and operation name.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from err, defaulting to
// command_failed for unclassified errors.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindCommandFailed
}

// classify maps raw transport errors onto an ErrorKind.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, op, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"):
		return NewError(KindUnreachable, op, err)
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "device offline"):
		return NewError(KindOffline, op, err)
	default:
		return NewError(KindCommandFailed, op, err)
	}
}
