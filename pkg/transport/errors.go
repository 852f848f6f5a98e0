package transport

import (
	"errors"
	"fmt"
)

// ErrNoData is returned when the peer closed the stream before any complete
// message arrived.
var ErrNoData = errors.New("transport: no data received")

// ErrNotConnected is returned when an operation needs a live socket.
var ErrNotConnected = errors.New("transport: not connected")

// ErrUnsupported is returned by delegating transports whose connection lacks
// a capability.
var ErrUnsupported = errors.New("transport: operation not supported by connection")

// TimeoutError reports a read deadline expiry. It is distinct from ErrNoData.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transport: %s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error   { return e.Err }
func (e *TimeoutError) Timeout() bool   { return true }
func (e *TimeoutError) Temporary() bool { return false }

// MessageTooLargeError is fatal to the connection and never retried.
type MessageTooLargeError struct {
	Buffered int
	Limit    int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("transport: buffered message of %d bytes exceeds max message size %d", e.Buffered, e.Limit)
}

// SendError reports that every send attempt failed.
type SendError struct {
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// HostError is an error response returned by the host application itself.
type HostError struct {
	Message string
	Code    string
}

func (e *HostError) Error() string {
	return "host error: " + e.Message
}
