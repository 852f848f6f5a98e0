package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/morezero/hostbridge/pkg/framing"
)

const receiverLogPrefix = "transport:receiver"

// DefaultMaxMessageSize bounds the reassembly buffer (10 MiB).
const DefaultMaxMessageSize = 10 * 1024 * 1024

// DefaultBufferSize is the per-read chunk size.
const DefaultBufferSize = 8192

// Receiver reads newline-delimited JSON responses from a socket. Frames that
// arrive together are queued and delivered by later calls in FIFO order. A
// malformed frame is reported only after the frames that preceded it.
type Receiver struct {
	codec          *framing.LineCodec
	pending        []json.RawMessage
	pendingErr     error
	maxMessageSize int
}

// NewReceiver creates a Receiver. maxMessageSize <= 0 selects the default.
func NewReceiver(maxMessageSize int) *Receiver {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Receiver{
		codec:          framing.NewLineCodec(nil),
		maxMessageSize: maxMessageSize,
	}
}

// MaxMessageSize returns the configured buffer limit.
func (r *Receiver) MaxMessageSize() int {
	return r.maxMessageSize
}

// Pending returns the number of queued frames.
func (r *Receiver) Pending() int {
	return len(r.pending)
}

// Reset drops buffered bytes and queued frames, e.g. after a reconnect.
func (r *Receiver) Reset() {
	r.codec.Reset()
	r.pending = nil
	r.pendingErr = nil
}

// ReceiveOne returns the next complete message from conn.
func (r *Receiver) ReceiveOne(conn net.Conn, bufferSize int, timeout time.Duration) (json.RawMessage, error) {
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		return msg, nil
	}
	if r.pendingErr != nil {
		err := r.pendingErr
		r.pendingErr = nil
		return nil, err
	}

	if conn == nil {
		return nil, ErrNotConnected
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("%s - failed to set read deadline: %w", receiverLogPrefix, err)
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	chunk := make([]byte, bufferSize)
	for {
		n, readErr := conn.Read(chunk)
		if n > 0 {
			r.codec.Feed(chunk[:n])
			if r.codec.Buffered() > r.maxMessageSize {
				buffered := r.codec.Buffered()
				r.codec.Reset()
				return nil, &MessageTooLargeError{Buffered: buffered, Limit: r.maxMessageSize}
			}

			msgs, err := r.codec.PopMessages()
			if err != nil {
				if len(msgs) == 0 {
					return nil, err
				}
				r.pendingErr = err
			}
			if len(msgs) > 0 {
				r.pending = append(r.pending, msgs[1:]...)
				return msgs[0], nil
			}
		}

		if readErr != nil {
			if isTimeout(readErr) {
				return nil, &TimeoutError{Op: "receive", Err: readErr}
			}
			if errors.Is(readErr, io.EOF) {
				return r.lastResort()
			}
			return nil, fmt.Errorf("%s - read failed: %w", receiverLogPrefix, readErr)
		}
		if n == 0 {
			return r.lastResort()
		}
	}
}

// lastResort attempts one parse of bytes that never saw a delimiter.
func (r *Receiver) lastResort() (json.RawMessage, error) {
	rest := r.codec.Drain()
	if len(rest) == 0 {
		return nil, ErrNoData
	}
	msg, err := framing.DecodeJSONFrame(rest)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - discarding %d unframed bytes at end of stream", receiverLogPrefix, len(rest)))
		return nil, ErrNoData
	}
	return msg, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
