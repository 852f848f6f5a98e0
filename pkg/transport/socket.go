package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/morezero/hostbridge/pkg/framing"
)

const socketLogPrefix = "transport:socket"

// DialFunc opens a connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

func defaultDial(timeout time.Duration) DialFunc {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context, addr string) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// SocketTransport owns at most one TCP socket to the host and retries failed
// sends with exponential backoff. It is not safe for concurrent sends.
type SocketTransport struct {
	cfg      Config
	dial     DialFunc
	sleep    func(time.Duration)
	conn     net.Conn
	receiver *Receiver
	dials    int
}

// NewSocketTransport creates a SocketTransport. Nil dial and sleep select the
// defaults.
func NewSocketTransport(cfg Config, dial DialFunc, sleep func(time.Duration)) *SocketTransport {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = defaultDial(cfg.Timeout)
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	return &SocketTransport{
		cfg:      cfg,
		dial:     dial,
		sleep:    sleep,
		receiver: NewReceiver(cfg.MaxMessageSize),
	}
}

// Connected reports whether a socket is open.
func (t *SocketTransport) Connected() bool {
	return t.conn != nil
}

// Dials returns how many sockets have been opened.
func (t *SocketTransport) Dials() int {
	return t.dials
}

// Connect opens the socket if needed.
func (t *SocketTransport) Connect(ctx context.Context) bool {
	if t.conn != nil {
		return true
	}
	conn, err := t.dial(ctx, t.cfg.Addr())
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to connect to %s: %v", socketLogPrefix, t.cfg.Addr(), err))
		return false
	}
	t.conn = conn
	t.dials++
	t.receiver.Reset()
	slog.Debug(fmt.Sprintf("%s - Connected to %s", socketLogPrefix, t.cfg.Addr()))
	return true
}

// Disconnect closes the socket, ignoring close errors.
func (t *SocketTransport) Disconnect() {
	if t.conn == nil {
		return
	}
	if err := t.conn.Close(); err != nil {
		slog.Debug(fmt.Sprintf("%s - Ignoring close error: %v", socketLogPrefix, err))
	}
	t.conn = nil
	t.receiver.Reset()
}

// SendCommand sends the command, retrying failed sends up to Retries times,
// then waits for the reply. Receive failures are not retried.
func (t *SocketTransport) SendCommand(ctx context.Context, commandType string, params Params) (*Response, error) {
	if params == nil {
		params = Params{}
	}
	data, err := framing.EncodeLine(Request{Type: commandType, Params: params})
	if err != nil {
		return nil, err
	}

	attempts := t.cfg.Retries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := t.cfg.Backoff * time.Duration(1<<uint(attempt-1))
			slog.Info(fmt.Sprintf("%s - Retrying %s in %v (attempt %d/%d)", socketLogPrefix, commandType, delay, attempt+1, attempts))
			t.sleep(delay)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if lastErr = t.write(ctx, data); lastErr == nil {
			break
		}
		slog.Warn(fmt.Sprintf("%s - Send of %s failed: %v", socketLogPrefix, commandType, lastErr))
		t.Disconnect()
	}
	if lastErr != nil {
		return nil, &SendError{Attempts: attempts, Err: lastErr}
	}

	return t.ReceiveFullResponse(ctx, t.cfg.BufferSize, t.cfg.Timeout)
}

func (t *SocketTransport) write(ctx context.Context, data []byte) error {
	if !t.Connect(ctx) {
		return ErrNotConnected
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	for len(data) > 0 {
		n, err := t.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReceiveFullResponse reads the next reply. The read is bounded by the
// smaller of timeout and the context deadline.
func (t *SocketTransport) ReceiveFullResponse(ctx context.Context, bufferSize int, timeout time.Duration) (*Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	raw, err := t.receiver.ReceiveOne(t.conn, bufferSize, timeout)
	if err != nil {
		var tooLarge *MessageTooLargeError
		var parseErr *framing.ParseError
		if errors.As(err, &tooLarge) || errors.As(err, &parseErr) || errors.Is(err, ErrNoData) {
			// The stream can no longer be trusted.
			t.Disconnect()
		}
		return nil, err
	}
	return decodeResponse(raw)
}
