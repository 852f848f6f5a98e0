package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const delegatingLogPrefix = "transport:delegating"

// Connection is a richer pre-existing connection a transport can delegate to.
type Connection interface {
	// Available reports whether the connection can serve requests now.
	Available() bool
	// Request sends a command and returns the decoded reply.
	Request(ctx context.Context, commandType string, params Params) (*Response, error)
}

// StreamReceiver is implemented by connections that can read an unsolicited
// reply.
type StreamReceiver interface {
	Receive(ctx context.Context, bufferSize int, timeout time.Duration) (*Response, error)
}

// DelegatingTransport forwards every call to a Connection it does not own.
type DelegatingTransport struct {
	conn Connection
	open bool
}

// NewDelegatingTransport wraps conn.
func NewDelegatingTransport(conn Connection) *DelegatingTransport {
	return &DelegatingTransport{conn: conn}
}

// Connect reports whether the delegate is usable.
func (t *DelegatingTransport) Connect(_ context.Context) bool {
	if t.open {
		return true
	}
	if !t.conn.Available() {
		slog.Warn(fmt.Sprintf("%s - Delegate connection unavailable", delegatingLogPrefix))
		return false
	}
	t.open = true
	return true
}

// Disconnect releases the session. The delegate itself stays open since its
// lifecycle belongs to whoever created it.
func (t *DelegatingTransport) Disconnect() {
	t.open = false
}

// SendCommand forwards to the delegate.
func (t *DelegatingTransport) SendCommand(ctx context.Context, commandType string, params Params) (*Response, error) {
	if params == nil {
		params = Params{}
	}
	resp, err := t.conn.Request(ctx, commandType, params)
	if err != nil {
		return resp, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s - delegate returned no response for %s", delegatingLogPrefix, commandType)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}
	return resp, nil
}

// ReceiveFullResponse forwards to the delegate when it supports streaming.
func (t *DelegatingTransport) ReceiveFullResponse(ctx context.Context, bufferSize int, timeout time.Duration) (*Response, error) {
	sr, ok := t.conn.(StreamReceiver)
	if !ok {
		return nil, ErrUnsupported
	}
	return sr.Receive(ctx, bufferSize, timeout)
}
