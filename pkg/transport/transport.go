// Package transport carries command envelopes to the host application and
// reads its responses back.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

const logPrefix = "transport:transport"

// Params is the command parameter mapping.
type Params = map[string]interface{}

// Request is the wire shape of a command sent to the host.
type Request struct {
	Type   string `json:"type"`
	Params Params `json:"params"`
}

// Response is the wire shape of a host reply.
type Response struct {
	Status  string          `json:"status"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`

	// ErrorCode is set by peers that classify failures, such as another bridge.
	ErrorCode string `json:"error_code,omitempty"`
}

// OK reports whether the host accepted the command.
func (r *Response) OK() bool {
	return r.Status == "ok" || r.Status == "success"
}

// Err returns a *HostError for error responses.
func (r *Response) Err() error {
	if r.Status == "error" {
		msg := r.Message
		if msg == "" {
			msg = "unknown host error"
		}
		return &HostError{Message: msg, Code: r.ErrorCode}
	}
	return nil
}

// decodeResponse parses a raw frame into a Response. A host error reply is
// returned alongside *HostError.
func decodeResponse(raw json.RawMessage) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("%s - response is not an object: %w", logPrefix, err)
	}
	if err := resp.Err(); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Transport is the capability set every transport provides.
type Transport interface {
	// Connect opens the session. It never returns an error: failures are
	// logged and reported as false. Calling it on an open session is a no-op.
	Connect(ctx context.Context) bool
	// Disconnect always leaves the session without a socket.
	Disconnect()
	// SendCommand sends {type, params} and waits for the reply.
	SendCommand(ctx context.Context, commandType string, params Params) (*Response, error)
	// ReceiveFullResponse reads the next complete reply.
	ReceiveFullResponse(ctx context.Context, bufferSize int, timeout time.Duration) (*Response, error)
}

// Config holds transport settings.
type Config struct {
	Host           string
	Port           int
	Retries        int
	Backoff        time.Duration
	BufferSize     int
	Timeout        time.Duration
	MaxMessageSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           9876,
		Retries:        1,
		Backoff:        100 * time.Millisecond,
		BufferSize:     DefaultBufferSize,
		Timeout:        15 * time.Second,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// withDefaults replaces unset or invalid fields with defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.Retries < 0 {
		c.Retries = d.Retries
	}
	if c.Backoff < 0 {
		c.Backoff = d.Backoff
	}
	if c.BufferSize <= 0 {
		c.BufferSize = d.BufferSize
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Option configures New.
type Option func(*options)

type options struct {
	conn  Connection
	dial  DialFunc
	sleep func(time.Duration)
}

// WithConnection offers a richer pre-existing connection. It is used only if
// it reports itself available when the transport is created.
func WithConnection(conn Connection) Option {
	return func(o *options) { o.conn = conn }
}

// WithDialer replaces the socket dialer.
func WithDialer(dial DialFunc) Option {
	return func(o *options) { o.dial = dial }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(time.Duration)) Option {
	return func(o *options) { o.sleep = sleep }
}

// New selects a transport once: a DelegatingTransport when a richer
// connection is available, otherwise a SocketTransport.
func New(cfg Config, opts ...Option) Transport {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if probeConnection(o.conn) {
		slog.Info(fmt.Sprintf("%s - Using delegating transport", logPrefix))
		return NewDelegatingTransport(o.conn)
	}

	cfg = cfg.withDefaults()
	slog.Info(fmt.Sprintf("%s - Using socket transport to %s", logPrefix, cfg.Addr()))
	return NewSocketTransport(cfg, o.dial, o.sleep)
}

func probeConnection(conn Connection) bool {
	return conn != nil && conn.Available()
}

// WithSession connects t, runs fn and always disconnects afterwards.
func WithSession(ctx context.Context, t Transport, fn func(Transport) error) error {
	if !t.Connect(ctx) {
		return fmt.Errorf("%s - failed to open session: %w", logPrefix, ErrNotConnected)
	}
	defer t.Disconnect()
	return fn(t)
}
