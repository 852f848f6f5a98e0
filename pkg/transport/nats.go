package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/hostbridge/pkg/commsutil"
)

const natsLogPrefix = "transport:nats"

// NATSConnection sends commands as NATS request/reply on a subject. The
// *comms.Conn is owned by the caller.
type NATSConnection struct {
	nc      *comms.Conn
	subject string
	timeout time.Duration
}

// NewNATSConnection creates a NATSConnection. An empty subject selects
// commsutil.SubjectHostCommands; timeout bounds requests without a deadline.
func NewNATSConnection(nc *comms.Conn, subject string, timeout time.Duration) *NATSConnection {
	if subject == "" {
		subject = commsutil.SubjectHostCommands
	}
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &NATSConnection{nc: nc, subject: subject, timeout: timeout}
}

// Available reports whether the NATS connection is connected.
func (c *NATSConnection) Available() bool {
	return c != nil && c.nc != nil && c.nc.IsConnected()
}

// Request sends the command and decodes the reply.
func (c *NATSConnection) Request(ctx context.Context, commandType string, params Params) (*Response, error) {
	data, err := commsutil.EncodePayload(Request{Type: commandType, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", natsLogPrefix, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, comms.ErrTimeout) {
			return nil, &TimeoutError{Op: "request " + commandType, Err: err}
		}
		return nil, fmt.Errorf("%s - request %s failed: %w", natsLogPrefix, commandType, err)
	}
	return decodeResponse(msg.Data)
}
