// Package hostcmd registers handlers that forward commands to the host
// application over a transport.
package hostcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/commsutil"
	"github.com/morezero/hostbridge/pkg/registry"
	"github.com/morezero/hostbridge/pkg/schema"
	"github.com/morezero/hostbridge/pkg/transport"
)

const logPrefix = "hostcmd:hostcmd"

// DefaultCommands are forwarded when no list is configured.
var DefaultCommands = []string{
	"get_scene_info",
	"get_object_info",
	"execute_code",
	"download_asset",
	"apply_texture",
}

// Registrar is the part of the dispatcher hostcmd needs.
type Registrar interface {
	Register(name string, fn registry.HandlerFunc, overwrite bool) error
	ListHandlers() []string
}

// Forwarder sends commands through one transport session. The transport does
// not synchronize sends, so Forwarder serializes them.
type Forwarder struct {
	mu sync.Mutex
	tr transport.Transport
}

// NewForwarder creates a Forwarder over tr.
func NewForwarder(tr transport.Transport) *Forwarder {
	return &Forwarder{tr: tr}
}

// Forward sends {type, params} and returns the decoded result.
func (f *Forwarder) Forward(ctx context.Context, command string, params registry.Params) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	resp, err := f.tr.SendCommand(ctx, command, transport.Params(params))
	if err != nil {
		err = classify(command, err)
		if cmderr.CodeOf(err) == cmderr.CodeTimeout {
			// A late reply would be read as the answer to the next command.
			f.tr.Disconnect()
		}
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - %s answered in %v", logPrefix, command, time.Since(start)))

	if len(resp.Result) == 0 {
		return nil, nil
	}
	result, err := commsutil.DecodeAny(resp.Result)
	if err != nil {
		return nil, cmderr.External(fmt.Sprintf("host returned an undecodable result for %s", command), err)
	}
	return result, nil
}

// Handler returns a handler forwarding command.
func (f *Forwarder) Handler(command string) registry.HandlerFunc {
	return func(ctx context.Context, params registry.Params) (interface{}, error) {
		return f.Forward(ctx, command, params)
	}
}

// Close ends the transport session.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tr.Disconnect()
}

func classify(command string, err error) error {
	var hostErr *transport.HostError
	if errors.As(err, &hostErr) {
		return cmderr.External(hostErr.Message, nil)
	}

	var timeoutErr *transport.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return &cmderr.Error{
			Code:    cmderr.CodeTimeout,
			Message: fmt.Sprintf("host did not answer %s in time", command),
			Err:     err,
		}
	}
	return cmderr.External(fmt.Sprintf("host application unavailable for %s", command), err)
}

// Register adds a forwarding handler per command. Commands that already have
// a handler are skipped unless overwrite is set. A command with a validator
// has its params checked before anything is sent to the host.
func Register(r Registrar, f *Forwarder, commands []string, overwrite bool, validators map[string]*schema.Validator) error {
	if len(commands) == 0 {
		commands = DefaultCommands
	}
	for _, c := range commands {
		if c == "" {
			continue
		}
		h := f.Handler(c)
		if v := validators[c]; v != nil {
			h = v.Wrap(h)
		}
		if err := r.Register(c, h, overwrite); err != nil {
			var dup *registry.DuplicateError
			if errors.As(err, &dup) {
				slog.Warn(fmt.Sprintf("%s - %s already has a handler, not forwarding it", logPrefix, c))
				continue
			}
			return fmt.Errorf("%s - failed to register %s: %w", logPrefix, c, err)
		}
	}
	slog.Info(fmt.Sprintf("%s - Forwarding %d host commands", logPrefix, len(commands)))
	return nil
}

// PingResult is returned by the ping built-in.
type PingResult struct {
	Pong     bool     `json:"pong"`
	Uptime   string   `json:"uptime"`
	Handlers []string `json:"handlers"`
}

// RegisterPing adds the ping built-in reporting bridge liveness.
func RegisterPing(r Registrar, startedAt time.Time) error {
	return r.Register("ping", func(context.Context, registry.Params) (interface{}, error) {
		return PingResult{
			Pong:     true,
			Uptime:   time.Since(startedAt).Round(time.Second).String(),
			Handlers: r.ListHandlers(),
		}, nil
	}, false)
}
