// Package endpoint serves command envelopes over TCP using either
// newline-delimited or length-prefixed JSON framing.
package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/dispatcher"
	"github.com/morezero/hostbridge/pkg/transport"
)

const logPrefix = "endpoint:server"

// CommandHandler runs one wire payload. *dispatcher.CommandAdapter implements it.
type CommandHandler interface {
	DispatchRaw(ctx context.Context, data []byte) dispatcher.Result
}

// Config configures a Server.
type Config struct {
	Addr           string
	Mode           Mode
	MaxMessageSize int
	ReadBufferSize int
	// IdleTimeout closes connections with no traffic. Zero disables it.
	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeLine
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = transport.DefaultMaxMessageSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = transport.DefaultBufferSize
	}
	return c
}

// Server accepts connections and dispatches each framed command in order.
// Commands on one connection run sequentially; connections run concurrently.
type Server struct {
	cfg     Config
	handler CommandHandler

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New creates a Server.
func New(cfg Config, handler CommandHandler) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Addr returns the listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on cfg.Addr and serves until ctx is done or
// Shutdown is called.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Serving %s-framed commands on %s", logPrefix, s.cfg.Mode, ln.Addr()))

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s - accept failed: %w", logPrefix, err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				slog.Warn(fmt.Sprintf("%s - connection %s closed: %v", logPrefix, conn.RemoteAddr(), err))
			}
		}()
	}
}

// ServeConn runs the read-dispatch-respond loop on one connection and closes
// it on return. Framing errors and oversized messages end the connection;
// command failures only produce an error response.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	s.track(conn, true)
	defer s.track(conn, false)
	defer conn.Close()

	c := newCodec(s.cfg.Mode, s.cfg.MaxMessageSize)
	buf := make([]byte, s.cfg.ReadBufferSize)

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, readErr := conn.Read(buf)
		if n > 0 {
			c.feed(buf[:n])
			msgs, perr := c.pop()
			for _, m := range msgs {
				if err := s.respond(ctx, conn, c, m); err != nil {
					return err
				}
			}
			if perr != nil {
				return s.fail(conn, c, perr)
			}
			// Length frames are checked against their header by the codec; the
			// buffer holds at most one validated header plus its partial payload.
			if c.buffered() > s.cfg.MaxMessageSize+c.overhead() {
				return s.fail(conn, c, &transport.MessageTooLargeError{Buffered: c.buffered(), Limit: s.cfg.MaxMessageSize})
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) || s.closing.Load() {
				return nil
			}
			var netErr net.Error
			if errors.As(readErr, &netErr) && netErr.Timeout() {
				slog.Debug(fmt.Sprintf("%s - closing idle connection %s", logPrefix, conn.RemoteAddr()))
				return nil
			}
			return fmt.Errorf("%s - read failed: %w", logPrefix, readErr)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (s *Server) respond(ctx context.Context, conn net.Conn, c codec, msg []byte) error {
	res := s.handler.DispatchRaw(ctx, msg)
	data, err := c.encode(res)
	if err != nil {
		data, err = c.encode(dispatcher.Failure(cmderr.CodeInternalError, "failed to encode result"))
		if err != nil {
			return fmt.Errorf("%s - failed to encode response: %w", logPrefix, err)
		}
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%s - failed to write response: %w", logPrefix, err)
	}
	return nil
}

// fail sends a final error response and reports cause.
func (s *Server) fail(conn net.Conn, c codec, cause error) error {
	if data, err := c.encode(dispatcher.Failure(cmderr.CodeInvalidCommand, cause.Error())); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
		_, _ = conn.Write(data)
	}
	return cause
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// Shutdown stops accepting, lets in-flight commands finish, and closes
// remaining connections when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)

	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	for c := range s.conns {
		// unblock idle reads; a command being dispatched still completes
		_ = c.SetReadDeadline(time.Now())
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
