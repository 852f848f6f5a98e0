package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeConn is a scripted net.Conn.
type fakeConn struct {
	mu        sync.Mutex
	failWrite error
	reply     *bytes.Reader
	written   bytes.Buffer
	closed    bool
}

func newFakeConn(reply string, failWrite error) *fakeConn {
	return &fakeConn{reply: bytes.NewReader([]byte(reply)), failWrite: failWrite}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reply.Len() == 0 {
		return 0, io.EOF
	}
	return c.reply.Read(p)
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrite != nil {
		return 0, c.failWrite
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return errors.New("already closed")
}

func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

// scriptedDialer hands out conns in order.
type scriptedDialer struct {
	conns []*fakeConn
	dials int
	err   error
}

func (d *scriptedDialer) dial(_ context.Context, _ string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.dials >= len(d.conns) {
		return nil, errors.New("no more conns")
	}
	c := d.conns[d.dials]
	d.dials++
	return c, nil
}

func TestSocketTransport_RetryAfterSendFailure(t *testing.T) {
	bad := newFakeConn("", errors.New("broken pipe"))
	good := newFakeConn("{\"status\":\"success\",\"result\":{\"name\":\"Scene\"}}\n", nil)
	dialer := &scriptedDialer{conns: []*fakeConn{bad, good}}

	var sleeps []time.Duration
	cfg := DefaultConfig()
	cfg.Retries = 2
	cfg.Backoff = 10 * time.Millisecond
	tr := NewSocketTransport(cfg, dialer.dial, func(d time.Duration) { sleeps = append(sleeps, d) })

	resp, err := tr.SendCommand(context.Background(), "get_scene_info", nil)
	if err != nil {
		t.Fatalf("transport:socket_test - unexpected error: %v", err)
	}
	if !resp.OK() {
		t.Errorf("transport:socket_test - expected OK response, got %+v", resp)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil || result["name"] != "Scene" {
		t.Errorf("transport:socket_test - result = %s (err %v)", resp.Result, err)
	}

	// Exactly one reconnect: the initial dial plus one more.
	if dialer.dials != 2 {
		t.Errorf("transport:socket_test - dials = %d, want 2", dialer.dials)
	}
	if !bad.closed {
		t.Error("transport:socket_test - failed socket must be closed")
	}
	if len(sleeps) != 1 || sleeps[0] != 10*time.Millisecond {
		t.Errorf("transport:socket_test - sleeps = %v", sleeps)
	}

	var sent Request
	if err := json.Unmarshal(bytes.TrimSpace(good.written.Bytes()), &sent); err != nil {
		t.Fatalf("transport:socket_test - failed to decode request: %v", err)
	}
	if sent.Type != "get_scene_info" || sent.Params == nil {
		t.Errorf("transport:socket_test - sent = %+v", sent)
	}
	if !bytes.HasSuffix(good.written.Bytes(), []byte("\n")) {
		t.Error("transport:socket_test - request must be newline terminated")
	}
}

func TestSocketTransport_ExhaustsRetries(t *testing.T) {
	writeErr := errors.New("connection reset")
	dialer := &scriptedDialer{conns: []*fakeConn{
		newFakeConn("", writeErr),
		newFakeConn("", writeErr),
		newFakeConn("", writeErr),
	}}

	var sleeps []time.Duration
	cfg := DefaultConfig()
	cfg.Retries = 2
	cfg.Backoff = 100 * time.Millisecond
	tr := NewSocketTransport(cfg, dialer.dial, func(d time.Duration) { sleeps = append(sleeps, d) })

	_, err := tr.SendCommand(context.Background(), "execute_code", map[string]interface{}{"code": "print(1)"})
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("transport:socket_test - expected *SendError, got %v", err)
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("transport:socket_test - expected last error to be wrapped, got %v", err)
	}
	if sendErr.Attempts != 3 {
		t.Errorf("transport:socket_test - Attempts = %d, want 3", sendErr.Attempts)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}
	if len(sleeps) != len(want) || sleeps[0] != want[0] || sleeps[1] != want[1] {
		t.Errorf("transport:socket_test - sleeps = %v, want %v", sleeps, want)
	}
	if tr.Connected() {
		t.Error("transport:socket_test - socket must be discarded after failure")
	}
}

func TestSocketTransport_ConnectIdempotent(t *testing.T) {
	dialer := &scriptedDialer{conns: []*fakeConn{newFakeConn("", nil), newFakeConn("", nil)}}
	tr := NewSocketTransport(DefaultConfig(), dialer.dial, nil)

	if !tr.Connect(context.Background()) || !tr.Connect(context.Background()) {
		t.Fatal("transport:socket_test - expected Connect to succeed")
	}
	if dialer.dials != 1 {
		t.Errorf("transport:socket_test - dials = %d, want 1", dialer.dials)
	}

	tr.Disconnect()
	tr.Disconnect()
	if tr.Connected() {
		t.Error("transport:socket_test - expected no socket after Disconnect")
	}
}

func TestSocketTransport_ConnectFailureIsSwallowed(t *testing.T) {
	dialer := &scriptedDialer{err: errors.New("connection refused")}
	tr := NewSocketTransport(DefaultConfig(), dialer.dial, nil)

	if tr.Connect(context.Background()) {
		t.Error("transport:socket_test - expected Connect to report false")
	}
}

func TestSocketTransport_HostError(t *testing.T) {
	dialer := &scriptedDialer{conns: []*fakeConn{
		newFakeConn("{\"status\":\"error\",\"message\":\"Object not found: Cube\"}\n", nil),
	}}
	tr := NewSocketTransport(DefaultConfig(), dialer.dial, nil)

	_, err := tr.SendCommand(context.Background(), "get_object_info", map[string]interface{}{"name": "Cube"})
	var hostErr *HostError
	if !errors.As(err, &hostErr) {
		t.Fatalf("transport:socket_test - expected *HostError, got %v", err)
	}
	if hostErr.Message != "Object not found: Cube" {
		t.Errorf("transport:socket_test - Message = %q", hostErr.Message)
	}
}

func TestSocketTransport_LoopbackServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("transport:socket_test - listen failed: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		var req Request
		_ = json.Unmarshal(bytes.TrimSpace(buf[:n]), &req)
		reply, _ := json.Marshal(map[string]interface{}{"status": "ok", "result": req.Type})
		conn.Write(append(reply, '\n'))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	cfg := DefaultConfig()
	cfg.Port = addr.Port
	tr := New(cfg)

	err = WithSession(context.Background(), tr, func(tr Transport) error {
		resp, err := tr.SendCommand(context.Background(), "get_scene_info", nil)
		if err != nil {
			return err
		}
		if string(resp.Result) != `"get_scene_info"` {
			t.Errorf("transport:socket_test - result = %s", resp.Result)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transport:socket_test - session failed: %v", err)
	}
	if tr.(*SocketTransport).Connected() {
		t.Error("transport:socket_test - session must disconnect on exit")
	}
}

func TestSocketTransport_BridgeErrorCode(t *testing.T) {
	dialer := &scriptedDialer{conns: []*fakeConn{
		newFakeConn("{\"status\":\"error\",\"message\":\"Unknown command: nope\",\"error_code\":\"not_found\"}\n", nil),
	}}
	tr := NewSocketTransport(DefaultConfig(), dialer.dial, nil)

	resp, err := tr.SendCommand(context.Background(), "nope", nil)
	var hostErr *HostError
	if !errors.As(err, &hostErr) || hostErr.Code != "not_found" {
		t.Fatalf("transport:socket_test - expected host error with code, got %v", err)
	}
	if resp == nil || resp.ErrorCode != "not_found" {
		t.Fatalf("transport:socket_test - resp = %+v", resp)
	}

	out, _ := json.Marshal(resp)
	if !bytes.Contains(out, []byte(`"error_code":"not_found"`)) {
		t.Errorf("transport:socket_test - error_code lost on re-encode: %s", out)
	}
}
