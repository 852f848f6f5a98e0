package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morezero/hostbridge/pkg/audit"
	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

type auditLog struct {
	mu      sync.Mutex
	records []audit.Record
}

func (l *auditLog) sink() audit.Sink {
	return audit.NewCallbackSink(func(_ context.Context, rec audit.Record) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.records = append(l.records, rec)
		return nil
	})
}

func newTestDispatcher(t *testing.T, log *auditLog, instr Instrumentation) *Dispatcher {
	t.Helper()
	d := New(NewDispatcherParams{AuditSink: log.sink(), Instrumentation: instr})

	handlers := map[string]registry.HandlerFunc{
		"echo": echo,
		"validate": func(context.Context, registry.Params) (interface{}, error) {
			return nil, cmderr.InvalidParams("missing field x")
		},
		"crash": func(context.Context, registry.Params) (interface{}, error) {
			return nil, errors.New("scene graph corrupted")
		},
		"upstream": func(context.Context, registry.Params) (interface{}, error) {
			return nil, cmderr.External("host application failed", errors.New("connection refused"))
		},
		"slow": sleeper(200 * time.Millisecond),
	}
	for name, fn := range handlers {
		if err := d.Register(name, fn, false); err != nil {
			t.Fatalf("dispatcher:adapter_test - register %s failed: %v", name, err)
		}
	}
	return d
}

func TestCommandAdapter_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		envelope    interface{}
		policy      PolicyFunc
		wantCode    string
		wantMessage string
	}{
		{"non-mapping envelope", "get_scene_info", nil, cmderr.CodeInvalidCommand, "object"},
		{"nil envelope", nil, nil, cmderr.CodeInvalidCommand, "object"},
		{"missing type", map[string]interface{}{"params": map[string]interface{}{}}, nil, cmderr.CodeInvalidCommandType, "type"},
		{"non-string type", map[string]interface{}{"type": 42}, nil, cmderr.CodeInvalidCommandType, "type"},
		{"non-mapping params", map[string]interface{}{"type": "echo", "params": []interface{}{1}}, nil, cmderr.CodeInvalidParams, "params"},
		{"handler invalid params", map[string]interface{}{"type": "validate"}, nil, cmderr.CodeInvalidParams, "missing field x"},
		{"unknown command", map[string]interface{}{"type": "teleport"}, nil, cmderr.CodeNotFound, "teleport"},
		{
			"policy reason", map[string]interface{}{"type": "echo"},
			func(context.Context, string, registry.Params) (string, error) { return "role not allowed", nil },
			cmderr.CodePolicyDenied, "role not allowed",
		},
		{
			"policy error", map[string]interface{}{"type": "echo"},
			func(context.Context, string, registry.Params) (string, error) { return "", errors.New("policy store offline") },
			cmderr.CodePolicyDenied, "policy store offline",
		},
		{
			"policy panic", map[string]interface{}{"type": "echo"},
			func(context.Context, string, registry.Params) (string, error) { panic("bad rule") },
			cmderr.CodePolicyDenied, "bad rule",
		},
		{"handler error", map[string]interface{}{"type": "crash"}, nil, cmderr.CodeHandlerError, "scene graph corrupted"},
		{"external error", map[string]interface{}{"type": "upstream"}, nil, cmderr.CodeExternalError, "connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &auditLog{}
			d := newTestDispatcher(t, log, nil)

			res := d.DispatchCommand(context.Background(), tt.envelope, tt.policy)
			if res.Status != StatusError {
				t.Fatalf("dispatcher:adapter_test - expected error status, got %+v", res)
			}
			if res.ErrorCode != tt.wantCode {
				t.Errorf("dispatcher:adapter_test - error_code = %s, want %s", res.ErrorCode, tt.wantCode)
			}
			if !strings.Contains(res.Message, tt.wantMessage) {
				t.Errorf("dispatcher:adapter_test - message %q does not mention %q", res.Message, tt.wantMessage)
			}
			if res.Result != nil {
				t.Errorf("dispatcher:adapter_test - error variant carries a result: %v", res.Result)
			}
			if len(log.records) != 1 || log.records[0].ErrorCode != tt.wantCode {
				t.Errorf("dispatcher:adapter_test - expected one audit record, got %+v", log.records)
			}
		})
	}
}

func TestCommandAdapter_Success(t *testing.T) {
	log := &auditLog{}
	rec := &recorder{}
	d := newTestDispatcher(t, log, rec)

	res := d.DispatchCommand(context.Background(), map[string]interface{}{
		"type":   "echo",
		"params": map[string]interface{}{"name": "Cube"},
	}, nil)
	if !res.OK() {
		t.Fatalf("dispatcher:adapter_test - expected success, got %+v", res)
	}
	if res.Result.(registry.Params)["name"] != "Cube" {
		t.Errorf("dispatcher:adapter_test - result = %v", res.Result)
	}
	if res.ErrorCode != "" || res.Message != "" {
		t.Errorf("dispatcher:adapter_test - success variant carries error fields: %+v", res)
	}

	if len(log.records) != 1 {
		t.Fatalf("dispatcher:adapter_test - expected one audit record, got %d", len(log.records))
	}
	got := log.records[0]
	if got.Source != DefaultAdapterName || got.Action != "echo" || got.Status != StatusSuccess || got.Params["name"] != "Cube" {
		t.Errorf("dispatcher:adapter_test - audit record = %+v", got)
	}
	if rec.events[0] != "adapter:default:echo" {
		t.Errorf("dispatcher:adapter_test - events = %v", rec.events)
	}
}

func TestCommandAdapter_MissingParamsDefaultToEmpty(t *testing.T) {
	d := newTestDispatcher(t, &auditLog{}, nil)

	res := d.DispatchCommand(context.Background(), Envelope{Type: "echo"}, nil)
	if !res.OK() {
		t.Fatalf("dispatcher:adapter_test - expected success, got %+v", res)
	}
	if p, ok := res.Result.(registry.Params); !ok || p == nil || len(p) != 0 {
		t.Errorf("dispatcher:adapter_test - expected empty params, got %#v", res.Result)
	}
}

func TestCommandAdapter_PolicyShortCircuits(t *testing.T) {
	rec := &recorder{}
	d := newTestDispatcher(t, &auditLog{}, rec)

	called := false
	_ = d.Register("guarded", func(context.Context, registry.Params) (interface{}, error) {
		called = true
		return nil, nil
	}, false)

	deny := func(_ context.Context, command string, _ registry.Params) (string, error) {
		if command == "guarded" {
			return "role not allowed", nil
		}
		return "", nil
	}
	res := d.DispatchCommand(context.Background(), map[string]interface{}{"type": "guarded"}, deny)
	if res.ErrorCode != cmderr.CodePolicyDenied {
		t.Errorf("dispatcher:adapter_test - expected policy_denied, got %+v", res)
	}
	if called {
		t.Error("dispatcher:adapter_test - denied command reached its handler")
	}
	if len(rec.events) != 0 {
		t.Errorf("dispatcher:adapter_test - denied command reached the adapter: %v", rec.events)
	}
}

func TestCommandAdapter_CallPolicyNarrowsAdapterPolicy(t *testing.T) {
	d := newTestDispatcher(t, &auditLog{}, nil)
	for _, name := range []string{"scene", "texture", "code"} {
		_ = d.Register(name, func(context.Context, registry.Params) (interface{}, error) { return "ran", nil }, false)
	}
	denyOnly := func(target string) PolicyFunc {
		return func(_ context.Context, command string, _ registry.Params) (string, error) {
			if command == target {
				return target + " blocked", nil
			}
			return "", nil
		}
	}
	a := NewCommandAdapter(d, WithPolicy(denyOnly("code")))

	tests := []struct {
		command string
		want    string
	}{
		{"scene", ""},
		{"texture", "texture blocked"},
		{"code", "code blocked"},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			res := a.dispatchWithPolicy(context.Background(), map[string]interface{}{"type": tt.command}, denyOnly("texture"))
			if tt.want == "" {
				if !res.OK() {
					t.Errorf("dispatcher:adapter_test - expected success, got %+v", res)
				}
				return
			}
			if res.ErrorCode != cmderr.CodePolicyDenied || res.Message != tt.want {
				t.Errorf("dispatcher:adapter_test - got %+v, want denial %q", res, tt.want)
			}
		})
	}
}

func TestCommandAdapter_AdapterPolicyAndTimeout(t *testing.T) {
	log := &auditLog{}
	d := newTestDispatcher(t, log, nil)
	a := NewCommandAdapter(d,
		WithAdapterName("tcp"),
		WithAuditSink(log.sink()),
		WithDefaultTimeout(50*time.Millisecond),
		WithPolicy(func(_ context.Context, command string, _ registry.Params) (string, error) {
			if command == "crash" {
				return "", cmderr.PolicyDenied("crash is disabled")
			}
			return "", nil
		}),
	)

	start := time.Now()
	res := a.DispatchCommand(context.Background(), map[string]interface{}{"type": "slow"})
	if res.ErrorCode != cmderr.CodeTimeout {
		t.Errorf("dispatcher:adapter_test - expected timeout, got %+v", res)
	}
	if time.Since(start) >= 150*time.Millisecond {
		t.Errorf("dispatcher:adapter_test - adapter waited for the slow handler")
	}

	res = a.DispatchCommand(context.Background(), map[string]interface{}{"type": "crash"})
	if res.ErrorCode != cmderr.CodePolicyDenied || res.Message != "crash is disabled" {
		t.Errorf("dispatcher:adapter_test - expected policy denial, got %+v", res)
	}

	for _, r := range log.records {
		if r.Source != "tcp" {
			t.Errorf("dispatcher:adapter_test - source = %s", r.Source)
		}
	}
}

func TestCommandAdapter_DispatchRaw(t *testing.T) {
	d := newTestDispatcher(t, &auditLog{}, nil)
	a := d.Adapter()

	res := a.DispatchRaw(context.Background(), []byte(`{"type":"echo","params":{"depth":3}}`))
	if !res.OK() {
		t.Fatalf("dispatcher:adapter_test - expected success, got %+v", res)
	}
	if res.Result.(registry.Params)["depth"] != json.Number("3") {
		t.Errorf("dispatcher:adapter_test - numbers must survive decoding, got %#v", res.Result)
	}

	res = a.DispatchRaw(context.Background(), []byte(`{bad json}`))
	if res.ErrorCode != cmderr.CodeInvalidCommand {
		t.Errorf("dispatcher:adapter_test - expected invalid_command, got %+v", res)
	}

	res = a.DispatchRaw(context.Background(), []byte(`[1,2]`))
	if res.ErrorCode != cmderr.CodeInvalidCommand {
		t.Errorf("dispatcher:adapter_test - expected invalid_command, got %+v", res)
	}
}

func TestCommandAdapter_ServiceFallbackIsNotKnown(t *testing.T) {
	d := newTestDispatcher(t, &auditLog{}, nil)
	d.resolver = ResolverFunc(func(name string) Resolution {
		return Resolution{Kind: ServiceFallback, Handler: echo}
	})

	res := d.DispatchCommand(context.Background(), map[string]interface{}{"type": "virtual"}, nil)
	if res.ErrorCode != cmderr.CodeNotFound {
		t.Errorf("dispatcher:adapter_test - expected not_found, got %+v", res)
	}
}

func TestResult_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"success", Success(map[string]int{"n": 1}), `{"status":"success","result":{"n":1}}`},
		{"success nil", Success(nil), `{"status":"success","result":null}`},
		{"error", Failure(cmderr.CodeNotFound, "Unknown command type: x"), `{"status":"error","message":"Unknown command type: x","error_code":"not_found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.res)
			if err != nil {
				t.Fatalf("dispatcher:adapter_test - marshal failed: %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("dispatcher:adapter_test - got %s, want %s", data, tt.want)
			}
		})
	}
}

func TestCommandAdapter_FailureLoggedOnce(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	d := New(NewDispatcherParams{})
	a := NewCommandAdapter(d, WithAuditSink(audit.MultiSink{audit.LogSink{}}))

	res := a.DispatchCommand(context.Background(), map[string]interface{}{"type": "teleport"})
	if res.ErrorCode != cmderr.CodeNotFound {
		t.Fatalf("dispatcher:adapter_test - expected not_found, got %+v", res)
	}
	n := 0
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(line, "teleport") {
			n++
		}
	}
	if n != 1 {
		t.Errorf("dispatcher:adapter_test - failure logged %d times:\n%s", n, buf.String())
	}
}
