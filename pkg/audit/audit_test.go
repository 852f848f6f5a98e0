package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = sql
	f.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestNewRecord(t *testing.T) {
	a := NewRecord("tcp", "ping", nil)
	b := NewRecord("tcp", "ping", nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("audit:audit_test - expected unique ids, got %q and %q", a.ID, b.ID)
	}
	if a.Time.IsZero() {
		t.Error("audit:audit_test - expected time to be set")
	}
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	var seen int
	ok := NewCallbackSink(func(_ context.Context, _ Record) error { seen++; return nil })
	bad := NewCallbackSink(func(_ context.Context, _ Record) error { return errors.New("sink down") })

	err := MultiSink{ok, nil, bad, ok}.Write(context.Background(), NewRecord("tcp", "ping", nil))
	if err == nil || !strings.Contains(err.Error(), "sink down") {
		t.Errorf("audit:audit_test - expected joined error, got %v", err)
	}
	if seen != 2 {
		t.Errorf("audit:audit_test - expected every sink to be written, got %d", seen)
	}
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestLogSink(t *testing.T) {
	tests := []struct {
		code  string
		level string
	}{
		{"", "level=INFO"},
		{"not_found", "level=INFO"},
		{"timeout", "level=WARN"},
		{"external_error", "level=WARN"},
		{"internal_error", "level=ERROR"},
	}
	for _, tt := range tests {
		t.Run("code "+tt.code, func(t *testing.T) {
			buf := captureLog(t)
			rec := NewRecord("tcp", "ping", nil)
			rec.Status = "success"
			if tt.code != "" {
				rec.Status = "error"
				rec.ErrorCode = tt.code
			}
			if err := (LogSink{}).Write(context.Background(), rec); err != nil {
				t.Fatalf("audit:audit_test - unexpected error: %v", err)
			}
			out := buf.String()
			if strings.Count(out, "\n") != 1 || !strings.Contains(out, tt.level) {
				t.Errorf("audit:audit_test - got %q, want one %s line", out, tt.level)
			}
		})
	}
}

func TestPostgresSink_Write(t *testing.T) {
	db := &fakeExecer{}
	sink := NewPostgresSink(db)

	rec := NewRecord("nats", "get_scene_info", map[string]interface{}{"depth": 1})
	rec.Status = "success"
	if err := sink.Write(context.Background(), rec); err != nil {
		t.Fatalf("audit:audit_test - unexpected error: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO command_audit") {
		t.Errorf("audit:audit_test - unexpected sql %q", db.sql)
	}
	if len(db.args) != 8 || db.args[0] != rec.ID || db.args[2] != "get_scene_info" {
		t.Errorf("audit:audit_test - unexpected args %v", db.args)
	}
	if code, ok := db.args[5].(*string); !ok || code != nil {
		t.Errorf("audit:audit_test - expected NULL error_code, got %v", db.args[5])
	}
	if string(db.args[3].([]byte)) != `{"depth":1}` {
		t.Errorf("audit:audit_test - params = %s", db.args[3])
	}

	db.err = errors.New("relation does not exist")
	if err := sink.Write(context.Background(), rec); err == nil {
		t.Error("audit:audit_test - expected insert error to surface")
	}
}

func TestRedisSink_CapsList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "", 3)
	ctx := context.Background()
	for _, action := range []string{"a", "b", "c", "d", "e"} {
		if err := sink.Write(ctx, NewRecord("tcp", action, nil)); err != nil {
			t.Fatalf("audit:audit_test - unexpected error: %v", err)
		}
	}

	n, err := client.LLen(ctx, DefaultRedisKey).Result()
	if err != nil || n != 3 {
		t.Fatalf("audit:audit_test - expected 3 records, got %d (%v)", n, err)
	}

	recent, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("audit:audit_test - unexpected error: %v", err)
	}
	var got []string
	for _, r := range recent {
		got = append(got, r.Action)
	}
	if strings.Join(got, ",") != "e,d,c" {
		t.Errorf("audit:audit_test - recent = %v", got)
	}

	raw, _ := client.LIndex(ctx, DefaultRedisKey, 0).Result()
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Source != "tcp" {
		t.Errorf("audit:audit_test - stored record = %s (%v)", raw, err)
	}
}
