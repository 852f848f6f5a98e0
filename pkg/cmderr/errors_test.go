package cmderr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutNetErr struct{ timeout bool }

func (e timeoutNetErr) Error() string   { return "net failure" }
func (e timeoutNetErr) Timeout() bool   { return e.timeout }
func (e timeoutNetErr) Temporary() bool { return false }

var _ net.Error = timeoutNetErr{}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "invalid params", err: InvalidParams("missing field %s", "x"), want: CodeInvalidParams},
		{name: "not found", err: NotFound("nope"), want: CodeNotFound},
		{name: "policy", err: PolicyDenied("role not allowed"), want: CodePolicyDenied},
		{name: "timeout", err: Timeout("too slow"), want: CodeTimeout},
		{name: "external", err: External("host failed", errors.New("boom")), want: CodeExternalError},
		{
			name: "handler wrapping invalid params keeps inner code",
			err:  &HandlerError{Command: "c", Err: InvalidParams("missing field x")},
			want: CodeInvalidParams,
		},
		{name: "plain handler error", err: &HandlerError{Command: "c", Err: errors.New("boom")}, want: CodeHandlerError},
		{name: "deadline", err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded), want: CodeTimeout},
		{name: "net timeout", err: timeoutNetErr{timeout: true}, want: CodeTimeout},
		{name: "net failure", err: timeoutNetErr{}, want: CodeExternalError},
		{name: "unclassified", err: errors.New("mystery"), want: CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("cmderr:errors_test - CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessageOf(t *testing.T) {
	err := &HandlerError{Command: "c", Err: InvalidParams("missing field x")}
	if got := MessageOf(err); got != "missing field x" {
		t.Errorf("cmderr:errors_test - MessageOf() = %q, want %q", got, "missing field x")
	}

	err2 := &HandlerError{Command: "c", Err: errors.New("kaboom")}
	if got := MessageOf(err2); got != "kaboom" {
		t.Errorf("cmderr:errors_test - MessageOf() = %q, want %q", got, "kaboom")
	}

	err3 := External("host unreachable", errors.New("connection refused"))
	if got := MessageOf(err3); got != "host unreachable: connection refused" {
		t.Errorf("cmderr:errors_test - MessageOf() = %q", got)
	}
}

func TestIsExpected(t *testing.T) {
	for _, code := range []string{CodePolicyDenied, CodeInvalidParams, CodeNotFound, CodeInvalidCommand, CodeInvalidCommandType} {
		if !IsExpected(code) {
			t.Errorf("cmderr:errors_test - expected %s to be expected", code)
		}
	}
	for _, code := range []string{CodeInternalError, CodeHandlerError, CodeTimeout, CodeExternalError} {
		if IsExpected(code) {
			t.Errorf("cmderr:errors_test - expected %s to be unexpected", code)
		}
	}
}
