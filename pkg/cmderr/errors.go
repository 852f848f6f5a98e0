// Package cmderr defines the closed error-code taxonomy shared by the
// dispatcher, the command adapter and the transports.
package cmderr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Stable error codes returned to callers in the error variant of a result.
const (
	CodeInvalidCommand     = "invalid_command"
	CodeInvalidCommandType = "invalid_command_type"
	CodeInvalidParams      = "invalid_params"
	CodePolicyDenied       = "policy_denied"
	CodeNotFound           = "not_found"
	CodeTimeout            = "timeout"
	CodeHandlerError       = "handler_error"
	CodeExternalError      = "external_error"
	CodeInternalError      = "internal_error"
)

// Codes lists every code in the closed set.
var Codes = []string{
	CodeInvalidCommand,
	CodeInvalidCommandType,
	CodeInvalidParams,
	CodePolicyDenied,
	CodeNotFound,
	CodeTimeout,
	CodeHandlerError,
	CodeExternalError,
	CodeInternalError,
}

// Error is a classified error carrying one of the stable codes.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a new Error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// InvalidParams reports a handler-level parameter validation failure.
func InvalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a command name with no handler or service fallback.
func NotFound(command string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("Unknown command type: %s", command)}
}

// PolicyDenied reports a policy rejection.
func PolicyDenied(reason string) *Error {
	return &Error{Code: CodePolicyDenied, Message: reason}
}

// Timeout reports a handler or transport deadline expiry.
func Timeout(message string) *Error {
	return &Error{Code: CodeTimeout, Message: message}
}

// External wraps a failure of a downstream dependency.
func External(message string, err error) *Error {
	return &Error{Code: CodeExternalError, Message: message, Err: err}
}

// HandlerError is the canonical wrapper the dispatcher places around any
// failure raised by a handler. The original error stays reachable via Unwrap.
type HandlerError struct {
	Command string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.Command, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// CodeOf classifies err onto the closed code set. A classified *Error anywhere
// in the chain wins over the handler wrapper.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}

	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeTimeout
	}

	var hErr *HandlerError
	if errors.As(err, &hErr) {
		return CodeHandlerError
	}
	if netErr != nil {
		return CodeExternalError
	}
	return CodeInternalError
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var cmdErr *Error
	if errors.As(err, &cmdErr) && cmdErr.Message != "" {
		if cmdErr.Err != nil && cmdErr.Code == CodeExternalError {
			return cmdErr.Message + ": " + cmdErr.Err.Error()
		}
		return cmdErr.Message
	}
	var hErr *HandlerError
	if errors.As(err, &hErr) && hErr.Err != nil {
		return hErr.Err.Error()
	}
	return err.Error()
}

// IsExpected reports whether code is an expected, caller-driven failure that
// must not be logged as unexpected.
func IsExpected(code string) bool {
	switch code {
	case CodeInvalidCommand, CodeInvalidCommandType, CodeInvalidParams, CodePolicyDenied, CodeNotFound:
		return true
	}
	return false
}
