// Package audit records one structured entry per command the adapter
// handles, whatever the outcome.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/hostbridge/pkg/cmderr"
)

const logPrefix = "audit:audit"

// Record is one audit entry: {source, action, params, result}.
type Record struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Status    string                 `json:"status"`
	ErrorCode string                 `json:"errorCode,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Time      time.Time              `json:"time"`
}

// NewRecord stamps a record with a fresh id and the current time.
func NewRecord(source, action string, params map[string]interface{}) Record {
	return Record{
		ID:     uuid.NewString(),
		Source: source,
		Action: action,
		Params: params,
		Time:   time.Now().UTC(),
	}
}

// Sink persists audit records. Write errors never fail a command.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// LogSink writes records through slog.
type LogSink struct{}

// Write logs rec. Caller-driven failures log at Info, internal errors at
// Error and the rest at Warn.
func (LogSink) Write(_ context.Context, rec Record) error {
	msg := fmt.Sprintf("%s - source=%s action=%s status=%s id=%s", logPrefix, rec.Source, rec.Action, rec.Status, rec.ID)
	if rec.ErrorCode == "" {
		slog.Info(msg)
		return nil
	}
	msg += fmt.Sprintf(" error_code=%s message=%q", rec.ErrorCode, rec.Message)
	switch {
	case cmderr.IsExpected(rec.ErrorCode):
		slog.Info(msg)
	case rec.ErrorCode == cmderr.CodeInternalError:
		slog.Error(msg)
	default:
		slog.Warn(msg)
	}
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []Sink

// Write writes rec to every sink.
func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CallbackSink calls a function for every record (for testing).
type CallbackSink struct {
	callback func(ctx context.Context, rec Record) error
}

// NewCallbackSink creates a CallbackSink.
func NewCallbackSink(cb func(ctx context.Context, rec Record) error) *CallbackSink {
	return &CallbackSink{callback: cb}
}

// Write calls the callback.
func (s *CallbackSink) Write(ctx context.Context, rec Record) error {
	return s.callback(ctx, rec)
}
