// Package events publishes dispatch lifecycle events.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindStart   = "start"
	KindSuccess = "success"
	KindError   = "error"
	KindAdapter = "adapter"
)

// DispatchEvent is emitted around each dispatched command.
type DispatchEvent struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Command   string `json:"command"`
	Adapter   string `json:"adapter,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
	ElapsedMs int64  `json:"elapsedMs,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewDispatchEvent stamps an event with an id and the current time.
func NewDispatchEvent(kind, command string) *DispatchEvent {
	return &DispatchEvent{
		ID:        uuid.NewString(),
		Kind:      kind,
		Command:   command,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}
