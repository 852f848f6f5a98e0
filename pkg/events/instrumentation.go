package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

const instrumentationLogPrefix = "events:instrumentation"

// Instrumentation turns dispatcher hooks into published events. Publish
// failures are logged and dropped.
type Instrumentation struct {
	pub       EventPublisher
	withStart bool
}

// NewInstrumentation creates an Instrumentation. Start events are only
// published when withStart is set.
func NewInstrumentation(pub EventPublisher, withStart bool) *Instrumentation {
	if pub == nil {
		pub = &NoOpPublisher{}
	}
	return &Instrumentation{pub: pub, withStart: withStart}
}

func (i *Instrumentation) publish(ctx context.Context, ev *DispatchEvent) {
	if err := i.pub.Publish(ctx, ev); err != nil {
		slog.Warn(fmt.Sprintf("%s - dropped %s event for %s: %v", instrumentationLogPrefix, ev.Kind, ev.Command, err))
	}
}

func (i *Instrumentation) OnDispatchStart(ctx context.Context, command string, _ registry.Params) {
	if i.withStart {
		i.publish(ctx, NewDispatchEvent(KindStart, command))
	}
}

func (i *Instrumentation) OnDispatchSuccess(ctx context.Context, command string, elapsed time.Duration) {
	ev := NewDispatchEvent(KindSuccess, command)
	ev.ElapsedMs = elapsed.Milliseconds()
	i.publish(ctx, ev)
}

func (i *Instrumentation) OnDispatchError(ctx context.Context, command string, err error, elapsed time.Duration) {
	ev := NewDispatchEvent(KindError, command)
	ev.ElapsedMs = elapsed.Milliseconds()
	ev.ErrorCode = cmderr.CodeOf(err)
	ev.Message = cmderr.MessageOf(err)
	i.publish(ctx, ev)
}

func (i *Instrumentation) OnAdapterInvoke(ctx context.Context, adapter, command string) {
	ev := NewDispatchEvent(KindAdapter, command)
	ev.Adapter = adapter
	i.publish(ctx, ev)
}
