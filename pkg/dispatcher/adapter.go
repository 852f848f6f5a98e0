package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/hostbridge/pkg/audit"
	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/commsutil"
)

const adapterLogPrefix = "dispatcher:adapter"

// DefaultAdapterName identifies the adapter in hooks and audit records.
const DefaultAdapterName = "default"

// CommandAdapter turns an arbitrary decoded envelope into a Result. It is the
// single place where errors are mapped onto the closed code set.
type CommandAdapter struct {
	dispatcher *Dispatcher
	name       string
	policy     PolicyFunc
	sink       audit.Sink
	timeout    time.Duration
}

// AdapterOption configures a CommandAdapter.
type AdapterOption func(*CommandAdapter)

// WithAdapterName sets the name reported to instrumentation and used as the
// audit source.
func WithAdapterName(name string) AdapterOption {
	return func(a *CommandAdapter) {
		if name != "" {
			a.name = name
		}
	}
}

// WithPolicy sets the policy applied to every command.
func WithPolicy(policy PolicyFunc) AdapterOption {
	return func(a *CommandAdapter) { a.policy = policy }
}

// WithAuditSink sets where audit records go. nil keeps the slog sink.
func WithAuditSink(sink audit.Sink) AdapterOption {
	return func(a *CommandAdapter) {
		if sink != nil {
			a.sink = sink
		}
	}
}

// WithDefaultTimeout bounds directly registered handlers.
func WithDefaultTimeout(timeout time.Duration) AdapterOption {
	return func(a *CommandAdapter) { a.timeout = timeout }
}

// NewCommandAdapter creates an adapter over d.
func NewCommandAdapter(d *Dispatcher, opts ...AdapterOption) *CommandAdapter {
	a := &CommandAdapter{
		dispatcher: d,
		name:       DefaultAdapterName,
		sink:       audit.LogSink{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the adapter name.
func (a *CommandAdapter) Name() string { return a.name }

// DispatchCommand validates envelope, applies policy, runs the command and
// maps any failure onto an error code.
func (a *CommandAdapter) DispatchCommand(ctx context.Context, envelope interface{}) Result {
	return a.dispatchWithPolicy(ctx, envelope, nil)
}

// DispatchRaw decodes a JSON payload and dispatches it. A payload that is not
// valid JSON is an invalid_command.
func (a *CommandAdapter) DispatchRaw(ctx context.Context, data []byte) Result {
	v, err := commsutil.DecodeAny(data)
	if err != nil {
		return a.finish(ctx, Envelope{}, Failure(cmderr.CodeInvalidCommand, fmt.Sprintf("Command is not valid JSON: %v", err)))
	}
	return a.DispatchCommand(ctx, v)
}

// dispatchWithPolicy runs the adapter's own policy first and then policy, so a
// per-call policy can only narrow what the adapter allows.
func (a *CommandAdapter) dispatchWithPolicy(ctx context.Context, envelope interface{}, policy PolicyFunc) Result {
	env, bad := parseEnvelope(envelope)
	if bad != nil {
		return a.finish(ctx, env, Failure(bad.Code, bad.Message))
	}

	for _, p := range []PolicyFunc{a.policy, policy} {
		if reason, denied := checkPolicy(ctx, p, env.Type, env.Params); denied {
			return a.finish(ctx, env, Failure(cmderr.CodePolicyDenied, reason))
		}
	}

	a.dispatcher.instr.OnAdapterInvoke(ctx, a.name, env.Type)

	if !a.dispatcher.registry.Has(env.Type) {
		return a.finish(ctx, env, Failure(cmderr.CodeNotFound, cmderr.NotFound(env.Type).Message))
	}

	var (
		result interface{}
		err    error
	)
	if a.timeout > 0 {
		result, err = a.dispatcher.DispatchWithTimeout(ctx, env.Type, env.Params, a.timeout)
	} else {
		result, err = a.dispatcher.Dispatch(ctx, env.Type, env.Params)
	}
	if err != nil {
		return a.finish(ctx, env, Failure(cmderr.CodeOf(err), cmderr.MessageOf(err)))
	}
	if IsNoHandler(result) {
		// unregistered between the lookup and the call
		return a.finish(ctx, env, Failure(cmderr.CodeNotFound, cmderr.NotFound(env.Type).Message))
	}
	return a.finish(ctx, env, Success(result))
}

// finish audits res before it is returned. Logging of the outcome belongs to
// the sink (audit.LogSink by default).
func (a *CommandAdapter) finish(ctx context.Context, env Envelope, res Result) Result {
	rec := audit.NewRecord(a.name, env.Type, env.Params)
	rec.Status = res.Status
	rec.ErrorCode = res.ErrorCode
	rec.Message = res.Message
	if err := a.sink.Write(ctx, rec); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to write audit record %s: %v", adapterLogPrefix, rec.ID, err))
	}
	return res
}
