package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/hostbridge/pkg/catalog"
	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

const strategiesLogPrefix = "dispatcher:strategies"

// ResolutionKind tags the outcome of handler resolution.
type ResolutionKind int

const (
	Unresolved ResolutionKind = iota
	Direct
	ServiceFallback
)

func (k ResolutionKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case ServiceFallback:
		return "service"
	}
	return "unresolved"
}

// Resolution is the result of resolving a command name.
type Resolution struct {
	Kind    ResolutionKind
	Handler registry.HandlerFunc
	Service *catalog.Service
}

// Resolver maps a command name to a handler.
type Resolver interface {
	Resolve(name string) Resolution
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) Resolution

// Resolve calls f.
func (f ResolverFunc) Resolve(name string) Resolution { return f(name) }

// DefaultResolver looks in the registry first, then in the service catalog.
type DefaultResolver struct {
	registry *registry.Registry
	catalog  *catalog.Catalog
}

// NewDefaultResolver creates a DefaultResolver. cat may be nil.
func NewDefaultResolver(reg *registry.Registry, cat *catalog.Catalog) *DefaultResolver {
	return &DefaultResolver{registry: reg, catalog: cat}
}

// Resolve implements Resolver.
func (r *DefaultResolver) Resolve(name string) Resolution {
	if h, ok := r.registry.Get(name); ok {
		return Resolution{Kind: Direct, Handler: h}
	}
	if r.catalog != nil {
		if svc, ok := r.catalog.Lookup(name); ok {
			return Resolution{Kind: ServiceFallback, Handler: svc.Handler(), Service: svc}
		}
	}
	return Resolution{Kind: Unresolved}
}

// PolicyFunc decides whether a command may run. A non-empty reason or a
// non-nil error denies it.
type PolicyFunc func(ctx context.Context, commandType string, params registry.Params) (reason string, err error)

// AllowAll is the default policy.
func AllowAll(context.Context, string, registry.Params) (string, error) { return "", nil }

// checkPolicy runs policy and reports a denial reason. Errors and panics
// deny with their message.
func checkPolicy(ctx context.Context, policy PolicyFunc, commandType string, params registry.Params) (reason string, denied bool) {
	if policy == nil {
		return "", false
	}
	defer func() {
		if r := recover(); r != nil {
			reason = fmt.Sprint(r)
			denied = true
		}
	}()

	reason, err := policy(ctx, commandType, params)
	if err != nil {
		var cmdErr *cmderr.Error
		if errors.As(err, &cmdErr) && cmdErr.Code == cmderr.CodePolicyDenied {
			return cmdErr.Message, true
		}
		return err.Error(), true
	}
	return reason, reason != ""
}

// Instrumentation observes the dispatch lifecycle.
type Instrumentation interface {
	OnDispatchStart(ctx context.Context, command string, params registry.Params)
	OnDispatchSuccess(ctx context.Context, command string, elapsed time.Duration)
	OnDispatchError(ctx context.Context, command string, err error, elapsed time.Duration)
	OnAdapterInvoke(ctx context.Context, adapter, command string)
}

// NoOp ignores every hook.
type NoOp struct{}

func (NoOp) OnDispatchStart(context.Context, string, registry.Params)      {}
func (NoOp) OnDispatchSuccess(context.Context, string, time.Duration)      {}
func (NoOp) OnDispatchError(context.Context, string, error, time.Duration) {}
func (NoOp) OnAdapterInvoke(context.Context, string, string)               {}

// MultiInstrumentation calls every member in order.
type MultiInstrumentation []Instrumentation

func (m MultiInstrumentation) OnDispatchStart(ctx context.Context, command string, params registry.Params) {
	for _, in := range m {
		in.OnDispatchStart(ctx, command, params)
	}
}

func (m MultiInstrumentation) OnDispatchSuccess(ctx context.Context, command string, elapsed time.Duration) {
	for _, in := range m {
		in.OnDispatchSuccess(ctx, command, elapsed)
	}
}

func (m MultiInstrumentation) OnDispatchError(ctx context.Context, command string, err error, elapsed time.Duration) {
	for _, in := range m {
		in.OnDispatchError(ctx, command, err, elapsed)
	}
}

func (m MultiInstrumentation) OnAdapterInvoke(ctx context.Context, adapter, command string) {
	for _, in := range m {
		in.OnAdapterInvoke(ctx, adapter, command)
	}
}

// guarded keeps a misbehaving hook out of the dispatch path.
type guarded struct {
	inner Instrumentation
}

func guard(in Instrumentation) Instrumentation {
	if in == nil {
		return NoOp{}
	}
	if g, ok := in.(guarded); ok {
		return g
	}
	return guarded{inner: in}
}

func recoverHook(hook string) {
	if r := recover(); r != nil {
		slog.Warn(fmt.Sprintf("%s - instrumentation hook %s panicked: %v", strategiesLogPrefix, hook, r))
	}
}

func (g guarded) OnDispatchStart(ctx context.Context, command string, params registry.Params) {
	defer recoverHook("OnDispatchStart")
	g.inner.OnDispatchStart(ctx, command, params)
}

func (g guarded) OnDispatchSuccess(ctx context.Context, command string, elapsed time.Duration) {
	defer recoverHook("OnDispatchSuccess")
	g.inner.OnDispatchSuccess(ctx, command, elapsed)
}

func (g guarded) OnDispatchError(ctx context.Context, command string, err error, elapsed time.Duration) {
	defer recoverHook("OnDispatchError")
	g.inner.OnDispatchError(ctx, command, err, elapsed)
}

func (g guarded) OnAdapterInvoke(ctx context.Context, adapter, command string) {
	defer recoverHook("OnAdapterInvoke")
	g.inner.OnAdapterInvoke(ctx, adapter, command)
}
