package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/hostbridge/pkg/audit"
	"github.com/morezero/hostbridge/pkg/catalog"
	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

const logPrefix = "dispatcher:dispatcher"

// NewDispatcherParams holds the collaborators for a Dispatcher. Every field
// is optional.
type NewDispatcherParams struct {
	Registry        *registry.Registry
	Catalog         *catalog.Catalog
	Resolver        Resolver
	Instrumentation Instrumentation
	PoolFactory     PoolFactory
	AuditSink       audit.Sink
}

// Dispatcher resolves command names to handlers and runs them. Each call is
// independent; the only shared state is the handler registry.
type Dispatcher struct {
	registry *registry.Registry
	resolver Resolver
	instr    Instrumentation
	executor *Executor
	adapter  *CommandAdapter
}

// New creates a Dispatcher with a default CommandAdapter.
func New(params NewDispatcherParams) *Dispatcher {
	reg := params.Registry
	if reg == nil {
		reg = registry.NewRegistry()
	}
	resolver := params.Resolver
	if resolver == nil {
		resolver = NewDefaultResolver(reg, params.Catalog)
	}

	d := &Dispatcher{
		registry: reg,
		resolver: resolver,
		instr:    guard(params.Instrumentation),
		executor: NewExecutor(params.PoolFactory),
	}
	d.adapter = NewCommandAdapter(d, WithAuditSink(params.AuditSink))
	return d
}

// Registry returns the handler registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Adapter returns the default CommandAdapter.
func (d *Dispatcher) Adapter() *CommandAdapter { return d.adapter }

// Register adds a handler. Registering an existing name fails unless
// overwrite is set.
func (d *Dispatcher) Register(name string, fn registry.HandlerFunc, overwrite bool) error {
	return d.registry.Register(name, fn, overwrite)
}

// Unregister removes a handler.
func (d *Dispatcher) Unregister(name string) {
	d.registry.Unregister(name)
}

// ListHandlers returns the directly registered command names.
func (d *Dispatcher) ListHandlers() []string {
	return d.registry.List()
}

// Dispatch resolves and runs a command. An unresolved name yields NoHandler
// and a nil error. Handler failures are wrapped in *cmderr.HandlerError.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params registry.Params) (interface{}, error) {
	res := d.resolver.Resolve(name)
	if res.Kind == Unresolved {
		slog.Debug(fmt.Sprintf("%s - no handler for %s", logPrefix, name))
		return NoHandler, nil
	}
	return d.run(ctx, name, res.Handler, params, 0)
}

// DispatchStrict is Dispatch, but an unresolved name is a not_found error.
func (d *Dispatcher) DispatchStrict(ctx context.Context, name string, params registry.Params) (interface{}, error) {
	res := d.resolver.Resolve(name)
	if res.Kind == Unresolved {
		return nil, cmderr.NotFound(name)
	}
	return d.run(ctx, name, res.Handler, params, 0)
}

// DispatchWithTimeout runs a directly registered handler bounded by timeout.
// Service fallbacks are not_found here. An expired timeout is returned as a
// timeout error, not wrapped.
func (d *Dispatcher) DispatchWithTimeout(ctx context.Context, name string, params registry.Params, timeout time.Duration) (interface{}, error) {
	res := d.resolver.Resolve(name)
	if res.Kind != Direct {
		return nil, cmderr.NotFound(name)
	}
	return d.run(ctx, name, res.Handler, params, timeout)
}

// DispatchCommand normalizes envelope through the default CommandAdapter.
// Network endpoints use a configured adapter's DispatchRaw instead. policy
// runs after the adapter's own policy and may be nil; a denial from either
// short-circuits before the handler runs.
func (d *Dispatcher) DispatchCommand(ctx context.Context, envelope interface{}, policy PolicyFunc) Result {
	return d.adapter.dispatchWithPolicy(ctx, envelope, policy)
}

func (d *Dispatcher) run(ctx context.Context, name string, h registry.HandlerFunc, params registry.Params, timeout time.Duration) (interface{}, error) {
	if params == nil {
		params = registry.Params{}
	}

	start := time.Now()
	d.instr.OnDispatchStart(ctx, name, params)

	var (
		result interface{}
		err    error
	)
	if timeout > 0 {
		result, err = d.executor.ExecuteWithTimeout(ctx, name, h, params, timeout)
	} else {
		result, err = d.executor.Execute(ctx, name, h, params)
	}

	elapsed := time.Since(start)
	if err != nil {
		d.instr.OnDispatchError(ctx, name, err, elapsed)
		if errors.Is(err, ErrExecutionTimeout) {
			return nil, err
		}
		return nil, &cmderr.HandlerError{Command: name, Err: err}
	}

	d.instr.OnDispatchSuccess(ctx, name, elapsed)
	return result, nil
}
