package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/morezero/hostbridge/pkg/cmderr"
	"github.com/morezero/hostbridge/pkg/registry"
)

const executorLogPrefix = "dispatcher:executor"

// ErrExecutionTimeout marks a timeout raised by the executor itself, as
// opposed to one returned by a handler.
var ErrExecutionTimeout = errors.New("execution deadline exceeded")

// Pool runs submitted tasks on a worker distinct from the caller.
type Pool interface {
	Submit(task func())
	Close()
}

// PoolFactory creates the pool used for one timeout-bounded call.
type PoolFactory func() Pool

type goroutinePool struct{}

func (goroutinePool) Submit(task func()) { go task() }
func (goroutinePool) Close()             {}

// NewGoroutinePool returns a pool that runs each task on a new goroutine.
func NewGoroutinePool() Pool { return goroutinePool{} }

// Executor invokes handlers either directly or bounded by a timeout.
//
// A timeout stops the caller from waiting. The handler's context is
// cancelled, but a handler that ignores it runs to completion and its result
// is discarded, so a timed-out call means "result unknown".
type Executor struct {
	newPool PoolFactory
}

// NewExecutor creates an Executor. A nil factory selects NewGoroutinePool.
func NewExecutor(factory PoolFactory) *Executor {
	if factory == nil {
		factory = NewGoroutinePool
	}
	return &Executor{newPool: factory}
}

// Execute calls h on the caller's goroutine. A panic is returned as an error.
func (e *Executor) Execute(ctx context.Context, name string, h registry.HandlerFunc, params registry.Params) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%s - handler %s panicked: %v", executorLogPrefix, name, r)
		}
	}()
	return h(ctx, params)
}

type outcome struct {
	result interface{}
	err    error
}

// ExecuteWithTimeout runs h on a worker and waits at most timeout for it.
// A non-positive timeout calls Execute.
func (e *Executor) ExecuteWithTimeout(ctx context.Context, name string, h registry.HandlerFunc, params registry.Params, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		return e.Execute(ctx, name, h, params)
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool := e.newPool()
	defer pool.Close()

	done := make(chan outcome, 1)
	pool.Submit(func() {
		r, err := e.Execute(hctx, name, h, params)
		done <- outcome{result: r, err: err}
	})

	select {
	case out := <-done:
		return out.result, out.err
	case <-hctx.Done():
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &cmderr.Error{
			Code:    cmderr.CodeTimeout,
			Message: fmt.Sprintf("Command %s timed out after %s", name, timeout),
			Err:     ErrExecutionTimeout,
		}
	}
}
