package workflow

import (
	"context"
)

// Dispatcher hands an executable step to the Executor, either in-process or
// through an out-of-process queue. It must eventually yield the Executor's
// result for that step.
type Dispatcher interface {
	Dispatch(ctx context.Context, step *Step) (*ExecutionResult, error)
}

// DirectDispatcher calls the Executor synchronously.
type DirectDispatcher struct {
	executor *Executor
}

// NewDirectDispatcher wraps executor.
func NewDirectDispatcher(executor *Executor) *DirectDispatcher {
	return &DirectDispatcher{executor: executor}
}

// Dispatch implements Dispatcher.
func (d *DirectDispatcher) Dispatch(ctx context.Context, step *Step) (*ExecutionResult, error) {
	return d.executor.Execute(ctx, step.ID, step.Args)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, step *Step) (*ExecutionResult, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, step *Step) (*ExecutionResult, error) {
	return f(ctx, step)
}
