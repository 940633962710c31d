package scheduler

import (
	"context"

	"github.com/BaSui01/taskflow/types"
)

// Worker performs the actual unit of work for a task. How it does so (HTTP
// call, local process, in-memory function) is opaque to the scheduler.
type Worker interface {
	Name() string
	Execute(ctx context.Context, input any) (*types.TaskResult, error)
}

// WorkerFunc adapts a function to the Worker interface.
type WorkerFunc struct {
	WorkerName string
	Fn         func(ctx context.Context, input any) (*types.TaskResult, error)
}

// NewWorkerFunc wraps fn as a named worker.
func NewWorkerFunc(name string, fn func(ctx context.Context, input any) (*types.TaskResult, error)) *WorkerFunc {
	return &WorkerFunc{WorkerName: name, Fn: fn}
}

func (w *WorkerFunc) Name() string { return w.WorkerName }

func (w *WorkerFunc) Execute(ctx context.Context, input any) (*types.TaskResult, error) {
	return w.Fn(ctx, input)
}
