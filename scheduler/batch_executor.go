package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskflow/injection"
	"github.com/BaSui01/taskflow/types"
)

// Recorder receives scheduling events. internal/metrics implements it.
type Recorder interface {
	RecordTask(worker string, outcome types.Outcome, duration time.Duration)
	RecordBatch(size int, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordTask(string, types.Outcome, time.Duration) {}
func (nopRecorder) RecordBatch(int, time.Duration)                  {}

// ExecutorConfig configures per-task execution.
type ExecutorConfig struct {
	// MaxConcurrency bounds tasks in flight per batch; <= 0 is unbounded.
	MaxConcurrency int
	// TaskTimeout applies when a task has no "timeout" metadata; 0 disables it.
	TaskTimeout time.Duration
	// MaxRetries applies when a task has no "max_retries" metadata.
	MaxRetries int
	// RetryBackoff is the base of the exponential backoff between attempts.
	RetryBackoff time.Duration
}

// DefaultExecutorConfig returns conservative defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrency: 10,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// BatchExecutor runs the tasks of one batch concurrently against a WorkerPool.
type BatchExecutor struct {
	pool     *WorkerPool
	injector *injection.Injector
	config   ExecutorConfig
	recorder Recorder
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewBatchExecutor creates an executor. injector may be nil when no task
// declares an input mapping.
func NewBatchExecutor(pool *WorkerPool, injector *injection.Injector, config ExecutorConfig, logger *zap.Logger) *BatchExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if injector == nil {
		injector = injection.NewInjector(logger)
	}
	return &BatchExecutor{
		pool:     pool,
		injector: injector,
		config:   config,
		recorder: nopRecorder{},
		tracer:   otel.Tracer("taskflow/scheduler"),
		logger:   logger.With(zap.String("component", "batch_executor")),
	}
}

// SetRecorder attaches a metrics recorder.
func (e *BatchExecutor) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	e.recorder = r
}

// SetTracer replaces the tracer used for task spans.
func (e *BatchExecutor) SetTracer(t trace.Tracer) {
	if t != nil {
		e.tracer = t
	}
}

// Pool returns the worker pool.
func (e *BatchExecutor) Pool() *WorkerPool { return e.pool }

// ExecuteBatch runs every task of batch and waits for all of them. A failing
// task never cancels its siblings. Results are returned in batch order.
// upstream must not be mutated while the batch runs.
func (e *BatchExecutor) ExecuteBatch(ctx context.Context, batch ExecutionBatch, upstream map[string]*types.TaskResult) []*types.TaskResult {
	ctx, span := e.tracer.Start(ctx, "scheduler.batch", trace.WithAttributes(
		attribute.Int("batch.index", batch.Index),
		attribute.Int("batch.size", len(batch.Tasks)),
	))
	defer span.End()

	start := time.Now()
	results := make([]*types.TaskResult, len(batch.Tasks))

	var g errgroup.Group
	if e.config.MaxConcurrency > 0 {
		g.SetLimit(e.config.MaxConcurrency)
	}
	for i, task := range batch.Tasks {
		g.Go(func() error {
			results[i] = e.ExecuteTask(ctx, task, upstream)
			return nil
		})
	}
	_ = g.Wait()

	e.recorder.RecordBatch(len(batch.Tasks), time.Since(start))
	e.logger.Debug("batch completed",
		zap.Int("batch", batch.Index),
		zap.Int("tasks", len(batch.Tasks)),
		zap.Duration("duration", time.Since(start)))
	return results
}

// ExecuteTask builds the task's input, selects a worker and runs the task
// with retries and timeout. It always returns a result.
func (e *BatchExecutor) ExecuteTask(ctx context.Context, task *types.Task, upstream map[string]*types.TaskResult) *types.TaskResult {
	ctx, span := e.tracer.Start(ctx, "scheduler.task", trace.WithAttributes(
		attribute.String("task.id", task.ID),
	))
	defer span.End()

	start := time.Now()
	res := e.run(ctx, task, upstream)
	res.TaskID = task.ID
	if res.Latency == 0 {
		res.Latency = time.Since(start)
	}

	span.SetAttributes(
		attribute.String("task.worker", res.Worker),
		attribute.String("task.outcome", string(res.Outcome)),
		attribute.Int("task.attempts", res.Attempts),
	)
	if !res.Success {
		span.SetStatus(codes.Error, res.Error)
		e.logger.Warn("task failed",
			zap.String("task_id", task.ID),
			zap.String("worker", res.Worker),
			zap.String("outcome", string(res.Outcome)),
			zap.Int("attempts", res.Attempts),
			zap.String("error", res.Error))
	}
	e.recorder.RecordTask(res.Worker, res.Outcome, time.Since(start))
	return res
}

func (e *BatchExecutor) run(ctx context.Context, task *types.Task, upstream map[string]*types.TaskResult) *types.TaskResult {
	input := task.Input
	if len(task.InputMapping) > 0 {
		injected, err := e.injector.Inject(task, upstream)
		if err != nil {
			return types.Failed(task.ID, err)
		}
		input = injected.Render()
	}

	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = e.config.TaskTimeout
	}
	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	retries, ok := task.MaxRetries()
	if !ok {
		retries = e.config.MaxRetries
	}
	base := e.config.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(max(retries, 0)), retry.NewExponential(base))

	var (
		last     *types.TaskResult
		attempts int
	)
	err := retry.Do(taskCtx, backoff, func(attemptCtx context.Context) error {
		attempts++
		res, err := e.attempt(attemptCtx, task, input)
		last = res
		if err == nil {
			return nil
		}
		if types.IsCode(err, types.ErrValidation) || attemptCtx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})

	if err != nil {
		switch {
		case timeout > 0 && errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			terr := types.Errorf(types.ErrTimeout, "task %s timed out after %v", task.ID, timeout).WithTask(task.ID)
			last = types.Failed(task.ID, terr)
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			terr := types.Errorf(types.ErrTimeout, "task %s interrupted by run timeout", task.ID).WithTask(task.ID).WithCause(err)
			last = types.Failed(task.ID, terr)
		case last == nil || last.Success:
			last = types.Failed(task.ID, err)
		}
	}
	last.Attempts = attempts
	return last
}

// attempt performs one worker call. The returned result is never nil; err is
// non-nil whenever the result is not a success.
func (e *BatchExecutor) attempt(ctx context.Context, task *types.Task, input any) (*types.TaskResult, error) {
	name, err := e.pool.Select(task)
	if err != nil {
		return types.Failed(task.ID, err), err
	}

	type outcome struct {
		res *types.TaskResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.pool.Call(ctx, name, input)
		done <- outcome{res, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// The worker keeps its admission slot until it returns.
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		if types.GetErrorCode(out.err) == "" {
			out.err = types.NewError(types.ErrTaskExecution, "worker call failed").
				WithTask(task.ID).WithCause(out.err)
		}
		res := types.Failed(task.ID, out.err)
		res.Worker = name
		return res, out.err
	}

	res := out.res
	res.Worker = name
	if !res.Success {
		if res.Outcome == "" || res.Outcome == types.OutcomeSuccess {
			res.Outcome = types.OutcomeFailure
		}
		if res.ErrorCode == "" {
			res.ErrorCode = types.ErrTaskExecution
		}
		msg := res.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		return res, types.NewError(res.ErrorCode, msg).WithTask(task.ID)
	}
	res.Outcome = types.OutcomeSuccess
	return res, nil
}
