package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/types"
)

// Checkpoint metadata keys written by the scheduler.
const (
	metaKind  = "kind"
	metaMode  = "mode"
	metaBatch = "batch"
	kindBatch = "schedule"
)

// Config configures a Scheduler.
type Config struct {
	// RunTimeout aborts a whole run; 0 disables it.
	RunTimeout time.Duration
}

// Scheduler runs task lists in PARALLEL, SERIAL or AUTO mode.
type Scheduler struct {
	executor    *BatchExecutor
	checkpoints *checkpoint.Manager
	config      Config
	tracer      trace.Tracer
	logger      *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithCheckpoints enables per-batch checkpointing.
func WithCheckpoints(m *checkpoint.Manager) Option {
	return func(s *Scheduler) { s.checkpoints = m }
}

// WithTracer replaces the tracer used for run spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New creates a scheduler on top of executor.
func New(executor *BatchExecutor, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		executor: executor,
		config:   config,
		tracer:   otel.Tracer("taskflow/scheduler"),
		logger:   logger.With(zap.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Executor returns the batch executor.
func (s *Scheduler) Executor() *BatchExecutor { return s.executor }

// Run executes tasks under a fresh execution id.
func (s *Scheduler) Run(ctx context.Context, tasks []*types.Task, mode types.ExecutionMode) (*types.ExecutionResult, error) {
	return s.RunWithID(ctx, uuid.NewString(), tasks, mode)
}

// RunWithID executes tasks under the given execution id.
func (s *Scheduler) RunWithID(ctx context.Context, executionID string, tasks []*types.Task, mode types.ExecutionMode) (*types.ExecutionResult, error) {
	return s.run(ctx, executionID, tasks, mode, nil)
}

// RunFrom resumes a batch run: tasks present in completed are not executed
// again and their results are carried into the new ExecutionResult.
func (s *Scheduler) RunFrom(ctx context.Context, executionID string, tasks []*types.Task, mode types.ExecutionMode, completed map[string]*types.TaskResult) (*types.ExecutionResult, error) {
	return s.run(ctx, executionID, tasks, mode, completed)
}

// Resume loads the latest checkpoint of executionID and re-runs every task
// that had not succeeded.
func (s *Scheduler) Resume(ctx context.Context, executionID string, tasks []*types.Task) (*types.ExecutionResult, error) {
	if s.checkpoints == nil {
		return nil, types.NewError(types.ErrValidation, "checkpointing is not configured")
	}
	cp, err := s.checkpoints.LoadLatest(ctx, executionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, types.Errorf(types.ErrValidation, "no checkpoint for execution %s", executionID)
		}
		return nil, types.NewError(types.ErrCheckpointIO, "failed to load checkpoint").WithCause(err)
	}

	prior, err := DecodeResults(cp.TaskResults)
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "corrupt task results in checkpoint").WithCause(err)
	}
	completed := make(map[string]*types.TaskResult, len(prior))
	for id, res := range prior {
		if res.Success {
			completed[id] = res
		}
	}

	mode := types.ModeAuto
	if m, ok := cp.Metadata[metaMode].(string); ok && types.ExecutionMode(m).Valid() {
		mode = types.ExecutionMode(m)
	}
	s.logger.Info("resuming execution",
		zap.String("execution_id", executionID),
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.Int("completed", len(completed)))
	return s.run(ctx, executionID, tasks, mode, completed)
}

// plan turns tasks into ordered batches for mode.
func plan(tasks []*types.Task, mode types.ExecutionMode) ([]ExecutionBatch, error) {
	graph, err := BuildTaskGraph(tasks)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	if mode == types.ModeAuto && !HasDependencies(tasks) {
		mode = types.ModeParallel
	}

	switch mode {
	case types.ModeParallel:
		return []ExecutionBatch{{Index: 0, Tasks: append([]*types.Task(nil), tasks...)}}, nil
	case types.ModeSerial:
		order, err := graph.TopologicalOrder()
		if err != nil {
			return nil, err
		}
		batches := make([]ExecutionBatch, len(order))
		for i, t := range order {
			batches[i] = ExecutionBatch{Index: i, Tasks: []*types.Task{t}}
		}
		return batches, nil
	default:
		return graph.Batches()
	}
}

// without drops tasks present in done and renumbers the remaining batches.
func without(batches []ExecutionBatch, done map[string]*types.TaskResult) []ExecutionBatch {
	if len(done) == 0 {
		return batches
	}
	out := make([]ExecutionBatch, 0, len(batches))
	for _, b := range batches {
		var keep []*types.Task
		for _, t := range b.Tasks {
			if _, ok := done[t.ID]; !ok {
				keep = append(keep, t)
			}
		}
		if len(keep) > 0 {
			out = append(out, ExecutionBatch{Index: len(out), Tasks: keep})
		}
	}
	return out
}

func (s *Scheduler) run(ctx context.Context, executionID string, tasks []*types.Task, mode types.ExecutionMode, completed map[string]*types.TaskResult) (*types.ExecutionResult, error) {
	if !mode.Valid() {
		return nil, types.Errorf(types.ErrValidation, "unknown execution mode %q", mode)
	}
	batches, err := plan(tasks, mode)
	if err != nil {
		return nil, err
	}
	batches = without(batches, completed)
	planned := planOrder(tasks, batches, completed)

	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("execution.id", executionID),
		attribute.String("execution.mode", string(mode)),
		attribute.Int("tasks", len(tasks)),
	))
	defer span.End()

	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	start := time.Now()
	result := types.NewExecutionResult(executionID, mode)
	upstream := make(map[string]*types.TaskResult, len(tasks))
	for _, t := range tasks {
		if res, ok := completed[t.ID]; ok {
			restored := *res
			if restored.Metadata == nil {
				restored.Metadata = map[string]any{}
			} else {
				restored.Metadata = copyMeta(restored.Metadata)
			}
			restored.Metadata["restored"] = true
			result.Add(&restored)
			upstream[t.ID] = &restored
		}
	}

	s.logger.Info("run started",
		zap.String("execution_id", executionID),
		zap.String("mode", string(mode)),
		zap.Int("tasks", len(tasks)),
		zap.Int("batches", len(batches)))

	var runErr error
	for i, batch := range batches {
		if ctx.Err() != nil {
			runErr = s.abortError(ctx, executionID)
			skipRemaining(result, batches[i:])
			break
		}

		// Batches only read results of earlier batches.
		snapshot := make(map[string]*types.TaskResult, len(upstream))
		for id, r := range upstream {
			snapshot[id] = r
		}
		for _, res := range s.executor.ExecuteBatch(ctx, batch, snapshot) {
			result.Add(res)
			upstream[res.TaskID] = res
		}
		result.BatchCount++

		if ctx.Err() != nil {
			runErr = s.abortError(ctx, executionID)
			skipRemaining(result, batches[i+1:])
			break
		}
		if i < len(batches)-1 && s.checkpoints != nil && s.checkpoints.ShouldCheckpoint(executionID) {
			cp := s.snapshot(executionID, mode, result, planned, checkpoint.StatusRunning, nil)
			if err := s.checkpoints.Persist(ctx, cp); err != nil {
				runErr = err
				skipRemaining(result, batches[i+1:])
				break
			}
		}
	}
	result.TotalTime = time.Since(start)

	if s.checkpoints != nil {
		status := checkpoint.StatusCompleted
		switch {
		case types.IsCode(runErr, types.ErrTimeout):
			status = checkpoint.StatusPaused
		case runErr != nil || !result.AllSucceeded():
			status = checkpoint.StatusFailed
		}
		cp := s.snapshot(executionID, mode, result, planned, status, runErr)
		// Use a fresh context so the final record survives a run timeout.
		if err := s.checkpoints.Persist(context.WithoutCancel(ctx), cp); err != nil && runErr == nil {
			runErr = err
		}
		s.checkpoints.Forget(executionID)
	}

	span.SetAttributes(
		attribute.Int("tasks.succeeded", result.Succeeded()),
		attribute.Int("tasks.failed", len(result.Failed())),
	)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	s.logger.Info("run finished",
		zap.String("execution_id", executionID),
		zap.Int("succeeded", result.Succeeded()),
		zap.Int("failed", len(result.Failed())),
		zap.Duration("total_time", result.TotalTime),
		zap.Error(runErr))
	return result, runErr
}

func (s *Scheduler) abortError(ctx context.Context, executionID string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.Errorf(types.ErrTimeout, "execution %s exceeded run timeout %v", executionID, s.config.RunTimeout)
	}
	return ctx.Err()
}

func skipRemaining(result *types.ExecutionResult, batches []ExecutionBatch) {
	for _, b := range batches {
		for _, t := range b.Tasks {
			result.Add(&types.TaskResult{
				TaskID:  t.ID,
				Outcome: types.OutcomeSkipped,
				Error:   "run aborted before task started",
			})
		}
	}
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// planOrder lists every task id of a run in batch order, carried-over
// tasks first.
func planOrder(tasks []*types.Task, batches []ExecutionBatch, completed map[string]*types.TaskResult) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := completed[t.ID]; ok {
			ids = append(ids, t.ID)
		}
	}
	for _, b := range batches {
		ids = append(ids, b.IDs()...)
	}
	return ids
}

// snapshot splits planned into succeeded tasks and everything still owed:
// failed, skipped and not yet run.
func (s *Scheduler) snapshot(executionID string, mode types.ExecutionMode, result *types.ExecutionResult, planned []string, status checkpoint.Status, runErr error) *checkpoint.Checkpoint {
	cp := &checkpoint.Checkpoint{
		ExecutionID:    executionID,
		Status:         status,
		CompletedNodes: []string{},
		PendingNodes:   []string{},
		WorkflowState:  map[string]any{},
		TaskResults:    EncodeResults(result.Results),
		Metadata: map[string]any{
			metaKind:  kindBatch,
			metaMode:  string(mode),
			metaBatch: result.BatchCount,
		},
	}
	for _, id := range planned {
		if res := result.Results[id]; res != nil && res.Success {
			cp.CompletedNodes = append(cp.CompletedNodes, id)
			continue
		}
		cp.PendingNodes = append(cp.PendingNodes, id)
	}
	if len(cp.PendingNodes) > 0 {
		cp.CurrentNode = cp.PendingNodes[0]
	}
	if runErr != nil {
		cp.Error = checkpoint.StringPtr(runErr.Error())
	}
	return cp
}

// EncodeResults converts task results into the JSON-shaped map stored in
// checkpoints.
func EncodeResults(results map[string]*types.TaskResult) map[string]any {
	out := make(map[string]any, len(results))
	for id, res := range results {
		data, err := json.Marshal(res)
		if err != nil {
			out[id] = map[string]any{"task_id": id, "success": res.Success, "error": fmt.Sprintf("unencodable result: %v", err)}
			continue
		}
		var m map[string]any
		_ = json.Unmarshal(data, &m)
		out[id] = m
	}
	return out
}

// DecodeResults is the inverse of EncodeResults.
func DecodeResults(raw map[string]any) (map[string]*types.TaskResult, error) {
	out := make(map[string]*types.TaskResult, len(raw))
	for id, v := range raw {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode result %s: %w", id, err)
		}
		var res types.TaskResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", id, err)
		}
		if res.TaskID == "" {
			res.TaskID = id
		}
		out[id] = &res
	}
	return out, nil
}

// Comparison reports serial versus hybrid timing for the same task list.
type Comparison struct {
	SerialTime   time.Duration          `json:"serial_time"`
	ParallelTime time.Duration          `json:"parallel_time"`
	Speedup      float64                `json:"speedup"`
	Serial       *types.ExecutionResult `json:"-"`
	Parallel     *types.ExecutionResult `json:"-"`
}

// Compare runs tasks in SERIAL mode and then in AUTO mode.
func (s *Scheduler) Compare(ctx context.Context, tasks []*types.Task) (*Comparison, error) {
	serial, err := s.Run(ctx, tasks, types.ModeSerial)
	if err != nil {
		return nil, fmt.Errorf("serial run: %w", err)
	}
	parallel, err := s.Run(ctx, tasks, types.ModeAuto)
	if err != nil {
		return nil, fmt.Errorf("parallel run: %w", err)
	}
	c := &Comparison{
		SerialTime:   serial.TotalTime,
		ParallelTime: parallel.TotalTime,
		Serial:       serial,
		Parallel:     parallel,
	}
	if parallel.TotalTime > 0 {
		c.Speedup = float64(serial.TotalTime) / float64(parallel.TotalTime)
	}
	return c, nil
}
