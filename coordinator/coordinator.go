package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/injection"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/scheduler"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
)

// TracerSource hands out tracers per component ("scheduler", "workflow").
type TracerSource interface {
	Tracer(component string) trace.Tracer
}

// Options wires a Coordinator. Pool is required; everything else has a
// usable zero value.
type Options struct {
	Pool     *scheduler.WorkerPool
	Injector *injection.Injector

	// Store enables checkpointing for schedules and workflows.
	Store      checkpoint.Store
	Checkpoint checkpoint.ManagerConfig

	Executor  scheduler.ExecutorConfig
	Scheduler scheduler.Config
	Workflow  workflow.Config
	// HistorySize bounds the in-memory workflow run history; 0 keeps the default.
	HistorySize int

	Metrics *metrics.Collector
	// Tracers overrides the global otel tracers when set.
	Tracers TracerSource
	Logger  *zap.Logger
}

// ExecuteOptions configures one workflow run.
type ExecuteOptions struct {
	ExecutionID       string
	InitialState      map[string]any
	Timeout           time.Duration
	MaxLoopIterations int
}

func (o ExecuteOptions) engine() workflow.Options {
	return workflow.Options{
		ExecutionID:       o.ExecutionID,
		InitialState:      o.InitialState,
		Timeout:           o.Timeout,
		MaxLoopIterations: o.MaxLoopIterations,
	}
}

// Coordinator is the single entry point for batch scheduling and workflow
// execution over one worker pool.
type Coordinator struct {
	executor    *scheduler.BatchExecutor
	scheduler   *scheduler.Scheduler
	engine      *workflow.Engine
	checkpoints *checkpoint.Manager
	logger      *zap.Logger
}

// New builds the scheduler, workflow engine and checkpoint manager.
func New(opts Options) (*Coordinator, error) {
	if opts.Pool == nil {
		return nil, types.NewError(types.ErrValidation, "coordinator requires a worker pool")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{logger: logger.With(zap.String("component", "coordinator"))}

	var schedOpts []scheduler.Option
	var engineOpts []workflow.EngineOption
	if opts.Store != nil {
		var mgrOpts []checkpoint.ManagerOption
		if opts.Metrics != nil {
			mgrOpts = append(mgrOpts, checkpoint.WithRecorder(opts.Metrics))
		}
		c.checkpoints = checkpoint.NewManager(opts.Store, opts.Checkpoint, logger, mgrOpts...)
		schedOpts = append(schedOpts, scheduler.WithCheckpoints(c.checkpoints))
		engineOpts = append(engineOpts, workflow.WithCheckpoints(c.checkpoints))
	}

	if opts.HistorySize > 0 {
		engineOpts = append(engineOpts, workflow.WithHistoryStore(workflow.NewHistoryStore(opts.HistorySize)))
	}

	c.executor = scheduler.NewBatchExecutor(opts.Pool, opts.Injector, opts.Executor, logger)
	if opts.Metrics != nil {
		c.executor.SetRecorder(opts.Metrics)
		engineOpts = append(engineOpts, workflow.WithRecorder(opts.Metrics))
	}
	if opts.Tracers != nil {
		c.executor.SetTracer(opts.Tracers.Tracer("scheduler"))
		schedOpts = append(schedOpts, scheduler.WithTracer(opts.Tracers.Tracer("scheduler")))
		engineOpts = append(engineOpts, workflow.WithTracer(opts.Tracers.Tracer("workflow")))
	}
	c.scheduler = scheduler.New(c.executor, opts.Scheduler, logger, schedOpts...)
	c.engine = workflow.NewEngine(opts.Workflow, logger, engineOpts...)

	c.logger.Info("coordinator ready",
		zap.Strings("workers", opts.Pool.Names()),
		zap.Bool("checkpoints", c.checkpoints != nil))
	return c, nil
}

// Scheduler returns the batch scheduler.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.scheduler }

// Engine returns the workflow engine.
func (c *Coordinator) Engine() *workflow.Engine { return c.engine }

// Checkpoints returns the checkpoint manager, nil when checkpointing is off.
func (c *Coordinator) Checkpoints() *checkpoint.Manager { return c.checkpoints }

// Schedule runs tasks under a fresh execution id.
func (c *Coordinator) Schedule(ctx context.Context, tasks []*types.Task, mode types.ExecutionMode) (*types.ExecutionResult, error) {
	return c.scheduler.Run(ctx, tasks, mode)
}

// ScheduleWithID runs tasks under executionID so the run can be resumed.
func (c *Coordinator) ScheduleWithID(ctx context.Context, executionID string, tasks []*types.Task, mode types.ExecutionMode) (*types.ExecutionResult, error) {
	return c.scheduler.RunWithID(ctx, executionID, tasks, mode)
}

// ResumeSchedule re-runs the tasks of executionID that had not succeeded.
func (c *Coordinator) ResumeSchedule(ctx context.Context, executionID string, tasks []*types.Task) (*types.ExecutionResult, error) {
	return c.scheduler.Resume(ctx, executionID, tasks)
}

// ExecuteWorkflow runs g from its START node.
func (c *Coordinator) ExecuteWorkflow(ctx context.Context, g *workflow.Graph, opts ExecuteOptions) (*workflow.State, error) {
	return c.engine.Execute(ctx, g, opts.engine())
}

// ResumeWorkflow continues executionID on g from its latest checkpoint.
func (c *Coordinator) ResumeWorkflow(ctx context.Context, executionID string, g *workflow.Graph) (*workflow.State, error) {
	return c.engine.Resume(ctx, g, executionID, workflow.Options{})
}

// Close releases the checkpoint store.
func (c *Coordinator) Close() error {
	if c.checkpoints == nil {
		return nil
	}
	return c.checkpoints.Store().Close()
}
