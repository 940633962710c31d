package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/types"
)

// DefaultMaxLoopIterations is the loop ceiling when neither the run, the
// graph nor the engine config sets one.
const DefaultMaxLoopIterations = 100

// TaskResultsKey is the state key under which task results are kept; it is
// mirrored into the checkpoint's task_results field.
const TaskResultsKey = "task_results"

// Checkpoint metadata keys.
const (
	metaKind       = "kind"
	metaWorkflow   = "workflow"
	metaLoopCounts = "loop_counts"
	metaReenter    = "reenter"
	metaAnomalies  = "anomalies"
	metaFailedNode = "failed_node"

	kindWorkflow = "workflow"
	// reenterNode: current_node has not run yet.
	reenterNode = "node"
	// reenterEdges: current_node already ran; resume by re-evaluating its
	// outgoing edges.
	reenterEdges = "edges"
)

// Recorder receives workflow events. internal/metrics implements it.
type Recorder interface {
	RecordNode(kind, status string, duration time.Duration)
	RecordWorkflow(status string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordNode(string, string, time.Duration) {}
func (nopRecorder) RecordWorkflow(string, time.Duration)     {}

// Config holds engine-wide defaults.
type Config struct {
	MaxLoopIterations int
	RunTimeout        time.Duration
}

// Options configures one run.
type Options struct {
	ExecutionID       string
	InitialState      map[string]any
	Timeout           time.Duration
	MaxLoopIterations int
}

// Engine walks workflow graphs.
type Engine struct {
	config      Config
	checkpoints *checkpoint.Manager
	history     *HistoryStore
	recorder    Recorder
	tracer      trace.Tracer
	logger      *zap.Logger
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithCheckpoints enables progress checkpoints and Resume.
func WithCheckpoints(m *checkpoint.Manager) EngineOption {
	return func(e *Engine) { e.checkpoints = m }
}

// WithHistoryStore replaces the default in-memory history store.
func WithHistoryStore(s *HistoryStore) EngineOption {
	return func(e *Engine) { e.history = s }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithTracer replaces the tracer used for run and node spans.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// NewEngine creates a workflow engine.
func NewEngine(config Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		config:   config,
		history:  NewHistoryStore(0),
		recorder: nopRecorder{},
		tracer:   otel.Tracer("taskflow/workflow"),
		logger:   logger.With(zap.String("component", "workflow_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// History returns the execution history store.
func (e *Engine) History() *HistoryStore { return e.history }

// Execute runs g from its START node. The returned state is non-nil once
// the run has started, including on failure.
func (e *Engine) Execute(ctx context.Context, g *Graph, opts Options) (*State, error) {
	start, ok := g.Start()
	if !ok {
		return nil, types.Errorf(types.ErrValidation, "workflow %s has no START node", g.Name)
	}
	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = uuid.NewString()
	}
	state := NewState(executionID, opts.InitialState)
	return e.run(ctx, g, state, start.ID, false, opts)
}

// Resume continues executionID from its latest checkpoint. RUNNING, PAUSED
// and FAILED checkpoints can be resumed; a FAILED run re-executes the node
// that failed.
func (e *Engine) Resume(ctx context.Context, g *Graph, executionID string, opts Options) (*State, error) {
	if e.checkpoints == nil {
		return nil, types.NewError(types.ErrValidation, "checkpointing is not configured")
	}
	cp, err := e.checkpoints.LoadLatest(ctx, executionID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, types.Errorf(types.ErrValidation, "no checkpoint for execution %s", executionID)
		}
		return nil, types.NewError(types.ErrCheckpointIO, "failed to load checkpoint").WithCause(err)
	}
	if cp.Status == checkpoint.StatusCompleted {
		return nil, types.Errorf(types.ErrValidation, "execution %s already completed", executionID)
	}
	if cp.CurrentNode == "" {
		return nil, types.Errorf(types.ErrValidation, "checkpoint %s has no resume node", cp.CheckpointID)
	}
	if _, ok := g.Node(cp.CurrentNode); !ok {
		return nil, types.Errorf(types.ErrValidation, "resume node %s is not in workflow %s", cp.CurrentNode, g.Name).
			WithNode(cp.CurrentNode)
	}

	state := restoreState(cp)
	reenter, _ := cp.Metadata[metaReenter].(string)
	e.logger.Info("resuming workflow",
		zap.String("execution_id", executionID),
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("status", string(cp.Status)),
		zap.String("current_node", cp.CurrentNode),
		zap.String("reenter", reenter))

	opts.ExecutionID = executionID
	return e.run(ctx, g, state, cp.CurrentNode, reenter == reenterEdges, opts)
}

func (e *Engine) ceiling(g *Graph, opts Options) int {
	switch {
	case opts.MaxLoopIterations > 0:
		return opts.MaxLoopIterations
	case g.MaxLoopIterations > 0:
		return g.MaxLoopIterations
	case e.config.MaxLoopIterations > 0:
		return e.config.MaxLoopIterations
	default:
		return DefaultMaxLoopIterations
	}
}

func (e *Engine) run(ctx context.Context, g *Graph, state *State, from string, skipFirst bool, opts Options) (*State, error) {
	for _, w := range Validate(g) {
		e.logger.Warn("workflow validation warning",
			zap.String("workflow", g.Name),
			zap.String("code", string(w.Code)),
			zap.String("node_id", w.NodeID),
			zap.String("message", w.Message))
		state.Anomalies = append(state.Anomalies, w.Message)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.config.RunTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", g.Name),
		attribute.String("execution.id", state.ExecutionID),
	))
	defer span.End()

	w := &walker{
		engine:  e,
		graph:   g,
		ceiling: e.ceiling(g, opts),
		hist:    NewExecutionHistory(state.ExecutionID, g.Name),
	}
	start := time.Now()
	state.Status = StatusRunning

	res, err := w.walk(ctx, state, from, skipFirst, nil, true)

	var cpStatus checkpoint.Status
	switch {
	case err == nil && res.end:
		state.Status = StatusCompleted
		cpStatus = checkpoint.StatusCompleted
	case err == nil:
		state.Status = StatusDeadEnd
		cpStatus = checkpoint.StatusCompleted
	case ctx.Err() != nil && !types.IsCode(err, types.ErrWorkflowNode):
		state.Status = StatusPaused
		cpStatus = checkpoint.StatusPaused
	default:
		state.Status = StatusFailed
		cpStatus = checkpoint.StatusFailed
	}

	if e.checkpoints != nil {
		cp := w.snapshot(state, cpStatus, err)
		if cpStatus == checkpoint.StatusCompleted {
			cp.CurrentNode = ""
			cp.PendingNodes = []string{}
		}
		if perr := e.checkpoints.Persist(context.WithoutCancel(ctx), cp); perr != nil && err == nil {
			err = perr
		}
		e.checkpoints.Forget(state.ExecutionID)
	}

	w.hist.Complete(state.Status, err)
	e.history.Save(w.hist)
	e.recorder.RecordWorkflow(string(state.Status), time.Since(start))

	span.SetAttributes(attribute.String("workflow.status", string(state.Status)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	e.logger.Info("workflow finished",
		zap.String("workflow", g.Name),
		zap.String("execution_id", state.ExecutionID),
		zap.String("status", string(state.Status)),
		zap.Int("nodes_visited", len(state.History)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return state, err
}

type walkResult struct {
	// end is true when the walk reached an END node.
	end bool
}

// walker holds per-run settings shared by the main walk and its forks.
type walker struct {
	engine  *Engine
	graph   *Graph
	ceiling int
	hist    *ExecutionHistory
}

// walk visits nodes from current until END, a dead end, a node in stopAt
// (a join owned by an enclosing fork) or an error. With skipFirst the first
// node is not executed; only its edges are evaluated.
func (w *walker) walk(ctx context.Context, state *State, current string, skipFirst bool, stopAt map[string]bool, main bool) (walkResult, error) {
	for {
		node, ok := w.graph.Node(current)
		if !ok {
			return walkResult{}, types.Errorf(types.ErrValidation, "unknown node %s", current).WithNode(current)
		}

		if !skipFirst {
			if stopAt[current] {
				return walkResult{}, nil
			}
			state.CurrentNode = current
			state.resumeEdges = false
			if err := ctx.Err(); err != nil {
				return walkResult{}, w.interrupted(ctx, current)
			}
			if err := w.runNode(ctx, state, node); err != nil {
				return walkResult{}, err
			}
		}
		skipFirst = false

		if node.Kind == NodeEnd {
			return walkResult{end: true}, nil
		}

		edges := w.qualify(state, node)
		switch len(edges) {
		case 0:
			if main {
				msg := fmt.Sprintf("dead end at node %s: no qualifying outgoing edge", current)
				state.Anomalies = append(state.Anomalies, msg)
				w.engine.logger.Warn("workflow stopped early",
					zap.String("execution_id", state.ExecutionID),
					zap.String("node_id", current))
			}
			return walkResult{}, nil

		case 1:
			e := edges[0]
			if e.Kind == EdgeLoopBack {
				state.LoopCounts[e.Key()]++
			}
			current = e.To

		default:
			join, res, err := w.fork(ctx, state, current, edges, stopAt)
			if err != nil {
				// Branch work is discarded; resuming re-evaluates the fan-out.
				state.CurrentNode = current
				state.resumeEdges = true
				return walkResult{}, err
			}
			if join == "" {
				if main && !res.end {
					state.Anomalies = append(state.Anomalies,
						fmt.Sprintf("branches from node %s ended without reaching END", current))
				}
				return res, nil
			}
			current = join
		}

		if main {
			w.progress(ctx, state, current)
		}
	}
}

// qualify returns the outgoing edges of node that may be traversed.
func (w *walker) qualify(state *State, node *Node) []*Edge {
	var out []*Edge
	for _, e := range w.graph.Outgoing(node.ID) {
		switch e.Kind {
		case EdgeNormal:
			out = append(out, e)
		case EdgeConditional:
			if e.Predicate(state) {
				out = append(out, e)
			}
		case EdgeLoopBack:
			if e.Predicate != nil && !e.Predicate(state) {
				continue
			}
			if state.LoopCounts[e.Key()] >= w.ceiling {
				state.Anomalies = append(state.Anomalies,
					fmt.Sprintf("loop ceiling %d reached on edge %s", w.ceiling, e.Key()))
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// fork runs each qualifying edge's target on a private copy of state until
// the branches reconverge, then merges them in edge order.
func (w *walker) fork(ctx context.Context, state *State, from string, edges []*Edge, stopAt map[string]bool) (string, walkResult, error) {
	targets := make([]string, len(edges))
	for i, e := range edges {
		targets[i] = e.To
	}
	join := w.graph.joinPoint(targets)

	inner := make(map[string]bool, len(stopAt)+1)
	for id := range stopAt {
		inner[id] = true
	}
	if join != "" {
		inner[join] = true
	}

	w.engine.logger.Debug("fan-out",
		zap.String("execution_id", state.ExecutionID),
		zap.String("from", from),
		zap.Strings("targets", targets),
		zap.String("join", join))

	historyBase, anomalyBase := len(state.History), len(state.Anomalies)
	branches := make([]*State, len(edges))
	results := make([]walkResult, len(edges))
	var once sync.Once
	failed := -1

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range edges {
		b := state.fork()
		if e.Kind == EdgeLoopBack {
			b.LoopCounts[e.Key()]++
		}
		branches[i] = b
		g.Go(func() error {
			res, err := w.walk(gctx, b, e.To, false, inner, false)
			if err != nil {
				once.Do(func() { failed = i })
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if failed >= 0 {
			state.FailedNode = branches[failed].FailedNode
			state.Error = branches[failed].Error
		}
		return "", walkResult{}, err
	}

	var res walkResult
	for i, b := range branches {
		state.join(b, w.graph, historyBase, anomalyBase)
		res.end = res.end || results[i].end
	}
	return join, res, nil
}

type nodeOutcome struct {
	update Update
	err    error
}

// runNode executes a node's handler and applies its update. A run timeout
// interrupts the wait even when the handler ignores ctx.
func (w *walker) runNode(ctx context.Context, state *State, node *Node) error {
	ctx, span := w.engine.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.kind", string(node.Kind)),
	))
	defer span.End()

	ne := w.hist.RecordNodeStart(node.ID, node.Kind)
	start := time.Now()

	var out nodeOutcome
	if node.Handler != nil {
		done := make(chan nodeOutcome, 1)
		in := state.Clone()
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- nodeOutcome{err: fmt.Errorf("panic in node %s: %v", node.ID, r)}
				}
			}()
			u, err := node.Handler(ctx, in)
			done <- nodeOutcome{update: u, err: err}
		}()
		select {
		case out = <-done:
		case <-ctx.Done():
			out = nodeOutcome{err: ctx.Err()}
		}
	}

	if out.err != nil && ctx.Err() != nil {
		err := w.interrupted(ctx, node.ID)
		w.hist.RecordNodeEnd(ne, nil, err)
		w.engine.recorder.RecordNode(string(node.Kind), "interrupted", time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if out.err != nil {
		err := types.Errorf(types.ErrWorkflowNode, "node %s failed", node.ID).WithNode(node.ID).WithCause(out.err)
		state.FailedNode = node.ID
		state.Error = out.err.Error()
		w.hist.RecordNodeEnd(ne, nil, err)
		w.engine.recorder.RecordNode(string(node.Kind), "failed", time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		w.engine.logger.Error("workflow node failed",
			zap.String("execution_id", state.ExecutionID),
			zap.String("node_id", node.ID),
			zap.Error(out.err))
		return err
	}

	state.apply(out.update, w.graph)
	state.History = append(state.History, node.ID)
	w.hist.RecordNodeEnd(ne, out.update, nil)
	w.engine.recorder.RecordNode(string(node.Kind), "completed", time.Since(start))
	return nil
}

func (w *walker) interrupted(ctx context.Context, node string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.Errorf(types.ErrTimeout, "workflow %s timed out at node %s", w.graph.Name, node).WithNode(node)
	}
	return fmt.Errorf("workflow %s interrupted at node %s: %w", w.graph.Name, node, ctx.Err())
}

// progress writes a RUNNING checkpoint pointing at the next node when the
// interval policy allows it.
func (w *walker) progress(ctx context.Context, state *State, next string) {
	m := w.engine.checkpoints
	if m == nil || !m.ShouldCheckpoint(state.ExecutionID) {
		return
	}
	state.CurrentNode = next
	state.resumeEdges = false
	// Persist only fails when durability is required; the final checkpoint
	// reports that error.
	if err := m.Persist(ctx, w.snapshot(state, checkpoint.StatusRunning, nil)); err != nil {
		w.engine.logger.Error("durable checkpoint failed", zap.Error(err))
	}
}

func (w *walker) snapshot(state *State, status checkpoint.Status, runErr error) *checkpoint.Checkpoint {
	loops := make(map[string]any, len(state.LoopCounts))
	for k, v := range state.LoopCounts {
		loops[k] = v
	}
	anomalies := make([]any, len(state.Anomalies))
	for i, a := range state.Anomalies {
		anomalies[i] = a
	}
	reenter := reenterNode
	if state.resumeEdges {
		reenter = reenterEdges
	}

	cp := &checkpoint.Checkpoint{
		ExecutionID:    state.ExecutionID,
		Status:         status,
		CurrentNode:    state.CurrentNode,
		CompletedNodes: append([]string{}, state.History...),
		PendingNodes:   []string{},
		WorkflowState:  state.Values,
		TaskResults:    map[string]any{},
		Metadata: map[string]any{
			metaKind:       kindWorkflow,
			metaWorkflow:   w.graph.Name,
			metaLoopCounts: loops,
			metaReenter:    reenter,
			metaAnomalies:  anomalies,
		},
	}
	if state.CurrentNode != "" {
		cp.PendingNodes = []string{state.CurrentNode}
	}
	if tr, ok := state.Values[TaskResultsKey].(map[string]any); ok {
		cp.TaskResults = tr
	}
	if state.FailedNode != "" {
		cp.Metadata[metaFailedNode] = state.FailedNode
	}
	if runErr != nil {
		cp.Error = checkpoint.StringPtr(runErr.Error())
	}
	return cp
}

func restoreState(cp *checkpoint.Checkpoint) *State {
	state := NewState(cp.ExecutionID, cp.WorkflowState)
	state.History = append([]string{}, cp.CompletedNodes...)
	switch loops := cp.Metadata[metaLoopCounts].(type) {
	case map[string]any:
		for k, v := range loops {
			if n, ok := toInt(v); ok {
				state.LoopCounts[k] = n
			}
		}
	case map[string]int:
		for k, v := range loops {
			state.LoopCounts[k] = v
		}
	}
	return state
}
