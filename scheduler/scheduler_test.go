package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/types"
)

// recordingWorker echoes its input and remembers call order. Inputs of the
// form "fail:<id>" fail.
type recordingWorker struct {
	name  string
	mu    sync.Mutex
	calls []string
	delay time.Duration
}

func (w *recordingWorker) Name() string { return w.name }

func (w *recordingWorker) Execute(ctx context.Context, input any) (*types.TaskResult, error) {
	s := fmt.Sprint(input)
	w.mu.Lock()
	w.calls = append(w.calls, s)
	w.mu.Unlock()
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if strings.HasPrefix(s, "fail:") {
		return &types.TaskResult{Success: false, Error: "refused " + s}, nil
	}
	return types.Succeeded("", s, map[string]any{
		"echo":  s,
		"users": []any{"alice", "bob"},
	}), nil
}

func (w *recordingWorker) Calls() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.calls...)
}

func newTestScheduler(t *testing.T, w Worker, cfg ExecutorConfig, opts ...Option) *Scheduler {
	pool := NewWorkerPool(zaptest.NewLogger(t))
	require.NoError(t, pool.Register(w, WorkerOptions{MaxConcurrent: 8}))
	exec := NewBatchExecutor(pool, nil, cfg, zap.NewNop())
	return New(exec, Config{}, zap.NewNop(), opts...)
}

func fastConfig() ExecutorConfig {
	return ExecutorConfig{MaxConcurrency: 8, RetryBackoff: time.Millisecond}
}

func TestScheduler_AutoRunsBatchesInOrder(t *testing.T) {
	t.Parallel()
	w := &recordingWorker{name: "w"}
	s := newTestScheduler(t, w, fastConfig())

	res, err := s.Run(context.Background(), []*types.Task{
		task("D", "B", "C"), task("B", "A"), task("C", "A"), task("A"),
	}, types.ModeAuto)
	require.NoError(t, err)

	assert.Equal(t, 3, res.BatchCount)
	assert.True(t, res.AllSucceeded())
	calls := w.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "A", calls[0])
	assert.ElementsMatch(t, []string{"B", "C"}, calls[1:3])
	assert.Equal(t, "D", calls[3])
}

func TestScheduler_AutoWithoutDependenciesIsParallel(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &recordingWorker{name: "w"}, fastConfig())
	res, err := s.Run(context.Background(), []*types.Task{task("A"), task("B"), task("C")}, types.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, 1, res.BatchCount)
	assert.Equal(t, 3, res.Succeeded())
}

func TestScheduler_SerialFollowsTopologicalOrder(t *testing.T) {
	t.Parallel()
	w := &recordingWorker{name: "w"}
	s := newTestScheduler(t, w, fastConfig())
	res, err := s.Run(context.Background(), []*types.Task{task("C", "B"), task("B", "A"), task("A")}, types.ModeSerial)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, w.Calls())
	assert.Equal(t, 3, res.BatchCount)
}

func TestScheduler_CycleFailsBeforeExecution(t *testing.T) {
	t.Parallel()
	w := &recordingWorker{name: "w"}
	s := newTestScheduler(t, w, fastConfig())
	_, err := s.Run(context.Background(), []*types.Task{task("A", "B"), task("B", "A")}, types.ModeAuto)
	assert.True(t, types.IsCode(err, types.ErrCycleDetected))
	assert.Empty(t, w.Calls())
}

func TestScheduler_InvalidMode(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &recordingWorker{name: "w"}, fastConfig())
	_, err := s.Run(context.Background(), []*types.Task{task("A")}, "bogus")
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestScheduler_FailureDoesNotAbortSiblings(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &recordingWorker{name: "w"}, fastConfig())
	bad := task("bad")
	bad.Input = "fail:bad"

	res, err := s.Run(context.Background(), []*types.Task{task("A"), bad, task("C"), task("D", "bad")}, types.ModeAuto)
	require.NoError(t, err)

	require.Len(t, res.Results, 4)
	assert.False(t, res.Results["bad"].Success)
	assert.Equal(t, types.OutcomeFailure, res.Results["bad"].Outcome)
	assert.Equal(t, types.ErrTaskExecution, res.Results["bad"].ErrorCode)
	assert.True(t, res.Results["A"].Success)
	assert.True(t, res.Results["C"].Success)
	// Batch advancement is gated on completion, not success.
	assert.True(t, res.Results["D"].Success)
	assert.Equal(t, []string{"bad"}, res.Failed())
}

func TestScheduler_InjectsUpstreamValues(t *testing.T) {
	t.Parallel()
	w := &recordingWorker{name: "w"}
	s := newTestScheduler(t, w, fastConfig())
	b := task("B", "A")
	b.Input = "greet"
	b.InputMapping = map[string]string{"who": "A.users[1]"}
	broken := task("X", "A")
	broken.InputMapping = map[string]string{"who": "A.users[9]"}

	res, err := s.Run(context.Background(), []*types.Task{task("A"), b, broken}, types.ModeAuto)
	require.NoError(t, err)

	require.True(t, res.Results["B"].Success)
	assert.Contains(t, res.Results["B"].Output, "greet")
	assert.Contains(t, res.Results["B"].Output, "bob")

	assert.False(t, res.Results["X"].Success)
	assert.Equal(t, types.ErrDependencyInjection, res.Results["X"].ErrorCode)
	assert.Equal(t, 0, res.Results["X"].Attempts)
}

func TestScheduler_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	flaky := NewWorkerFunc("flaky", func(ctx context.Context, input any) (*types.TaskResult, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return types.Succeeded("", "ok", nil), nil
	})
	pool := NewWorkerPool(nil, WithBreakerConfig(BreakerConfig{}))
	require.NoError(t, pool.Register(flaky, WorkerOptions{}))
	s := New(NewBatchExecutor(pool, nil, fastConfig(), nil), Config{}, nil)

	tk := task("A")
	tk.Metadata = map[string]any{types.MetaMaxRetries: 2}
	res, err := s.Run(context.Background(), []*types.Task{tk}, types.ModeSerial)
	require.NoError(t, err)
	assert.True(t, res.Results["A"].Success)
	assert.Equal(t, 3, res.Results["A"].Attempts)
	assert.Equal(t, "flaky", res.Results["A"].Worker)
}

func TestScheduler_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &recordingWorker{name: "w"}, ExecutorConfig{MaxRetries: 1, RetryBackoff: time.Millisecond})
	tk := task("A")
	tk.Input = "fail:A"
	res, err := s.Run(context.Background(), []*types.Task{tk}, types.ModeSerial)
	require.NoError(t, err)
	assert.False(t, res.Results["A"].Success)
	assert.Equal(t, 2, res.Results["A"].Attempts)
}

func blockingWorker(name string) Worker {
	return NewWorkerFunc(name, func(ctx context.Context, input any) (*types.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func TestScheduler_TaskTimeout(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, blockingWorker("slow"), fastConfig())
	tk := task("A")
	tk.Metadata = map[string]any{types.MetaTimeout: "20ms"}

	res, err := s.Run(context.Background(), []*types.Task{tk}, types.ModeParallel)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeTimeout, res.Results["A"].Outcome)
	assert.Equal(t, types.ErrTimeout, res.Results["A"].ErrorCode)
}

func TestScheduler_RunTimeoutReturnsPartialResults(t *testing.T) {
	t.Parallel()
	pool := NewWorkerPool(nil)
	require.NoError(t, pool.Register(blockingWorker("slow"), WorkerOptions{MaxConcurrent: 4}))
	s := New(NewBatchExecutor(pool, nil, fastConfig(), nil), Config{RunTimeout: 30 * time.Millisecond}, nil)

	res, err := s.Run(context.Background(), []*types.Task{task("A"), task("B", "A")}, types.ModeAuto)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	require.NotNil(t, res)
	assert.False(t, res.Results["A"].Success)
	assert.Equal(t, types.OutcomeTimeout, res.Results["A"].Outcome)
	assert.Equal(t, types.ErrTimeout, res.Results["A"].ErrorCode)
	assert.Equal(t, types.OutcomeSkipped, res.Results["B"].Outcome)
}

func TestScheduler_RunTimeoutWritesPausedCheckpoint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.ManagerConfig{}, zap.NewNop())
	w := NewWorkerFunc("w", func(ctx context.Context, input any) (*types.TaskResult, error) {
		id := fmt.Sprint(input)
		if id == "b" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return types.Succeeded("", id, nil), nil
	})
	pool := NewWorkerPool(nil)
	require.NoError(t, pool.Register(w, WorkerOptions{MaxConcurrent: 4}))
	s := New(NewBatchExecutor(pool, nil, fastConfig(), nil), Config{RunTimeout: 45 * time.Millisecond}, nil, WithCheckpoints(mgr))

	tasks := []*types.Task{task("a"), task("b", "a"), task("c", "b")}
	res, err := s.RunWithID(ctx, "chain", tasks, types.ModeAuto)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.Equal(t, types.OutcomeTimeout, res.Results["b"].Outcome)
	assert.Equal(t, types.OutcomeSkipped, res.Results["c"].Outcome)

	cp, err := mgr.LoadLatest(ctx, "chain")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)
	assert.Equal(t, []string{"a"}, cp.CompletedNodes)
	assert.Equal(t, []string{"b", "c"}, cp.PendingNodes)
	assert.Equal(t, "b", cp.CurrentNode)
}

func TestScheduler_CheckpointsAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.ManagerConfig{}, zap.NewNop())

	var failB atomic.Bool
	failB.Store(true)
	var calls sync.Map
	w := NewWorkerFunc("w", func(ctx context.Context, input any) (*types.TaskResult, error) {
		id := fmt.Sprint(input)
		n, _ := calls.LoadOrStore(id, new(atomic.Int32))
		n.(*atomic.Int32).Add(1)
		if id == "B" && failB.Load() {
			return nil, errors.New("B is broken")
		}
		return types.Succeeded("", id, map[string]any{"id": id}), nil
	})
	s := newTestScheduler(t, w, fastConfig(), WithCheckpoints(mgr))
	tasks := []*types.Task{task("A"), task("B", "A"), task("C", "B")}

	res, err := s.RunWithID(ctx, "exec-1", tasks, types.ModeAuto)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, res.Failed())

	latest, err := mgr.LoadLatest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, latest.Status)
	assert.Equal(t, "schedule", latest.Metadata["kind"])
	assert.Equal(t, []string{"A", "C"}, latest.CompletedNodes)
	assert.Equal(t, []string{"B"}, latest.PendingNodes)
	assert.Equal(t, "B", latest.CurrentNode)

	running, err := mgr.List(ctx, checkpoint.ListOptions{ExecutionID: "exec-1", Status: checkpoint.StatusRunning})
	require.NoError(t, err)
	require.NotEmpty(t, running)
	assert.Equal(t, "B", running[len(running)-1].CurrentNode)

	failB.Store(false)
	resumed, err := s.Resume(ctx, "exec-1", tasks)
	require.NoError(t, err)
	assert.True(t, resumed.AllSucceeded())
	assert.Equal(t, true, resumed.Results["A"].Metadata["restored"])

	countA, _ := calls.Load("A")
	assert.Equal(t, int32(1), countA.(*atomic.Int32).Load(), "A must not run again")

	latest, err = mgr.LoadLatest(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, latest.Status)
}

func TestScheduler_ResumeWithoutCheckpoint(t *testing.T) {
	t.Parallel()
	mgr := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.ManagerConfig{}, nil)
	s := newTestScheduler(t, &recordingWorker{name: "w"}, fastConfig(), WithCheckpoints(mgr))
	_, err := s.Resume(context.Background(), "missing", []*types.Task{task("A")})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestScheduler_Compare(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, &recordingWorker{name: "w", delay: 10 * time.Millisecond}, fastConfig())
	c, err := s.Compare(context.Background(), []*types.Task{task("A"), task("B"), task("C"), task("D")})
	require.NoError(t, err)
	assert.Greater(t, c.SerialTime, c.ParallelTime)
	assert.Greater(t, c.Speedup, 1.0)
}

func TestEncodeDecodeResults(t *testing.T) {
	t.Parallel()
	in := map[string]*types.TaskResult{
		"A": {TaskID: "A", Success: true, Outcome: types.OutcomeSuccess, Output: "out", Latency: 1500 * time.Microsecond},
	}
	out, err := DecodeResults(EncodeResults(in))
	require.NoError(t, err)
	assert.Equal(t, in["A"].Latency, out["A"].Latency)
	assert.Equal(t, "out", out["A"].Output)
}
