package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/types"
)

func increment(key string) Handler {
	return func(ctx context.Context, s *State) (Update, error) {
		return Update{key: s.GetInt(key) + 1}, nil
	}
}

func set(key string, v any) Handler {
	return func(ctx context.Context, s *State) (Update, error) {
		return Update{key: v}, nil
	}
}

func countVisits(h []string, id string) int {
	n := 0
	for _, v := range h {
		if v == id {
			n++
		}
	}
	return n
}

func loopGraph(t testing.TB, limit int) *Graph {
	g, err := NewBuilder("loop").
		Start("start").
		Task("body", increment("count")).
		Condition("check", nil).
		End("end").
		Edge("start", "body").
		Edge("body", "check").
		LoopBack("check", "body", func(s *State) bool { return s.GetInt("count") < limit }).
		ConditionalEdge("check", "end", func(s *State) bool { return s.GetInt("count") >= limit }).
		Build()
	require.NoError(t, err)
	return g
}

func newManager() *checkpoint.Manager {
	return checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.ManagerConfig{}, zap.NewNop())
}

func TestEngine_LoopRunsBodyExactlyFiveTimes(t *testing.T) {
	t.Parallel()
	engine := NewEngine(Config{}, zap.NewNop())
	state, err := engine.Execute(context.Background(), loopGraph(t, 5), Options{InitialState: map[string]any{"count": 0}})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 5, state.GetInt("count"))
	assert.Equal(t, 5, countVisits(state.History, "body"))
	assert.Equal(t, 4, state.LoopCounts["check->body"])
	assert.Equal(t, "end", state.History[len(state.History)-1])
}

func TestProperty_LoopVisitsBodyLimitTimes(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("body runs exactly limit times", prop.ForAll(
		func(limit int) bool {
			engine := NewEngine(Config{}, nil)
			state, err := engine.Execute(context.Background(), loopGraph(t, limit), Options{})
			return err == nil && countVisits(state.History, "body") == limit
		},
		gen.IntRange(1, 50),
	))
	properties.TestingRun(t)
}

func TestEngine_LoopCeiling(t *testing.T) {
	t.Parallel()
	g, err := NewBuilder("runaway").
		Start("start").
		Task("body", increment("count")).
		End("end").
		Edge("start", "body").
		LoopBack("body", "body", nil).
		ConditionalEdge("body", "end", func(s *State) bool { return false }).
		Build()
	require.NoError(t, err)

	engine := NewEngine(Config{MaxLoopIterations: 50}, nil)
	state, err := engine.Execute(context.Background(), g, Options{MaxLoopIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, 4, state.GetInt("count"))
	assert.Equal(t, StatusDeadEnd, state.Status)
	assert.Contains(t, state.Anomalies, "loop ceiling 3 reached on edge body->body")
}

func TestEngine_ConditionalRouting(t *testing.T) {
	t.Parallel()
	for _, flag := range []bool{true, false} {
		g, err := NewBuilder("route").
			Start("start").
			Condition("decide", nil).
			Task("yes", set("branch", "yes")).
			Task("no", set("branch", "no")).
			End("end").
			Edge("start", "decide").
			ConditionalEdge("decide", "yes", func(s *State) bool { return s.GetBool("flag") }).
			ConditionalEdge("decide", "no", func(s *State) bool { return !s.GetBool("flag") }).
			Edge("yes", "end").
			Edge("no", "end").
			Build()
		require.NoError(t, err)

		state, err := NewEngine(Config{}, nil).Execute(context.Background(), g, Options{InitialState: map[string]any{"flag": flag}})
		require.NoError(t, err)
		want := "no"
		if flag {
			want = "yes"
		}
		assert.Equal(t, want, state.GetString("branch"))
		assert.False(t, state.Visited(map[string]string{"yes": "no", "no": "yes"}[want]))
	}
}

func forkGraph(t testing.TB, b *Builder) *Graph {
	g, err := b.
		Start("start").
		Parallel("split").
		Task("a", func(ctx context.Context, s *State) (Update, error) {
			return Update{"a": 1, "shared": "a", "items": "x", "saw_b": s.Values["b"] != nil}, nil
		}).
		Task("b", func(ctx context.Context, s *State) (Update, error) {
			return Update{"b": 2, "shared": "b", "items": "y", "saw_a": s.Values["a"] != nil}, nil
		}).
		Parallel("join").
		Task("after", increment("after")).
		End("end").
		Edge("start", "split").
		Edge("split", "a").
		Edge("split", "b").
		Edge("a", "join").
		Edge("b", "join").
		Edge("join", "after").
		Edge("after", "end").
		Build()
	require.NoError(t, err)
	return g
}

func TestEngine_ForkJoinMergesInEdgeOrder(t *testing.T) {
	t.Parallel()
	g := forkGraph(t, NewBuilder("fork").Reducer("items", AppendReducer()))

	state, err := NewEngine(Config{}, nil).Execute(context.Background(), g, Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 1, state.GetInt("a"))
	assert.Equal(t, 2, state.GetInt("b"))
	assert.Equal(t, "b", state.GetString("shared"), "last write wins in edge order")
	assert.Equal(t, []any{"x", "y"}, state.Values["items"])
	assert.False(t, state.GetBool("saw_a"), "branches must not see each other's writes")
	assert.False(t, state.GetBool("saw_b"))

	assert.Equal(t, 1, countVisits(state.History, "join"))
	assert.Equal(t, 1, state.GetInt("after"))
	assert.Equal(t, []string{"start", "split", "a", "b", "join", "after", "end"}, state.History)
}

func TestEngine_DeadEndIsAnomalyNotError(t *testing.T) {
	t.Parallel()
	g, err := NewBuilder("dead").
		Start("start").
		Task("stuck", set("x", 1)).
		End("end").
		Edge("start", "stuck").
		ConditionalEdge("stuck", "end", func(s *State) bool { return s.GetInt("x") > 5 }).
		Build()
	require.NoError(t, err)

	state, err := NewEngine(Config{}, nil).Execute(context.Background(), g, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusDeadEnd, state.Status)
	assert.Contains(t, state.Anomalies, "dead end at node stuck: no qualifying outgoing edge")
}

func TestEngine_NoStartNode(t *testing.T) {
	t.Parallel()
	g := NewGraph("empty")
	require.NoError(t, g.AddNode(&Node{ID: "x", Kind: NodeTask}))
	_, err := NewEngine(Config{}, nil).Execute(context.Background(), g, Options{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

// flakyGraph fails at "second" while broken is set.
func flakyGraph(t testing.TB, firstRuns, secondRuns *atomic.Int32, broken *atomic.Bool) *Graph {
	g, err := NewBuilder("flaky").
		Start("start").
		Task("first", func(ctx context.Context, s *State) (Update, error) {
			firstRuns.Add(1)
			return Update{"first": "done"}, nil
		}).
		Task("second", func(ctx context.Context, s *State) (Update, error) {
			secondRuns.Add(1)
			if broken.Load() {
				return nil, errors.New("upstream unavailable")
			}
			return Update{"second": s.GetString("first") + "+second"}, nil
		}).
		End("end").
		Edge("start", "first").
		Edge("first", "second").
		Edge("second", "end").
		Build()
	require.NoError(t, err)
	return g
}

func TestEngine_NodeFailureWritesFailedCheckpoint(t *testing.T) {
	t.Parallel()
	var first, second atomic.Int32
	var broken atomic.Bool
	broken.Store(true)
	mgr := newManager()
	engine := NewEngine(Config{}, zap.NewNop(), WithCheckpoints(mgr))
	g := flakyGraph(t, &first, &second, &broken)

	state, err := engine.Execute(context.Background(), g, Options{ExecutionID: "exec-fail"})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrWorkflowNode))
	require.NotNil(t, state)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, "second", state.FailedNode)
	assert.Equal(t, "upstream unavailable", state.Error)

	cp, err := mgr.LoadLatest(context.Background(), "exec-fail")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusFailed, cp.Status)
	assert.Equal(t, "second", cp.CurrentNode)
	assert.Equal(t, []string{"start", "first"}, cp.CompletedNodes)
	assert.Equal(t, "second", cp.Metadata["failed_node"])
	require.NotNil(t, cp.Error)

	ok, err := mgr.CanResume(context.Background(), "exec-fail")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_ResumeReentersAtSecondNode(t *testing.T) {
	t.Parallel()
	var first, second atomic.Int32
	var broken atomic.Bool
	broken.Store(true)
	engine := NewEngine(Config{}, zap.NewNop(), WithCheckpoints(newManager()))
	g := flakyGraph(t, &first, &second, &broken)
	ctx := context.Background()

	_, err := engine.Execute(ctx, g, Options{ExecutionID: "exec-resume"})
	require.Error(t, err)

	broken.Store(false)
	state, err := engine.Resume(ctx, g, "exec-resume", Options{})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int32(1), first.Load(), "first node must not run again")
	assert.Equal(t, int32(2), second.Load())
	assert.Equal(t, "done+second", state.GetString("second"))
	assert.Equal(t, []string{"start", "first", "second", "end"}, state.History)

	_, err = engine.Resume(ctx, g, "exec-resume", Options{})
	assert.True(t, types.IsCode(err, types.ErrValidation), "completed runs cannot resume")
}

func TestEngine_ResumeRestoresLoopCounters(t *testing.T) {
	t.Parallel()
	var broken atomic.Bool
	broken.Store(true)
	g, err := NewBuilder("loop-fail").
		Start("start").
		Task("body", increment("count")).
		Task("check", func(ctx context.Context, s *State) (Update, error) {
			if s.GetInt("count") == 3 && broken.Load() {
				return nil, errors.New("flaky check")
			}
			return nil, nil
		}).
		End("end").
		Edge("start", "body").
		Edge("body", "check").
		LoopBack("check", "body", func(s *State) bool { return s.GetInt("count") < 5 }).
		ConditionalEdge("check", "end", func(s *State) bool { return s.GetInt("count") >= 5 }).
		Build()
	require.NoError(t, err)

	engine := NewEngine(Config{}, nil, WithCheckpoints(newManager()))
	ctx := context.Background()
	_, err = engine.Execute(ctx, g, Options{ExecutionID: "loop"})
	require.Error(t, err)

	broken.Store(false)
	state, err := engine.Resume(ctx, g, "loop", Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, state.GetInt("count"))
	assert.Equal(t, 5, countVisits(state.History, "body"))
	assert.Equal(t, 4, state.LoopCounts["check->body"])
}

func TestEngine_TimeoutWritesPausedCheckpoint(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	g, err := NewBuilder("slow").
		Start("start").
		Task("slow", func(ctx context.Context, s *State) (Update, error) {
			<-release // ignores ctx on purpose
			return nil, nil
		}).
		End("end").
		Edge("start", "slow").
		Edge("slow", "end").
		Build()
	require.NoError(t, err)

	mgr := newManager()
	engine := NewEngine(Config{}, nil, WithCheckpoints(mgr))
	state, err := engine.Execute(context.Background(), g, Options{ExecutionID: "slow", Timeout: 30 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))
	assert.Equal(t, StatusPaused, state.Status)

	cp, err := mgr.LoadLatest(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusPaused, cp.Status)
	assert.Equal(t, "slow", cp.CurrentNode)

	ok, err := mgr.CanResume(context.Background(), "slow")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngine_TimedOutHandlerDoesNotShareState(t *testing.T) {
	t.Parallel()
	finished := make(chan int, 1)
	g, err := NewBuilder("straggler").
		Start("start").
		Task("seed", set("count", 1)).
		Task("slow", func(ctx context.Context, s *State) (Update, error) {
			time.Sleep(150 * time.Millisecond)
			s.Values["count"] = s.GetInt("count") + 10
			finished <- s.GetInt("count")
			return nil, nil
		}).
		End("end").
		Edge("start", "seed").
		Edge("seed", "slow").
		Edge("slow", "end").
		Build()
	require.NoError(t, err)

	engine := NewEngine(Config{}, nil, WithCheckpoints(newManager()))
	state, err := engine.Execute(context.Background(), g, Options{ExecutionID: "straggler", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTimeout))

	// the run is over while the handler is still sleeping
	state.Values["count"] = 99
	state.Status = StatusCompleted

	select {
	case got := <-finished:
		assert.Equal(t, 11, got)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}
	assert.Equal(t, 99, state.GetInt("count"))
}

func TestEngine_ProgressCheckpointsPointAtNextNode(t *testing.T) {
	t.Parallel()
	mgr := newManager()
	engine := NewEngine(Config{}, nil, WithCheckpoints(mgr))
	_, err := engine.Execute(context.Background(), loopGraph(t, 2), Options{ExecutionID: "progress"})
	require.NoError(t, err)

	running, err := mgr.List(context.Background(), checkpoint.ListOptions{ExecutionID: "progress", Status: checkpoint.StatusRunning})
	require.NoError(t, err)
	require.NotEmpty(t, running)
	oldest := running[len(running)-1]
	assert.Equal(t, "body", oldest.CurrentNode)
	assert.Equal(t, []string{"start"}, oldest.CompletedNodes)

	latest, err := mgr.LoadLatest(context.Background(), "progress")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, latest.Status)
	assert.Empty(t, latest.CurrentNode)
}

func TestEngine_BranchFailureResumesAtFanOut(t *testing.T) {
	t.Parallel()
	var broken atomic.Bool
	broken.Store(true)
	g, err := NewBuilder("fork-fail").
		Start("start").
		Parallel("split").
		Task("ok", set("ok", true)).
		Task("bad", func(ctx context.Context, s *State) (Update, error) {
			if broken.Load() {
				return nil, errors.New("branch exploded")
			}
			return Update{"bad": "fixed"}, nil
		}).
		Parallel("join").
		End("end").
		Edge("start", "split").
		Edge("split", "ok").
		Edge("split", "bad").
		Edge("ok", "join").
		Edge("bad", "join").
		Edge("join", "end").
		Build()
	require.NoError(t, err)

	mgr := newManager()
	engine := NewEngine(Config{}, nil, WithCheckpoints(mgr))
	ctx := context.Background()
	state, err := engine.Execute(ctx, g, Options{ExecutionID: "fork"})
	require.Error(t, err)
	assert.Equal(t, "bad", state.FailedNode)

	cp, err := mgr.LoadLatest(ctx, "fork")
	require.NoError(t, err)
	assert.Equal(t, "split", cp.CurrentNode)
	assert.Equal(t, "edges", cp.Metadata["reenter"])

	broken.Store(false)
	state, err = engine.Resume(ctx, g, "fork", Options{})
	require.NoError(t, err)
	assert.Equal(t, "fixed", state.GetString("bad"))
	assert.True(t, state.GetBool("ok"))
	assert.Equal(t, 1, countVisits(state.History, "split"))
}

func TestEngine_HandlerPanicFailsNode(t *testing.T) {
	t.Parallel()
	g, err := NewBuilder("panic").
		Start("start").
		Task("boom", func(ctx context.Context, s *State) (Update, error) { panic("kaboom") }).
		End("end").
		Edge("start", "boom").
		Edge("boom", "end").
		Build()
	require.NoError(t, err)

	state, err := NewEngine(Config{}, nil).Execute(context.Background(), g, Options{})
	assert.True(t, types.IsCode(err, types.ErrWorkflowNode))
	assert.Equal(t, "boom", state.FailedNode)
}

func TestEngine_RecordsHistory(t *testing.T) {
	t.Parallel()
	engine := NewEngine(Config{}, nil)
	_, err := engine.Execute(context.Background(), loopGraph(t, 3), Options{ExecutionID: "hist"})
	require.NoError(t, err)

	h, ok := engine.History().Get("hist")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, h.Status)
	assert.Equal(t, 3, h.Visits("body"))
	assert.Len(t, engine.History().ListByWorkflow("loop"), 1)
}
