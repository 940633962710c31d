package scheduler

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/taskflow/types"
)

func task(id string, deps ...string) *types.Task {
	return &types.Task{ID: id, Input: id, DependsOn: deps}
}

func batchIDs(batches []ExecutionBatch) [][]string {
	out := make([][]string, len(batches))
	for i, b := range batches {
		out[i] = b.IDs()
	}
	return out
}

func TestBatches_FanOut(t *testing.T) {
	t.Parallel()
	g, err := BuildTaskGraph([]*types.Task{task("A"), task("B", "A"), task("C", "A")})
	require.NoError(t, err)

	batches, err := g.Batches()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, batchIDs(batches))
}

func TestBatches_Diamond(t *testing.T) {
	t.Parallel()
	g, err := BuildTaskGraph([]*types.Task{
		task("D", "B", "C"), task("B", "A"), task("C", "A"), task("A"),
	})
	require.NoError(t, err)

	batches, err := g.Batches()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, batchIDs(batches))
	for i, b := range batches {
		assert.Equal(t, i, b.Index)
	}
}

func TestBatches_PriorityThenSubmissionOrder(t *testing.T) {
	t.Parallel()
	low := task("low")
	high := task("high")
	high.Priority = 10
	mid := task("mid")
	g, err := BuildTaskGraph([]*types.Task{low, mid, high})
	require.NoError(t, err)

	batches, err := g.Batches()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"high", "low", "mid"}}, batchIDs(batches))
}

func TestBatches_CycleDetected(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tasks []*types.Task
		ids   []string
	}{
		{"two-cycle", []*types.Task{task("A", "B"), task("B", "A"), task("C")}, []string{"A", "B"}},
		{"self", []*types.Task{task("A", "A")}, []string{"A"}},
		{"downstream of cycle", []*types.Task{task("X"), task("A", "X", "C"), task("B", "A"), task("C", "B"), task("D", "C")}, []string{"A", "B", "C", "D"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := BuildTaskGraph(tt.tasks)
			require.NoError(t, err)

			batches, err := g.Batches()
			assert.Nil(t, batches)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrCycleDetected))
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, tt.ids, e.IDs)
		})
	}
}

func TestBuildTaskGraph_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		tasks []*types.Task
	}{
		{"empty id", []*types.Task{task("")}},
		{"duplicate", []*types.Task{task("A"), task("A")}},
		{"unknown dependency", []*types.Task{task("A", "ghost")}},
		{"nil task", []*types.Task{nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTaskGraph(tt.tasks)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, types.ErrValidation))
		})
	}
}

func TestTopologicalOrder(t *testing.T) {
	t.Parallel()
	g, err := BuildTaskGraph([]*types.Task{task("C", "B"), task("B", "A"), task("A")})
	require.NoError(t, err)
	order, err := g.TopologicalOrder()
	require.NoError(t, err)

	ids := make([]string, len(order))
	for i, tk := range order {
		ids[i] = tk.ID
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestHasDependencies(t *testing.T) {
	t.Parallel()
	assert.False(t, HasDependencies([]*types.Task{task("A"), task("B")}))
	assert.True(t, HasDependencies([]*types.Task{task("A"), task("B", "A")}))
}

// randomDAG builds n tasks where each may depend on any earlier task.
func randomDAG(n int, seed int64) []*types.Task {
	r := rand.New(rand.NewSource(seed))
	tasks := make([]*types.Task, n)
	for i := 0; i < n; i++ {
		tk := task(fmt.Sprintf("t%d", i))
		for j := 0; j < i; j++ {
			if r.Intn(3) == 0 {
				tk.DependsOn = append(tk.DependsOn, tasks[j].ID)
			}
		}
		tasks[i] = tk
	}
	r.Shuffle(n, func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })
	return tasks
}

// Every task lands in exactly one batch, strictly after all its dependencies.
func TestProperty_BatchesRespectDependencies(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dependencies precede dependents", prop.ForAll(
		func(n int, seed int64) bool {
			tasks := randomDAG(n, seed)
			g, err := BuildTaskGraph(tasks)
			if err != nil {
				return false
			}
			batches, err := g.Batches()
			if err != nil {
				return false
			}

			level := make(map[string]int)
			for _, b := range batches {
				for _, tk := range b.Tasks {
					if _, dup := level[tk.ID]; dup {
						return false
					}
					level[tk.ID] = b.Index
				}
			}
			if len(level) != n {
				return false
			}
			for _, tk := range tasks {
				for _, dep := range tk.DependsOn {
					if level[dep] >= level[tk.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(1, 30),
		gen.Int64(),
	))

	properties.Property("closing a chain into a cycle never yields batches", prop.ForAll(
		func(n int) bool {
			tasks := make([]*types.Task, n)
			for i := range tasks {
				tasks[i] = task(fmt.Sprintf("t%d", i))
				if i > 0 {
					tasks[i].DependsOn = []string{tasks[i-1].ID}
				}
			}
			tasks[0].DependsOn = []string{tasks[n-1].ID}

			g, err := BuildTaskGraph(tasks)
			if err != nil {
				return false
			}
			batches, err := g.Batches()
			return batches == nil && types.IsCode(err, types.ErrCycleDetected)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
