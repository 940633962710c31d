package scheduler

import (
	"sort"

	"github.com/BaSui01/taskflow/types"
)

// ExecutionBatch is a set of tasks whose dependencies are all satisfied by
// earlier batches.
type ExecutionBatch struct {
	Index int
	Tasks []*types.Task
}

// IDs returns the task ids of the batch in execution order.
func (b ExecutionBatch) IDs() []string {
	ids := make([]string, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.ID
	}
	return ids
}

// TaskGraph is the dependency DAG of a task list.
type TaskGraph struct {
	tasks      map[string]*types.Task
	order      map[string]int      // submission position
	successors map[string][]string // id -> ids that depend on it
	inDegree   map[string]int
	ids        []string
}

// BuildTaskGraph validates the task list and builds its dependency graph.
// Empty ids, duplicate ids and references to unknown tasks are rejected.
// Cycles are not detected here; Batches reports them.
func BuildTaskGraph(tasks []*types.Task) (*TaskGraph, error) {
	g := &TaskGraph{
		tasks:      make(map[string]*types.Task, len(tasks)),
		order:      make(map[string]int, len(tasks)),
		successors: make(map[string][]string, len(tasks)),
		inDegree:   make(map[string]int, len(tasks)),
		ids:        make([]string, 0, len(tasks)),
	}

	for i, t := range tasks {
		if t == nil {
			return nil, types.Errorf(types.ErrValidation, "task at position %d is nil", i)
		}
		if t.ID == "" {
			return nil, types.Errorf(types.ErrValidation, "task at position %d has empty id", i)
		}
		if _, dup := g.tasks[t.ID]; dup {
			return nil, types.Errorf(types.ErrValidation, "duplicate task id %q", t.ID).WithIDs(t.ID)
		}
		g.tasks[t.ID] = t
		g.order[t.ID] = i
		g.inDegree[t.ID] = 0
		g.ids = append(g.ids, t.ID)
	}

	for _, id := range g.ids {
		seen := make(map[string]bool)
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, types.Errorf(types.ErrValidation, "task %q depends on unknown task %q", id, dep).
					WithTask(id).WithIDs(dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.successors[dep] = append(g.successors[dep], id)
			g.inDegree[id]++
		}
	}
	return g, nil
}

// Len returns the number of tasks.
func (g *TaskGraph) Len() int { return len(g.ids) }

// Task returns a task by id.
func (g *TaskGraph) Task(id string) (*types.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Batches groups tasks into dependency levels using Kahn's algorithm.
// Within a batch tasks are ordered by descending priority, then submission
// order. A cycle yields CYCLE_DETECTED listing every unresolved id and no
// batches.
func (g *TaskGraph) Batches() ([]ExecutionBatch, error) {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		inDegree[id] = d
	}

	var ready []string
	for _, id := range g.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var batches []ExecutionBatch
	resolved := 0
	for len(ready) > 0 {
		g.sortBatch(ready)
		batch := ExecutionBatch{Index: len(batches), Tasks: make([]*types.Task, len(ready))}
		var next []string
		for i, id := range ready {
			batch.Tasks[i] = g.tasks[id]
			for _, succ := range g.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		resolved += len(ready)
		batches = append(batches, batch)
		ready = next
	}

	if resolved != len(g.ids) {
		var stuck []string
		for _, id := range g.ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, types.Errorf(types.ErrCycleDetected, "dependency cycle among %d tasks", len(stuck)).
			WithIDs(stuck...)
	}
	return batches, nil
}

func (g *TaskGraph) sortBatch(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		pi, pj := g.tasks[ids[i]].Priority, g.tasks[ids[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return g.order[ids[i]] < g.order[ids[j]]
	})
}

// TopologicalOrder flattens Batches into one dependency-respecting sequence.
func (g *TaskGraph) TopologicalOrder() ([]*types.Task, error) {
	batches, err := g.Batches()
	if err != nil {
		return nil, err
	}
	order := make([]*types.Task, 0, len(g.ids))
	for _, b := range batches {
		order = append(order, b.Tasks...)
	}
	return order, nil
}

// HasDependencies reports whether any task declares a dependency.
func HasDependencies(tasks []*types.Task) bool {
	for _, t := range tasks {
		if t != nil && len(t.DependsOn) > 0 {
			return true
		}
	}
	return false
}
