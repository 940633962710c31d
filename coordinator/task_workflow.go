package coordinator

import (
	"context"
	"fmt"
	"regexp"

	"github.com/BaSui01/taskflow/scheduler"
	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
)

// Strategy selects the graph shape built by CreateTaskWorkflow.
type Strategy string

const (
	// StrategySequential chains the tasks in topological order.
	StrategySequential Strategy = "sequential"
	// StrategyParallel fans out from START to every task and joins once.
	StrategyParallel Strategy = "parallel"
	// StrategyDependency runs one fan-out stage per dependency batch.
	StrategyDependency Strategy = "dependency"
)

// Reserved node ids of generated graphs.
const (
	StartNode = "__start__"
	EndNode   = "__end__"
)

var joinID = regexp.MustCompile(`^__join_[0-9]+__$`)

func joinNode(i int) string { return fmt.Sprintf("__join_%d__", i) }

// CreateTaskWorkflow turns a task list into a workflow graph whose TASK
// nodes run through the batch executor. Task results accumulate under
// workflow.TaskResultsKey, and a failed task fails its node.
func (c *Coordinator) CreateTaskWorkflow(tasks []*types.Task, strategy Strategy) (*workflow.Graph, error) {
	tg, err := scheduler.BuildTaskGraph(tasks)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ID == StartNode || t.ID == EndNode || isJoinID(t.ID) {
			return nil, types.Errorf(types.ErrValidation, "task id %q is reserved", t.ID).WithTask(t.ID)
		}
	}

	b := workflow.NewBuilder(fmt.Sprintf("tasks-%s", strategy)).
		Reducer(workflow.TaskResultsKey, workflow.MergeMapReducer()).
		Start(StartNode).
		End(EndNode)

	switch strategy {
	case StrategySequential:
		order, err := tg.TopologicalOrder()
		if err != nil {
			return nil, err
		}
		prev := StartNode
		for _, t := range order {
			b.Task(t.ID, c.TaskHandler(t)).Edge(prev, t.ID)
			prev = t.ID
		}
		b.Edge(prev, EndNode)

	case StrategyParallel:
		if len(tasks) == 0 {
			b.Edge(StartNode, EndNode)
			break
		}
		join := joinNode(0)
		b.Parallel(join)
		for _, t := range tasks {
			b.Task(t.ID, c.TaskHandler(t)).Edge(StartNode, t.ID).Edge(t.ID, join)
		}
		b.Edge(join, EndNode)

	case StrategyDependency:
		batches, err := tg.Batches()
		if err != nil {
			return nil, err
		}
		prev := StartNode
		for _, batch := range batches {
			if len(batch.Tasks) == 1 {
				t := batch.Tasks[0]
				b.Task(t.ID, c.TaskHandler(t)).Edge(prev, t.ID)
				prev = t.ID
				continue
			}
			join := joinNode(batch.Index)
			b.Parallel(join)
			for _, t := range batch.Tasks {
				b.Task(t.ID, c.TaskHandler(t)).Edge(prev, t.ID).Edge(t.ID, join)
			}
			prev = join
		}
		b.Edge(prev, EndNode)

	default:
		return nil, types.Errorf(types.ErrValidation, "unknown workflow strategy %q", strategy)
	}
	return b.Build()
}

func isJoinID(id string) bool { return joinID.MatchString(id) }

// TaskHandler returns a workflow handler that runs task through the batch
// executor. Upstream results are read from the state's task results.
func (c *Coordinator) TaskHandler(task *types.Task) workflow.Handler {
	return func(ctx context.Context, s *workflow.State) (workflow.Update, error) {
		upstream, err := TaskResults(s)
		if err != nil {
			return nil, types.NewError(types.ErrDependencyInjection, "corrupt task results in workflow state").
				WithTask(task.ID).WithCause(err)
		}
		res := c.executor.ExecuteTask(ctx, task, upstream)
		if !res.Success {
			code := res.ErrorCode
			if code == "" {
				code = types.ErrTaskExecution
			}
			return nil, types.Errorf(code, "task %s failed: %s", task.ID, res.Error).WithTask(task.ID)
		}
		encoded := scheduler.EncodeResults(map[string]*types.TaskResult{task.ID: res})
		return workflow.Update{workflow.TaskResultsKey: encoded}, nil
	}
}

// TaskResults decodes the task results accumulated in a workflow state.
func TaskResults(s *workflow.State) (map[string]*types.TaskResult, error) {
	raw, ok := s.Values[workflow.TaskResultsKey].(map[string]any)
	if !ok {
		return map[string]*types.TaskResult{}, nil
	}
	return scheduler.DecodeResults(raw)
}
