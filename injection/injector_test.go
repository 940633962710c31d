package injection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/taskflow/types"
)

func upstreamA() map[string]*types.TaskResult {
	return map[string]*types.TaskResult{
		"task_a": types.Succeeded("task_a", "found 2 users", map[string]any{
			"users": []any{"alice", "bob"},
			"count": 2,
			"meta":  map[string]any{"source": "ldap", "tags": []string{"x", "y"}},
		}),
	}
}

func TestExtract_Examples(t *testing.T) {
	inj := NewInjector(zap.NewNop())
	up := upstreamA()

	extract := func(expr string) (any, error) {
		p, err := Parse(expr)
		require.NoError(t, err)
		return inj.Extract(p, up)
	}

	v, err := extract("task_a.users[0]")
	require.NoError(t, err)
	assert.Equal(t, "alice", v)

	v, err = extract("task_a.count")
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v, err = extract("task_a.users[*]")
	require.NoError(t, err)
	assert.Equal(t, []any{"alice", "bob"}, v)

	v, err = extract("task_a.meta.tags[1]")
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	_, err = extract("task_a.users[5]")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDependencyInjection))
	assert.Contains(t, err.Error(), "out of bounds")

	_, err = extract("task_a.count[0]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an array")

	_, err = extract("task_a.missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestExtract_UpstreamProblems(t *testing.T) {
	inj := NewInjector(nil)
	p, err := Parse("task_b.value")
	require.NoError(t, err)

	_, err = inj.Extract(p, map[string]*types.TaskResult{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no result")

	failed := map[string]*types.TaskResult{"task_b": types.Failed("task_b", fmt.Errorf("boom"))}
	_, err = inj.Extract(p, failed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not succeed")

	unstructured := map[string]*types.TaskResult{"task_b": types.Succeeded("task_b", "plain text", nil)}
	_, err = inj.Extract(p, unstructured)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no structured data")
}

func TestInject_AugmentsWithoutMutating(t *testing.T) {
	inj := NewInjector(zap.NewNop())
	task := &types.Task{
		ID:        "task_b",
		Input:     "Greet the first user.",
		DependsOn: []string{"task_a"},
		InputMapping: map[string]string{
			"first": "task_a.users[0]",
			"total": "task_a.count",
		},
	}

	in, err := inj.Inject(task, upstreamA())
	require.NoError(t, err)

	assert.Equal(t, "Greet the first user.", task.Input)
	assert.Equal(t, "Greet the first user.", in.Input)
	assert.Equal(t, map[string]any{"first": "alice", "total": 2}, in.Context.Values)
	assert.Contains(t, in.Context.Summary, "- task_a (success): found 2 users")

	text, ok := in.Render().(string)
	require.True(t, ok)
	assert.Contains(t, text, "Greet the first user.\n\n## Context\n")
	assert.Contains(t, text, "first: alice")
	assert.Contains(t, text, "total: 2")
	assert.Contains(t, text, "## Upstream results")
}

func TestInject_MapInputGetsContextKey(t *testing.T) {
	inj := NewInjector(nil)
	original := map[string]any{"query": "q"}
	task := &types.Task{
		ID:           "task_b",
		Input:        original,
		InputMapping: map[string]string{"users": "task_a.users[*]"},
	}

	in, err := inj.Inject(task, upstreamA())
	require.NoError(t, err)

	rendered, ok := in.Render().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "q", rendered["query"])
	assert.Contains(t, rendered, ContextKey)
	assert.NotContains(t, original, ContextKey)
}

func TestInject_FailureNamesTask(t *testing.T) {
	inj := NewInjector(nil)
	task := &types.Task{ID: "task_b", InputMapping: map[string]string{"x": "task_a.users[9]"}}

	_, err := inj.Inject(task, upstreamA())
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrDependencyInjection, e.Code)
	assert.Equal(t, "task_b", e.TaskID)
}

func TestSummarize_Truncates(t *testing.T) {
	inj := NewInjector(nil, WithSummaryLength(5))
	up := map[string]*types.TaskResult{
		"a": types.Succeeded("a", "abcdefghij", nil),
		"b": types.Failed("b", fmt.Errorf("exploded")),
	}
	s := inj.Summarize(nil, up)
	assert.Equal(t, "- a (success): abcde...\n- b (failure): explo...\n", s)
}

func TestExtract_IndexProperty(t *testing.T) {
	inj := NewInjector(nil)
	rapid.Check(t, func(t *rapid.T) {
		items := rapid.SliceOf(rapid.String()).Draw(t, "items")
		idx := rapid.IntRange(0, 20).Draw(t, "idx")

		arr := make([]any, len(items))
		for i, s := range items {
			arr[i] = s
		}
		up := map[string]*types.TaskResult{"src": types.Succeeded("src", nil, map[string]any{"items": arr})}
		p, err := Parse(fmt.Sprintf("src.items[%d]", idx))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}

		v, err := inj.Extract(p, up)
		if idx < len(items) {
			if err != nil || v != items[idx] {
				t.Fatalf("idx %d: got %v, %v", idx, v, err)
			}
		} else if err == nil {
			t.Fatalf("idx %d beyond len %d should fail", idx, len(items))
		}
	})
}
