package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrTaskExecution, "worker failed").
		WithCause(root).
		WithTask("task_a").
		WithRetryable(true)

	assert.Equal(t, ErrTaskExecution, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, "[TASK_EXECUTION_FAILED] worker failed: root", err.Error())
	assert.Equal(t, "task_a", err.TaskID)
}

func TestError_IsCodeThroughWrapping(t *testing.T) {
	t.Parallel()

	cycle := Errorf(ErrCycleDetected, "dependency cycle").WithIDs("a", "b")
	wrapped := fmt.Errorf("build graph: %w", cycle)

	assert.True(t, IsCode(wrapped, ErrCycleDetected))
	assert.False(t, IsCode(wrapped, ErrValidation))
	assert.Contains(t, wrapped.Error(), "[a b]")

	e, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, e.IDs)
}

func TestError_PlainErrors(t *testing.T) {
	t.Parallel()

	plain := errors.New("boom")
	assert.Equal(t, ErrorCode(""), GetErrorCode(plain))
	assert.False(t, IsRetryable(plain))
	assert.False(t, IsCode(nil, ErrTimeout))
}
