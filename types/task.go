package types

import (
	"strconv"
	"time"
)

// ExecutionMode selects how the scheduler runs a task list.
type ExecutionMode string

const (
	// ModeParallel ignores dependencies and runs every task concurrently.
	ModeParallel ExecutionMode = "parallel"
	// ModeSerial runs one task at a time in dependency order.
	ModeSerial ExecutionMode = "serial"
	// ModeAuto picks parallel for independent tasks, otherwise hybrid batches.
	ModeAuto ExecutionMode = "auto"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ModeParallel, ModeSerial, ModeAuto:
		return true
	}
	return false
}

// Well-known Task.Metadata keys.
const (
	// MetaWorker names the preferred worker for a task.
	MetaWorker = "worker"
	// MetaTimeout is a task-scoped timeout as a duration string ("30s").
	MetaTimeout = "timeout"
	// MetaMaxRetries overrides the retry budget for a task.
	MetaMaxRetries = "max_retries"
)

// Task is a unit of work submitted to a run. It is immutable once submitted.
type Task struct {
	ID        string         `json:"id" yaml:"id"`
	Input     any            `json:"input,omitempty" yaml:"input,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Priority  int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	// InputMapping maps a parameter name to a path expression ("task_a.users[0]")
	// resolved against upstream results before the task runs.
	InputMapping map[string]string `json:"input_mapping,omitempty" yaml:"input_mapping,omitempty"`
}

// MetaString returns a string metadata value.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	if s, ok := t.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// Timeout returns the task-scoped timeout, zero when unset or malformed.
func (t *Task) Timeout() time.Duration {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[MetaTimeout].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0
		}
		return d
	case time.Duration:
		return v
	}
	return 0
}

// MaxRetries returns the per-task retry budget and whether it was set.
func (t *Task) MaxRetries() (int, bool) {
	if t.Metadata == nil {
		return 0, false
	}
	switch v := t.Metadata[MetaMaxRetries].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// Outcome is the tagged result of running a task.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
	// OutcomeSkipped marks tasks carried over from a checkpoint without running.
	OutcomeSkipped Outcome = "skipped"
)

// TaskResult is produced exactly once per task.
type TaskResult struct {
	TaskID     string         `json:"task_id"`
	Success    bool           `json:"success"`
	Outcome    Outcome        `json:"outcome"`
	Output     any            `json:"output,omitempty"`
	ParsedData map[string]any `json:"parsed_data,omitempty"`
	Latency    time.Duration  `json:"latency"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  ErrorCode      `json:"error_code,omitempty"`
	Worker     string         `json:"worker,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Succeeded is the success constructor used by workers.
func Succeeded(taskID string, output any, parsed map[string]any) *TaskResult {
	return &TaskResult{
		TaskID:     taskID,
		Success:    true,
		Outcome:    OutcomeSuccess,
		Output:     output,
		ParsedData: parsed,
	}
}

// Failed builds a failed result from err. Timeouts are tagged separately.
func Failed(taskID string, err error) *TaskResult {
	r := &TaskResult{TaskID: taskID, Outcome: OutcomeFailure}
	if err != nil {
		r.Error = err.Error()
		r.ErrorCode = GetErrorCode(err)
		if r.ErrorCode == ErrTimeout {
			r.Outcome = OutcomeTimeout
		}
	}
	return r
}

// ExecutionResult aggregates all task results of one run.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Mode        ExecutionMode          `json:"mode"`
	Results     map[string]*TaskResult `json:"results"`
	// Order lists task ids in completion-batch order.
	Order      []string      `json:"order"`
	TotalTime  time.Duration `json:"total_time"`
	BatchCount int           `json:"batch_count"`
}

// NewExecutionResult creates an empty aggregate.
func NewExecutionResult(executionID string, mode ExecutionMode) *ExecutionResult {
	return &ExecutionResult{
		ExecutionID: executionID,
		Mode:        mode,
		Results:     make(map[string]*TaskResult),
	}
}

// Add records a result once; later results for the same id are ignored.
func (r *ExecutionResult) Add(res *TaskResult) {
	if res == nil {
		return
	}
	if _, exists := r.Results[res.TaskID]; exists {
		return
	}
	r.Results[res.TaskID] = res
	r.Order = append(r.Order, res.TaskID)
}

// Succeeded returns the number of successful results.
func (r *ExecutionResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// Failed returns the ids of tasks that did not succeed, in Order.
func (r *ExecutionResult) Failed() []string {
	var ids []string
	for _, id := range r.Order {
		if res := r.Results[id]; res != nil && !res.Success {
			ids = append(ids, id)
		}
	}
	return ids
}

// AllSucceeded reports whether every recorded task succeeded.
func (r *ExecutionResult) AllSucceeded() bool {
	return len(r.Failed()) == 0
}
