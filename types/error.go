package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Orchestration error codes
const (
	// ErrValidation marks duplicate or missing ids and malformed graphs. The run never starts.
	ErrValidation ErrorCode = "VALIDATION"
	// ErrCycleDetected is raised before any task runs; IDs carries the unresolved tasks.
	ErrCycleDetected ErrorCode = "CYCLE_DETECTED"
	// ErrTaskExecution is recorded per task and never aborts siblings.
	ErrTaskExecution ErrorCode = "TASK_EXECUTION_FAILED"
	// ErrWorkflowNode aborts the whole workflow run.
	ErrWorkflowNode ErrorCode = "WORKFLOW_NODE_FAILED"
	// ErrCheckpointIO is best-effort unless durability is required.
	ErrCheckpointIO ErrorCode = "CHECKPOINT_IO"
	// ErrDependencyInjection fails only the task whose input could not be built.
	ErrDependencyInjection ErrorCode = "DEPENDENCY_INJECTION"
	// ErrTimeout aborts a run or a single task depending on its scope.
	ErrTimeout ErrorCode = "TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Code, e.Message)
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " %v", e.IDs)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTask sets the task the error belongs to.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithNode sets the workflow node the error belongs to.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithIDs attaches the offending ids (cycle members, unknown references).
func (e *Error) WithIDs(ids ...string) *Error {
	e.IDs = append(e.IDs, ids...)
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts an *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether any error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
