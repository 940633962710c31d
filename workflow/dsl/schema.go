package dsl

import (
	"time"

	"github.com/BaSui01/taskflow/types"
)

// Definition is a workflow described in YAML.
type Definition struct {
	Version     string `yaml:"version" json:"version"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// MaxLoopIterations overrides the engine's loop ceiling when > 0.
	MaxLoopIterations int `yaml:"max_loop_iterations,omitempty" json:"max_loop_iterations,omitempty"`

	// Variables seed the initial workflow state.
	Variables map[string]VariableDef `yaml:"variables,omitempty" json:"variables,omitempty"`
	// Reducers names the merge function per state key:
	// last, append, merge, sum or max.
	Reducers map[string]string `yaml:"reducers,omitempty" json:"reducers,omitempty"`

	Nodes []NodeDef `yaml:"nodes" json:"nodes"`
	Edges []EdgeDef `yaml:"edges" json:"edges"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// VariableDef declares one initial state key.
type VariableDef struct {
	Type        string `yaml:"type,omitempty" json:"type,omitempty"` // string, int, float, bool, list, map
	Default     any    `yaml:"default,omitempty" json:"default,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty" json:"required,omitempty"`
}

// NodeDef declares a node. TASK nodes carry a Task; any node may carry Set,
// a map of state key to expression evaluated against the current state.
type NodeDef struct {
	ID          string         `yaml:"id" json:"id"`
	Kind        string         `yaml:"kind" json:"kind"` // start, end, task, condition, parallel, loop
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Task        *TaskDef       `yaml:"task,omitempty" json:"task,omitempty"`
	Set         map[string]any `yaml:"set,omitempty" json:"set,omitempty"`
	Metadata    map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// EdgeDef declares an edge. Condition is an expression over the state and
// is required for conditional edges; on loop_back edges it is optional.
type EdgeDef struct {
	From      string `yaml:"from" json:"from"`
	To        string `yaml:"to" json:"to"`
	Kind      string `yaml:"kind,omitempty" json:"kind,omitempty"` // normal (default), conditional, loop_back
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Label     string `yaml:"label,omitempty" json:"label,omitempty"`
}

// TaskDef is a task as written in YAML: the task fields plus shorthands for
// the well-known metadata keys.
type TaskDef struct {
	types.Task `yaml:",inline"`

	Worker     string `yaml:"worker,omitempty" json:"worker,omitempty"`
	Timeout    string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries *int   `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
}

// ToTask returns the task with shorthands folded into Metadata. id is used
// when the definition leaves the task id empty.
func (d *TaskDef) ToTask(id string) *types.Task {
	t := d.Task
	if t.ID == "" {
		t.ID = id
	}
	meta := make(map[string]any, len(d.Metadata)+3)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	if d.Worker != "" {
		meta[types.MetaWorker] = d.Worker
	}
	if d.Timeout != "" {
		meta[types.MetaTimeout] = d.Timeout
	}
	if d.MaxRetries != nil {
		meta[types.MetaMaxRetries] = *d.MaxRetries
	}
	if len(meta) > 0 {
		t.Metadata = meta
	}
	t.DependsOn = append([]string(nil), d.DependsOn...)
	return &t
}

// TaskFile is a scheduler run described in YAML.
type TaskFile struct {
	Version string    `yaml:"version" json:"version"`
	Mode    string    `yaml:"mode,omitempty" json:"mode,omitempty"` // auto (default), parallel, serial
	Timeout string    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Tasks   []TaskDef `yaml:"tasks" json:"tasks"`
}

// ExecutionMode returns the file's mode, auto when unset.
func (f *TaskFile) ExecutionMode() types.ExecutionMode {
	if f.Mode == "" {
		return types.ModeAuto
	}
	return types.ExecutionMode(f.Mode)
}

// RunTimeout returns the parsed run timeout, zero when unset.
func (f *TaskFile) RunTimeout() time.Duration {
	d, _ := time.ParseDuration(f.Timeout)
	return d
}

// ToTasks converts every task definition.
func (f *TaskFile) ToTasks() []*types.Task {
	tasks := make([]*types.Task, len(f.Tasks))
	for i := range f.Tasks {
		tasks[i] = f.Tasks[i].ToTask("")
	}
	return tasks
}
