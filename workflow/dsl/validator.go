package dsl

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
)

var reducerNames = map[string]bool{"last": true, "append": true, "merge": true, "sum": true, "max": true}

var variableTypes = map[string]bool{"": true, "string": true, "int": true, "float": true, "bool": true, "list": true, "map": true}

// Validator checks definitions before they are compiled.
type Validator struct{}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns every problem found in a workflow definition.
func (v *Validator) Validate(def *Definition) []error {
	var errs []error

	if def.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if def.Name == "" {
		errs = append(errs, fmt.Errorf("name is required"))
	}
	if def.MaxLoopIterations < 0 {
		errs = append(errs, fmt.Errorf("max_loop_iterations must not be negative"))
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, fmt.Errorf("nodes must have at least one node"))
	}

	for name, vd := range def.Variables {
		if !variableTypes[vd.Type] {
			errs = append(errs, fmt.Errorf("variable %s: invalid type %q", name, vd.Type))
		}
	}
	for key, name := range def.Reducers {
		if !reducerNames[name] {
			errs = append(errs, fmt.Errorf("reducer for %s: unknown reducer %q", key, name))
		}
	}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	starts := 0
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			errs = append(errs, fmt.Errorf("node %d: id is required", i))
			continue
		}
		if nodeIDs[node.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id: %s", node.ID))
		}
		nodeIDs[node.ID] = true
		if workflow.NodeKind(node.Kind) == workflow.NodeStart {
			starts++
		}
		errs = append(errs, v.validateNode(node)...)
	}
	if len(def.Nodes) > 0 && starts == 0 {
		errs = append(errs, fmt.Errorf("a start node is required"))
	}

	for _, edge := range def.Edges {
		errs = append(errs, v.validateEdge(&edge, nodeIDs)...)
	}
	return errs
}

func (v *Validator) validateNode(node *NodeDef) []error {
	var errs []error
	kind := workflow.NodeKind(node.Kind)
	if !kind.Valid() {
		errs = append(errs, fmt.Errorf("node %s: invalid kind %q", node.ID, node.Kind))
	}
	if node.Task != nil {
		if kind != workflow.NodeTask {
			errs = append(errs, fmt.Errorf("node %s: only task nodes may define a task", node.ID))
		}
		if err := validateTaskDef(node.Task); err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", node.ID, err))
		}
	}
	for key, value := range node.Set {
		if s, ok := value.(string); ok {
			if _, err := Compile(s); err != nil {
				errs = append(errs, fmt.Errorf("node %s: set %s: %w", node.ID, key, err))
			}
		}
	}
	return errs
}

func (v *Validator) validateEdge(edge *EdgeDef, nodeIDs map[string]bool) []error {
	var errs []error
	name := edge.From + "->" + edge.To
	if !nodeIDs[edge.From] {
		errs = append(errs, fmt.Errorf("edge %s: source node %q does not exist", name, edge.From))
	}
	if !nodeIDs[edge.To] {
		errs = append(errs, fmt.Errorf("edge %s: target node %q does not exist", name, edge.To))
	}
	switch workflow.EdgeKind(edge.Kind) {
	case "", workflow.EdgeNormal:
		if edge.Condition != "" {
			errs = append(errs, fmt.Errorf("edge %s: normal edges cannot have a condition", name))
		}
	case workflow.EdgeConditional:
		if edge.Condition == "" {
			errs = append(errs, fmt.Errorf("edge %s: conditional edge requires a condition", name))
		}
	case workflow.EdgeLoopBack:
	default:
		errs = append(errs, fmt.Errorf("edge %s: invalid kind %q", name, edge.Kind))
	}
	if edge.Condition != "" {
		if _, err := Compile(edge.Condition); err != nil {
			errs = append(errs, fmt.Errorf("edge %s: condition: %w", name, err))
		}
	}
	return errs
}

// ValidateTaskFile returns every problem found in a task file. Dependency
// references are checked by the scheduler when it builds the graph.
func (v *Validator) ValidateTaskFile(f *TaskFile) []error {
	var errs []error
	if f.Version == "" {
		errs = append(errs, fmt.Errorf("version is required"))
	}
	if !f.ExecutionMode().Valid() {
		errs = append(errs, fmt.Errorf("invalid mode %q", f.Mode))
	}
	if f.Timeout != "" {
		if _, err := time.ParseDuration(f.Timeout); err != nil {
			errs = append(errs, fmt.Errorf("invalid timeout %q", f.Timeout))
		}
	}
	if len(f.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("tasks must have at least one task"))
	}
	ids := make(map[string]bool, len(f.Tasks))
	for i := range f.Tasks {
		task := &f.Tasks[i]
		if task.ID == "" {
			errs = append(errs, fmt.Errorf("task %d: id is required", i))
			continue
		}
		if ids[task.ID] {
			errs = append(errs, fmt.Errorf("duplicate task id: %s", task.ID))
		}
		ids[task.ID] = true
		if err := validateTaskDef(task); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
		}
	}
	return errs
}

func validateTaskDef(d *TaskDef) error {
	if d.Timeout != "" {
		if _, err := time.ParseDuration(d.Timeout); err != nil {
			return fmt.Errorf("invalid timeout %q", d.Timeout)
		}
	}
	if d.MaxRetries != nil && *d.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

func invalid(what string, errs []error) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return types.Errorf(types.ErrValidation, "invalid %s: %s", what, strings.Join(msgs, "; "))
}
