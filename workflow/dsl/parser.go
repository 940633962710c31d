package dsl

import (
	"context"
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskflow/types"
	"github.com/BaSui01/taskflow/workflow"
)

// TaskHandlerFactory turns the task of a TASK node into its handler.
type TaskHandlerFactory func(task *types.Task) workflow.Handler

// Compiled is a definition turned into a runnable graph.
type Compiled struct {
	Definition   *Definition
	Graph        *workflow.Graph
	InitialState map[string]any
}

// Parser reads workflow definitions and task files.
type Parser struct {
	taskHandler TaskHandlerFactory
	handlers    map[string]workflow.Handler
	validator   *Validator
	logger      *zap.Logger
}

// Option customizes a Parser.
type Option func(*Parser)

// WithTaskHandler sets the factory used for nodes that declare a task.
func WithTaskHandler(f TaskHandlerFactory) Option {
	return func(p *Parser) { p.taskHandler = f }
}

// WithHandler binds a Go handler to a node id.
func WithHandler(nodeID string, h workflow.Handler) Option {
	return func(p *Parser) { p.handlers[nodeID] = h }
}

// NewParser creates a parser.
func NewParser(logger *zap.Logger, opts ...Option) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{
		handlers:  make(map[string]workflow.Handler),
		validator: NewValidator(),
		logger:    logger.With(zap.String("component", "workflow_dsl")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ParseFile reads and compiles a workflow definition file.
func (p *Parser) ParseFile(filename string, vars map[string]any) (*Compiled, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	return p.Parse(data, vars)
}

// Parse decodes and compiles a workflow definition. vars override variable
// defaults.
func (p *Parser) Parse(data []byte, vars map[string]any) (*Compiled, error) {
	def, err := p.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Compile(def, vars)
}

// Decode unmarshals and validates a workflow definition.
func (p *Parser) Decode(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse workflow YAML").WithCause(err)
	}
	if errs := p.validator.Validate(&def); len(errs) > 0 {
		return nil, invalid("workflow definition", errs)
	}
	return &def, nil
}

// Compile builds the graph and initial state of a validated definition.
func (p *Parser) Compile(def *Definition, vars map[string]any) (*Compiled, error) {
	state, err := p.initialState(def.Variables, vars)
	if err != nil {
		return nil, err
	}

	b := workflow.NewBuilder(def.Name).MaxLoopIterations(def.MaxLoopIterations)
	for i := range def.Nodes {
		node, err := p.buildNode(&def.Nodes[i])
		if err != nil {
			return nil, err
		}
		b.Node(node)
	}
	for _, e := range def.Edges {
		edge := &workflow.Edge{From: e.From, To: e.To, Kind: workflow.EdgeKind(e.Kind), Label: e.Label}
		if e.Condition != "" {
			expr, err := Compile(e.Condition)
			if err != nil {
				return nil, types.Errorf(types.ErrValidation, "edge %s: %v", edge.Key(), err)
			}
			edge.Predicate = predicate(expr)
		}
		b.Connect(edge)
	}
	for key, name := range def.Reducers {
		b.Reducer(key, reducerByName(name))
	}

	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	p.logger.Debug("workflow compiled",
		zap.String("workflow", def.Name),
		zap.Int("nodes", len(def.Nodes)),
		zap.Int("edges", len(def.Edges)))
	return &Compiled{Definition: def, Graph: g, InitialState: state}, nil
}

func (p *Parser) buildNode(def *NodeDef) (*workflow.Node, error) {
	node := &workflow.Node{
		ID:          def.ID,
		Kind:        workflow.NodeKind(def.Kind),
		Description: def.Description,
		Metadata:    def.Metadata,
	}

	var steps []workflow.Handler
	if h, ok := p.handlers[def.ID]; ok {
		steps = append(steps, h)
	}
	if def.Task != nil {
		if p.taskHandler == nil {
			return nil, types.Errorf(types.ErrValidation, "node %s declares a task but no task handler is configured", def.ID).
				WithNode(def.ID)
		}
		steps = append(steps, p.taskHandler(def.Task.ToTask(def.ID)))
	}
	if len(def.Set) > 0 {
		h, err := setHandler(def.Set)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "node %s: %v", def.ID, err).WithNode(def.ID)
		}
		steps = append(steps, h)
	}

	switch len(steps) {
	case 0:
	case 1:
		node.Handler = steps[0]
	default:
		node.Handler = chain(steps)
	}
	return node, nil
}

func (p *Parser) initialState(defs map[string]VariableDef, vars map[string]any) (map[string]any, error) {
	state := make(map[string]any, len(defs)+len(vars))
	var missing []string
	for name, def := range defs {
		switch {
		case vars[name] != nil:
			state[name] = vars[name]
		case def.Default != nil:
			state[name] = def.Default
		case def.Required:
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, types.Errorf(types.ErrValidation, "required variables not set: %v", missing).WithIDs(missing...)
	}
	for name, v := range vars {
		if _, declared := defs[name]; !declared {
			state[name] = v
		}
	}
	return state, nil
}

// ParseTaskFile reads and validates a task file.
func (p *Parser) ParseTaskFile(filename string) (*TaskFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	return p.DecodeTaskFile(data)
}

// DecodeTaskFile unmarshals and validates a task file.
func (p *Parser) DecodeTaskFile(data []byte) (*TaskFile, error) {
	var f TaskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, types.NewError(types.ErrValidation, "parse task YAML").WithCause(err)
	}
	if errs := p.validator.ValidateTaskFile(&f); len(errs) > 0 {
		return nil, invalid("task file", errs)
	}
	return &f, nil
}

func predicate(expr *Expr) workflow.Predicate {
	return func(s *workflow.State) bool {
		return expr.Bool(s.Values)
	}
}

// setHandler evaluates each string value as an expression against the
// state; other values are written as is.
func setHandler(set map[string]any) (workflow.Handler, error) {
	exprs := make(map[string]*Expr, len(set))
	for key, value := range set {
		if s, ok := value.(string); ok {
			expr, err := Compile(s)
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", key, err)
			}
			exprs[key] = expr
		}
	}
	return func(ctx context.Context, s *workflow.State) (workflow.Update, error) {
		u := make(workflow.Update, len(set))
		for key, value := range set {
			expr, ok := exprs[key]
			if !ok {
				u[key] = value
				continue
			}
			v, err := expr.Eval(s.Values)
			if err != nil {
				return nil, fmt.Errorf("set %s = %s: %w", key, expr, err)
			}
			u[key] = v
		}
		return u, nil
	}, nil
}

// chain runs handlers in order; each sees the updates of the previous ones.
func chain(steps []workflow.Handler) workflow.Handler {
	return func(ctx context.Context, s *workflow.State) (workflow.Update, error) {
		merged := workflow.Update{}
		for _, h := range steps {
			u, err := h(ctx, s)
			if err != nil {
				return nil, err
			}
			for k, v := range u {
				merged[k] = v
				s.Values[k] = v
			}
		}
		return merged, nil
	}
}

func reducerByName(name string) workflow.Reducer {
	switch name {
	case "append":
		return workflow.AppendReducer()
	case "merge":
		return workflow.MergeMapReducer()
	case "sum":
		// YAML numbers arrive as int or float64, so the generic numeric
		// reducers would not match; reuse the expression arithmetic.
		return func(current, update any) any {
			v, err := arithmetic(current, "+", update)
			if err != nil {
				return update
			}
			return v
		}
	case "max":
		return func(current, update any) any {
			if current == nil || compare(update, ">", current) {
				return update
			}
			return current
		}
	}
	return workflow.LastValueReducer()
}
