package workflow

import "errors"

// Builder assembles a Graph with a fluent API. The first error is kept and
// returned by Build.
type Builder struct {
	graph *Graph
	errs  []error
}

// NewBuilder starts a graph definition.
func NewBuilder(name string) *Builder {
	return &Builder{graph: NewGraph(name)}
}

func (b *Builder) node(id string, kind NodeKind, h Handler) *Builder {
	if err := b.graph.AddNode(&Node{ID: id, Kind: kind, Handler: h}); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Start adds the START node.
func (b *Builder) Start(id string) *Builder { return b.node(id, NodeStart, nil) }

// End adds an END node.
func (b *Builder) End(id string) *Builder { return b.node(id, NodeEnd, nil) }

// Task adds a TASK node.
func (b *Builder) Task(id string, h Handler) *Builder { return b.node(id, NodeTask, h) }

// Condition adds a CONDITION node; its outgoing edges carry the predicates.
func (b *Builder) Condition(id string, h Handler) *Builder { return b.node(id, NodeCondition, h) }

// Parallel adds a PARALLEL node, typically a fan-out source or a join.
func (b *Builder) Parallel(id string) *Builder { return b.node(id, NodeParallel, nil) }

// Loop adds a LOOP node.
func (b *Builder) Loop(id string, h Handler) *Builder { return b.node(id, NodeLoop, h) }

// Node adds a fully specified node.
func (b *Builder) Node(n *Node) *Builder {
	if err := b.graph.AddNode(n); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

func (b *Builder) edge(e *Edge) *Builder {
	if err := b.graph.AddEdge(e); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// Connect adds a fully specified edge.
func (b *Builder) Connect(e *Edge) *Builder { return b.edge(e) }

// Edge adds a NORMAL edge.
func (b *Builder) Edge(from, to string) *Builder {
	return b.edge(&Edge{From: from, To: to, Kind: EdgeNormal})
}

// ConditionalEdge adds a CONDITIONAL edge.
func (b *Builder) ConditionalEdge(from, to string, p Predicate) *Builder {
	return b.edge(&Edge{From: from, To: to, Kind: EdgeConditional, Predicate: p})
}

// LoopBack adds a LOOP_BACK edge. A nil predicate loops until the ceiling.
func (b *Builder) LoopBack(from, to string, p Predicate) *Builder {
	return b.edge(&Edge{From: from, To: to, Kind: EdgeLoopBack, Predicate: p})
}

// Reducer sets the merge function for a state key.
func (b *Builder) Reducer(key string, r Reducer) *Builder {
	b.graph.SetReducer(key, r)
	return b
}

// MaxLoopIterations sets the graph-level loop ceiling.
func (b *Builder) MaxLoopIterations(n int) *Builder {
	b.graph.MaxLoopIterations = n
	return b
}

// Build returns the graph or the joined construction errors.
func (b *Builder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return b.graph, nil
}
