package workflow

import (
	"context"

	"github.com/BaSui01/taskflow/types"
)

// NodeKind is the closed set of workflow node kinds.
type NodeKind string

const (
	NodeStart     NodeKind = "start"
	NodeEnd       NodeKind = "end"
	NodeTask      NodeKind = "task"
	NodeCondition NodeKind = "condition"
	NodeParallel  NodeKind = "parallel"
	NodeLoop      NodeKind = "loop"
)

// Valid reports whether k is a known kind.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeStart, NodeEnd, NodeTask, NodeCondition, NodeParallel, NodeLoop:
		return true
	}
	return false
}

// EdgeKind is the closed set of edge kinds.
type EdgeKind string

const (
	// EdgeNormal always qualifies.
	EdgeNormal EdgeKind = "normal"
	// EdgeConditional qualifies when its predicate returns true.
	EdgeConditional EdgeKind = "conditional"
	// EdgeLoopBack qualifies when its predicate returns true and its
	// iteration counter is below the loop ceiling.
	EdgeLoopBack EdgeKind = "loop_back"
)

// Update is a partial state update returned by a node handler.
type Update map[string]any

// Handler runs a node against the current state. Handlers must not retain
// or mutate state; they return an Update instead.
type Handler func(ctx context.Context, state *State) (Update, error)

// Predicate decides whether an edge qualifies.
type Predicate func(state *State) bool

// Node is a vertex of a workflow graph.
type Node struct {
	ID          string
	Kind        NodeKind
	Handler     Handler
	Description string
	Metadata    map[string]any
}

// Edge connects two nodes.
type Edge struct {
	From      string
	To        string
	Kind      EdgeKind
	Predicate Predicate
	Label     string
}

// Key identifies the edge's loop counter.
func (e *Edge) Key() string {
	return e.From + "->" + e.To
}

// Graph is a directed workflow graph. Nodes and edges keep insertion order,
// which decides merge order at joins.
type Graph struct {
	Name string
	// MaxLoopIterations overrides the engine default when > 0.
	MaxLoopIterations int

	nodes    map[string]*Node
	order    []string
	edges    []*Edge
	out      map[string][]*Edge
	reducers map[string]Reducer
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:     name,
		nodes:    make(map[string]*Node),
		out:      make(map[string][]*Edge),
		reducers: make(map[string]Reducer),
	}
}

// AddNode adds a node; ids must be unique.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return types.NewError(types.ErrValidation, "node id is required")
	}
	if !n.Kind.Valid() {
		return types.Errorf(types.ErrValidation, "node %s has unknown kind %q", n.ID, n.Kind).WithNode(n.ID)
	}
	if _, exists := g.nodes[n.ID]; exists {
		return types.Errorf(types.ErrValidation, "duplicate node id %q", n.ID).WithNode(n.ID)
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge adds an edge; both endpoints must already exist.
func (g *Graph) AddEdge(e *Edge) error {
	if e == nil {
		return types.NewError(types.ErrValidation, "edge is nil")
	}
	if e.Kind == "" {
		e.Kind = EdgeNormal
	}
	if _, ok := g.nodes[e.From]; !ok {
		return types.Errorf(types.ErrValidation, "edge %s->%s: unknown source node %q", e.From, e.To, e.From).WithIDs(e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return types.Errorf(types.ErrValidation, "edge %s->%s: unknown target node %q", e.From, e.To, e.To).WithIDs(e.To)
	}
	switch e.Kind {
	case EdgeNormal, EdgeLoopBack:
	case EdgeConditional:
		if e.Predicate == nil {
			return types.Errorf(types.ErrValidation, "conditional edge %s requires a predicate", e.Key())
		}
	default:
		return types.Errorf(types.ErrValidation, "edge %s has unknown kind %q", e.Key(), e.Kind)
	}
	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], e)
	return nil
}

// SetReducer sets the merge function for a state key.
func (g *Graph) SetReducer(key string, r Reducer) {
	g.reducers[key] = r
}

// Reducer returns the reducer for key, or nil for last-write-wins.
func (g *Graph) Reducer(key string) Reducer {
	return g.reducers[key]
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.order))
	for i, id := range g.order {
		nodes[i] = g.nodes[id]
	}
	return nodes
}

// Edges returns edges in insertion order.
func (g *Graph) Edges() []*Edge {
	return append([]*Edge(nil), g.edges...)
}

// Outgoing returns the outgoing edges of id in insertion order.
func (g *Graph) Outgoing(id string) []*Edge {
	return g.out[id]
}

// Start returns the first START node.
func (g *Graph) Start() (*Node, bool) {
	for _, id := range g.order {
		if g.nodes[id].Kind == NodeStart {
			return g.nodes[id], true
		}
	}
	return nil, false
}

// distances returns BFS hop counts from id over all edges.
func (g *Graph) distances(id string) map[string]int {
	dist := map[string]int{id: 0}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.out[cur] {
			if _, seen := dist[e.To]; !seen {
				dist[e.To] = dist[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}
	return dist
}

// joinPoint finds the reconvergence node of a fan-out: the node reachable
// from every target with the smallest worst-case distance. Ties go to the
// smaller total distance, then to insertion order. Returns "" when the
// branches never meet.
func (g *Graph) joinPoint(targets []string) string {
	if len(targets) == 0 {
		return ""
	}
	all := make([]map[string]int, len(targets))
	for i, t := range targets {
		all[i] = g.distances(t)
	}

	best, bestMax, bestSum := "", 0, 0
	for _, id := range g.order {
		worst, sum, ok := 0, 0, true
		for _, d := range all {
			n, reachable := d[id]
			if !reachable {
				ok = false
				break
			}
			sum += n
			worst = max(worst, n)
		}
		if !ok {
			continue
		}
		if best == "" || worst < bestMax || (worst == bestMax && sum < bestSum) {
			best, bestMax, bestSum = id, worst, sum
		}
	}
	return best
}
