package workflow

import "fmt"

// WarningCode classifies a structural problem found by Validate.
type WarningCode string

const (
	WarnNoStart       WarningCode = "no_start"
	WarnMultipleStart WarningCode = "multiple_start"
	WarnNoEnd         WarningCode = "no_end"
	WarnUnreachable   WarningCode = "unreachable"
	WarnDeadEnd       WarningCode = "dead_end"
)

// Warning is a non-fatal structural finding.
type Warning struct {
	Code    WarningCode `json:"code"`
	NodeID  string      `json:"node_id,omitempty"`
	Message string      `json:"message"`
}

func (w Warning) String() string { return w.Message }

// Validate checks that a START node exists, at least one END node exists,
// every node is reachable from START and no non-END node lacks outgoing
// edges. Findings are warnings; the graph may still run.
func Validate(g *Graph) []Warning {
	var warnings []Warning

	var starts, ends int
	for _, n := range g.Nodes() {
		switch n.Kind {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		}
	}
	if starts == 0 {
		warnings = append(warnings, Warning{Code: WarnNoStart, Message: "graph has no START node"})
	}
	if starts > 1 {
		warnings = append(warnings, Warning{Code: WarnMultipleStart,
			Message: fmt.Sprintf("graph has %d START nodes; only the first is used", starts)})
	}
	if ends == 0 {
		warnings = append(warnings, Warning{Code: WarnNoEnd, Message: "graph has no END node"})
	}

	if start, ok := g.Start(); ok {
		reachable := g.distances(start.ID)
		for _, n := range g.Nodes() {
			if _, ok := reachable[n.ID]; !ok {
				warnings = append(warnings, Warning{Code: WarnUnreachable, NodeID: n.ID,
					Message: fmt.Sprintf("node %s is unreachable from START", n.ID)})
			}
		}
	}

	for _, n := range g.Nodes() {
		if n.Kind != NodeEnd && len(g.Outgoing(n.ID)) == 0 {
			warnings = append(warnings, Warning{Code: WarnDeadEnd, NodeID: n.ID,
				Message: fmt.Sprintf("node %s has no outgoing edges", n.ID)})
		}
	}
	return warnings
}
