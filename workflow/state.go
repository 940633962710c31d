package workflow

import (
	"strconv"

	"github.com/mohae/deepcopy"
)

// Status is the lifecycle state of a workflow run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	// StatusDeadEnd marks a run that stopped at a non-END node with no
	// qualifying edge.
	StatusDeadEnd Status = "dead_end"
)

// State is the key-value map carried across node executions, plus the
// visitation history and per-edge loop counters. One State is owned by one
// walk; forks work on deep copies.
type State struct {
	ExecutionID string         `json:"execution_id"`
	Values      map[string]any `json:"values"`
	History     []string       `json:"history"`
	LoopCounts  map[string]int `json:"loop_counts"`
	Status      Status         `json:"status"`
	CurrentNode string         `json:"current_node,omitempty"`
	FailedNode  string         `json:"failed_node,omitempty"`
	Error       string         `json:"error,omitempty"`
	Anomalies   []string       `json:"anomalies,omitempty"`

	// journal records updates applied since a fork so the join can replay
	// them through reducers.
	journal    []Update
	journaling bool
	// resumeEdges marks CurrentNode as already executed.
	resumeEdges bool
}

// NewState creates a running state seeded with a copy of initial.
func NewState(executionID string, initial map[string]any) *State {
	values := make(map[string]any, len(initial))
	if len(initial) > 0 {
		values = deepcopy.Copy(initial).(map[string]any)
	}
	return &State{
		ExecutionID: executionID,
		Values:      values,
		History:     []string{},
		LoopCounts:  make(map[string]int),
		Status:      StatusRunning,
	}
}

// Get returns a value.
func (s *State) Get(key string) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// GetString returns a string value or "".
func (s *State) GetString(key string) string {
	v, _ := s.Values[key].(string)
	return v
}

// GetInt returns a numeric value as int. Values restored from JSON arrive
// as float64 and are converted.
func (s *State) GetInt(key string) int {
	n, _ := toInt(s.Values[key])
	return n
}

// GetBool returns a bool value or false.
func (s *State) GetBool(key string) bool {
	v, _ := s.Values[key].(bool)
	return v
}

// Visited reports whether id appears in the history.
func (s *State) Visited(id string) bool {
	for _, h := range s.History {
		if h == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy without the fork journal.
func (s *State) Clone() *State {
	values := make(map[string]any)
	if len(s.Values) > 0 {
		values = deepcopy.Copy(s.Values).(map[string]any)
	}
	c := &State{
		ExecutionID: s.ExecutionID,
		Values:      values,
		History:     append([]string{}, s.History...),
		LoopCounts:  make(map[string]int, len(s.LoopCounts)),
		Status:      s.Status,
		CurrentNode: s.CurrentNode,
		FailedNode:  s.FailedNode,
		Error:       s.Error,
		Anomalies:   append([]string(nil), s.Anomalies...),
	}
	for k, v := range s.LoopCounts {
		c.LoopCounts[k] = v
	}
	return c
}

// apply merges an update through the graph's reducers.
func (s *State) apply(u Update, g *Graph) {
	if len(u) == 0 {
		return
	}
	for k, v := range u {
		if r := g.Reducer(k); r != nil {
			s.Values[k] = r(s.Values[k], v)
		} else {
			s.Values[k] = v
		}
	}
	if s.journaling {
		s.journal = append(s.journal, u)
	}
}

// fork returns a private copy for one branch.
func (s *State) fork() *State {
	c := s.Clone()
	c.journaling = true
	return c
}

// join merges a finished branch: its updates are replayed through the
// reducers, its new history entries appended and loop counters maxed.
func (s *State) join(branch *State, g *Graph, historyBase, anomalyBase int) {
	for _, u := range branch.journal {
		s.apply(u, g)
	}
	if historyBase < len(branch.History) {
		s.History = append(s.History, branch.History[historyBase:]...)
	}
	for k, v := range branch.LoopCounts {
		if v > s.LoopCounts[k] {
			s.LoopCounts[k] = v
		}
	}
	if anomalyBase < len(branch.Anomalies) {
		s.Anomalies = append(s.Anomalies, branch.Anomalies[anomalyBase:]...)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}
