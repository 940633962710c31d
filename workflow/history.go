package workflow

import (
	"sort"
	"sync"
	"time"
)

// NodeExecution records one visit of a node.
type NodeExecution struct {
	NodeID    string        `json:"node_id"`
	Kind      NodeKind      `json:"kind"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Status    Status        `json:"status"`
	Output    Update        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionHistory records the visitation path of one run, including
// visits made inside parallel branches.
type ExecutionHistory struct {
	ExecutionID string           `json:"execution_id"`
	Workflow    string           `json:"workflow"`
	StartTime   time.Time        `json:"start_time"`
	EndTime     time.Time        `json:"end_time"`
	Duration    time.Duration    `json:"duration"`
	Status      Status           `json:"status"`
	Nodes       []*NodeExecution `json:"nodes"`
	Error       string           `json:"error,omitempty"`
	mu          sync.RWMutex
}

// NewExecutionHistory starts a history record.
func NewExecutionHistory(executionID, workflow string) *ExecutionHistory {
	return &ExecutionHistory{
		ExecutionID: executionID,
		Workflow:    workflow,
		StartTime:   time.Now(),
		Status:      StatusRunning,
	}
}

// RecordNodeStart records the start of a node visit.
func (h *ExecutionHistory) RecordNodeStart(id string, kind NodeKind) *NodeExecution {
	h.mu.Lock()
	defer h.mu.Unlock()
	ne := &NodeExecution{
		NodeID:    id,
		Kind:      kind,
		StartTime: time.Now(),
		Status:    StatusRunning,
	}
	h.Nodes = append(h.Nodes, ne)
	return ne
}

// RecordNodeEnd completes a node visit.
func (h *ExecutionHistory) RecordNodeEnd(ne *NodeExecution, output Update, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ne.EndTime = time.Now()
	ne.Duration = ne.EndTime.Sub(ne.StartTime)
	ne.Output = output
	if err != nil {
		ne.Status = StatusFailed
		ne.Error = err.Error()
	} else {
		ne.Status = StatusCompleted
	}
}

// Complete closes the record with the run's final status.
func (h *ExecutionHistory) Complete(status Status, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.EndTime = time.Now()
	h.Duration = h.EndTime.Sub(h.StartTime)
	h.Status = status
	if err != nil {
		h.Error = err.Error()
	}
}

// GetNodes returns a copy of the node visits.
func (h *ExecutionHistory) GetNodes() []*NodeExecution {
	h.mu.RLock()
	defer h.mu.RUnlock()
	nodes := make([]*NodeExecution, len(h.Nodes))
	copy(nodes, h.Nodes)
	return nodes
}

// Visits counts visits of a node.
func (h *ExecutionHistory) Visits(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ne := range h.Nodes {
		if ne.NodeID == id {
			n++
		}
	}
	return n
}

// HistoryStore keeps the most recent execution histories in memory.
type HistoryStore struct {
	histories map[string]*ExecutionHistory
	order     []string
	capacity  int
	mu        sync.RWMutex
}

// NewHistoryStore creates a store holding at most capacity histories;
// capacity <= 0 means 1000.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &HistoryStore{
		histories: make(map[string]*ExecutionHistory),
		capacity:  capacity,
	}
}

// Save stores a history, evicting the oldest when full. A resumed run
// replaces the record of its execution id.
func (s *HistoryStore) Save(h *ExecutionHistory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.histories[h.ExecutionID]; !exists {
		s.order = append(s.order, h.ExecutionID)
	}
	s.histories[h.ExecutionID] = h
	for len(s.order) > s.capacity {
		delete(s.histories, s.order[0])
		s.order = s.order[1:]
	}
}

// Get retrieves a history by execution id.
func (s *HistoryStore) Get(executionID string) (*ExecutionHistory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[executionID]
	return h, ok
}

// ListByWorkflow returns the histories of one workflow, newest first.
func (s *HistoryStore) ListByWorkflow(workflow string) []*ExecutionHistory {
	return s.list(func(h *ExecutionHistory) bool { return h.Workflow == workflow })
}

// ListByStatus returns histories with the given final status, newest first.
func (s *HistoryStore) ListByStatus(status Status) []*ExecutionHistory {
	return s.list(func(h *ExecutionHistory) bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.Status == status
	})
}

func (s *HistoryStore) list(keep func(*ExecutionHistory) bool) []*ExecutionHistory {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*ExecutionHistory
	for _, h := range s.histories {
		if keep(h) {
			result = append(result, h)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})
	return result
}
