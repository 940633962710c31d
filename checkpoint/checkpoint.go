package checkpoint

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/BaSui01/taskflow/types"
)

// ErrNotFound is returned when a checkpoint id or execution has no record.
var ErrNotFound = errors.New("checkpoint not found")

// Status is the lifecycle state captured by a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// Resumable reports whether an execution in this status can be resumed.
func (s Status) Resumable() bool {
	return s == StatusRunning || s == StatusPaused
}

// Checkpoint is an immutable snapshot of one execution.
type Checkpoint struct {
	CheckpointID string `json:"checkpoint_id"`
	ExecutionID  string `json:"execution_id"`
	// Timestamp is seconds since the Unix epoch.
	Timestamp      float64        `json:"timestamp"`
	Status         Status         `json:"status"`
	CurrentNode    string         `json:"current_node"`
	CompletedNodes []string       `json:"completed_nodes"`
	PendingNodes   []string       `json:"pending_nodes"`
	WorkflowState  map[string]any `json:"workflow_state"`
	TaskResults    map[string]any `json:"task_results"`
	Metadata       map[string]any `json:"metadata"`
	Error          *string        `json:"error"`
}

// Time converts Timestamp to a time.Time.
func (c *Checkpoint) Time() time.Time {
	sec, frac := math.Modf(c.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// ErrorMessage returns the recorded error or "".
func (c *Checkpoint) ErrorMessage() string {
	if c.Error == nil {
		return ""
	}
	return *c.Error
}

// Clone returns a deep copy so stored records are never shared with callers.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	return deepcopy.Copy(c).(*Checkpoint)
}

// Timestamp converts t to the float-seconds representation.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// StringPtr is a helper for the nullable Error field.
func StringPtr(s string) *string {
	return &s
}

// ListOptions filters List. Zero values mean "no filter"; Limit <= 0 is unlimited.
type ListOptions struct {
	ExecutionID string
	Status      Status
	Limit       int
}

// CleanupOptions selects records to garbage-collect. The KeepLatest newest
// records of every execution are always kept; OlderThan further restricts
// deletion to records older than the given time.
type CleanupOptions struct {
	ExecutionID string
	OlderThan   time.Time
	KeepLatest  int
}

// Store is the backend-agnostic checkpoint contract.
type Store interface {
	Name() string
	Save(ctx context.Context, cp *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error)
	// List returns matching checkpoints, newest first.
	List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error)
	Delete(ctx context.Context, checkpointID string) (bool, error)
	Cleanup(ctx context.Context, opts CleanupOptions) (int, error)
	Close() error
}

func validateForSave(cp *Checkpoint) error {
	if cp == nil {
		return types.NewError(types.ErrValidation, "checkpoint is nil")
	}
	if cp.CheckpointID == "" {
		return types.NewError(types.ErrValidation, "checkpoint id is required")
	}
	if cp.ExecutionID == "" {
		return types.NewError(types.ErrValidation, "execution id is required")
	}
	return nil
}

func errExists(id string) error {
	return types.Errorf(types.ErrValidation, "checkpoint %s already exists", id)
}

// entry is the minimal projection used for cleanup decisions.
type entry struct {
	id          string
	executionID string
	timestamp   float64
}

// sortNewestFirst orders checkpoints by timestamp desc, id desc on ties.
func sortNewestFirst(cps []*Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].Timestamp != cps[j].Timestamp {
			return cps[i].Timestamp > cps[j].Timestamp
		}
		return cps[i].CheckpointID > cps[j].CheckpointID
	})
}

// selectVictims applies CleanupOptions to a set of entries and returns the
// ids to delete.
func selectVictims(entries []entry, opts CleanupOptions) []string {
	byExec := make(map[string][]entry)
	for _, e := range entries {
		if opts.ExecutionID != "" && e.executionID != opts.ExecutionID {
			continue
		}
		byExec[e.executionID] = append(byExec[e.executionID], e)
	}

	keep := opts.KeepLatest
	if keep < 0 {
		keep = 0
	}
	var cutoff float64
	if !opts.OlderThan.IsZero() {
		cutoff = Timestamp(opts.OlderThan)
	}

	var victims []string
	for _, group := range byExec {
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].timestamp != group[j].timestamp {
				return group[i].timestamp > group[j].timestamp
			}
			return group[i].id > group[j].id
		})
		for i, e := range group {
			if i < keep {
				continue
			}
			if cutoff != 0 && e.timestamp >= cutoff {
				continue
			}
			victims = append(victims, e.id)
		}
	}
	sort.Strings(victims)
	return victims
}

func matches(cp *Checkpoint, opts ListOptions) bool {
	if opts.ExecutionID != "" && cp.ExecutionID != opts.ExecutionID {
		return false
	}
	if opts.Status != "" && cp.Status != opts.Status {
		return false
	}
	return true
}

func applyLimit(cps []*Checkpoint, limit int) []*Checkpoint {
	if limit > 0 && len(cps) > limit {
		return cps[:limit]
	}
	return cps
}
