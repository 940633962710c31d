package checkpoint

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// Recorder receives checkpoint write outcomes. internal/metrics implements it.
type Recorder interface {
	RecordCheckpoint(backend, result string, duration time.Duration)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Interval is the minimum time between two checkpoints of one execution.
	Interval time.Duration
	// RequireDurable turns write failures into hard errors for Persist.
	RequireDurable bool
}

// DefaultManagerConfig returns the defaults used by the CLI.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{Interval: 5 * time.Second}
}

// Manager applies the checkpoint interval policy on top of a Store.
type Manager struct {
	store    Store
	config   ManagerConfig
	logger   *zap.Logger
	recorder Recorder
	now      func() time.Time

	mu        sync.Mutex
	lastSaved map[string]time.Time
	lastStamp map[string]float64
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) { m.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a checkpoint manager.
func NewManager(store Store, config ManagerConfig, logger *zap.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		store:     store,
		config:    config,
		logger:    logger.With(zap.String("component", "checkpoint_manager")),
		now:       time.Now,
		lastSaved: make(map[string]time.Time),
		lastStamp: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// RequireDurable reports whether write failures are fatal.
func (m *Manager) RequireDurable() bool { return m.config.RequireDurable }

// ShouldCheckpoint reports whether the interval since the last checkpoint of
// executionID has elapsed. The first call for an execution is always true.
func (m *Manager) ShouldCheckpoint(executionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSaved[executionID]
	if !ok {
		return true
	}
	return m.now().Sub(last) >= m.config.Interval
}

// Save fills in id and timestamp when absent and writes the checkpoint.
// Timestamps are kept strictly increasing per execution so LoadLatest is
// unambiguous.
func (m *Manager) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return types.NewError(types.ErrValidation, "checkpoint is nil")
	}
	now := m.now()

	m.mu.Lock()
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.NewString()
	}
	if cp.Timestamp == 0 {
		cp.Timestamp = Timestamp(now)
	}
	if last, ok := m.lastStamp[cp.ExecutionID]; ok && cp.Timestamp <= last {
		cp.Timestamp = math.Nextafter(last, math.Inf(1))
	}
	m.mu.Unlock()

	start := time.Now()
	err := m.store.Save(ctx, cp)
	m.record(err, time.Since(start))
	if err != nil {
		if _, ok := types.AsError(err); ok {
			return err
		}
		return types.NewError(types.ErrCheckpointIO, "failed to save checkpoint").WithCause(err)
	}

	m.mu.Lock()
	m.lastSaved[cp.ExecutionID] = now
	m.lastStamp[cp.ExecutionID] = cp.Timestamp
	m.mu.Unlock()

	m.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("execution_id", cp.ExecutionID),
		zap.String("status", string(cp.Status)),
		zap.String("current_node", cp.CurrentNode),
	)
	return nil
}

// Persist is Save with the durability policy applied: failures are logged
// and swallowed unless RequireDurable is set.
func (m *Manager) Persist(ctx context.Context, cp *Checkpoint) error {
	err := m.Save(ctx, cp)
	if err == nil {
		return nil
	}
	if m.config.RequireDurable {
		return err
	}
	m.logger.Warn("checkpoint write failed, continuing",
		zap.String("execution_id", cp.ExecutionID),
		zap.Error(err),
	)
	return nil
}

func (m *Manager) record(err error, d time.Duration) {
	if m.recorder == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.recorder.RecordCheckpoint(m.store.Name(), result, d)
}

// Load returns a checkpoint by id.
func (m *Manager) Load(ctx context.Context, id string) (*Checkpoint, error) {
	return m.store.Load(ctx, id)
}

// LoadLatest returns the newest checkpoint of an execution.
func (m *Manager) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	return m.store.LoadLatest(ctx, executionID)
}

// List proxies to the store.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	return m.store.List(ctx, opts)
}

// Delete proxies to the store.
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	return m.store.Delete(ctx, id)
}

// CanResume reports whether the latest checkpoint is RUNNING or PAUSED.
func (m *Manager) CanResume(ctx context.Context, executionID string) (bool, error) {
	cp, err := m.store.LoadLatest(ctx, executionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cp.Status.Resumable(), nil
}

// Cleanup removes old checkpoints and returns how many were deleted.
func (m *Manager) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	n, err := m.store.Cleanup(ctx, opts)
	if err != nil {
		return n, err
	}
	if n > 0 {
		m.logger.Info("checkpoints cleaned up",
			zap.Int("deleted", n),
			zap.String("execution_id", opts.ExecutionID),
		)
	}
	return n, nil
}

// Forget drops interval tracking for a finished execution.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSaved, executionID)
	delete(m.lastStamp, executionID)
}
