package checkpoint

import (
	"context"
	"sync"
)

// MemoryStore provides in-memory storage.
type MemoryStore struct {
	checkpoints map[string]*Checkpoint
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.CheckpointID]; exists {
		return errExists(cp.CheckpointID)
	}
	s.checkpoints[cp.CheckpointID] = cp.Clone()
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	cps, err := s.List(ctx, ListOptions{ExecutionID: executionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	return cps[0], nil
}

func (s *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Checkpoint, 0)
	for _, cp := range s.checkpoints {
		if matches(cp, opts) {
			results = append(results, cp.Clone())
		}
	}
	sortNewestFirst(results)
	return applyLimit(results, opts.Limit), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[id]; !ok {
		return false, nil
	}
	delete(s.checkpoints, id)
	return true, nil
}

func (s *MemoryStore) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]entry, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		entries = append(entries, entry{id: cp.CheckpointID, executionID: cp.ExecutionID, timestamp: cp.Timestamp})
	}
	victims := selectVictims(entries, opts)
	for _, id := range victims {
		delete(s.checkpoints, id)
	}
	return len(victims), nil
}

func (s *MemoryStore) Close() error { return nil }
