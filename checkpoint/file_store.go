package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

const fileExt = ".json"

// FileStore keeps one JSON document per checkpoint id under a directory.
// Suitable for single-node deployments.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir == "" {
		return nil, types.NewError(types.ErrValidation, "checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to create checkpoint directory").WithCause(err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(zap.String("component", "checkpoint_file_store")),
	}, nil
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", types.Errorf(types.ErrValidation, "invalid checkpoint id %q", id)
	}
	return filepath.Join(s.dir, id+fileExt), nil
}

// Save writes to a temp file and renames it into place.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	path, err := s.path(cp.CheckpointID)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to marshal checkpoint").WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return errExists(cp.CheckpointID)
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.CheckpointID+"-*.tmp")
	if err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to create temp file").WithCause(err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return types.NewError(types.ErrCheckpointIO, "failed to write checkpoint").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return types.NewError(types.ErrCheckpointIO, "failed to write checkpoint").WithCause(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return types.NewError(types.ErrCheckpointIO, "failed to rename checkpoint file").WithCause(err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("execution_id", cp.ExecutionID),
	)
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	return s.readFile(path)
}

func (s *FileStore) readFile(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to read checkpoint").WithCause(err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, fmt.Sprintf("corrupt checkpoint file %s", filepath.Base(path))).WithCause(err)
	}
	return &cp, nil
}

type fileInfo struct {
	path    string
	modTime time.Time
}

// scan returns checkpoint files newest modification first.
func (s *FileStore) scan() ([]fileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to read checkpoint directory").WithCause(err)
	}
	files := make([]fileInfo, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{path: filepath.Join(s.dir, name), modTime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	return files, nil
}

func (s *FileStore) loadAll(opts ListOptions) ([]*Checkpoint, error) {
	files, err := s.scan()
	if err != nil {
		return nil, err
	}
	results := make([]*Checkpoint, 0, len(files))
	for _, f := range files {
		cp, err := s.readFile(f.path)
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("path", f.path), zap.Error(err))
			continue
		}
		if matches(cp, opts) {
			results = append(results, cp)
		}
	}
	return results, nil
}

func (s *FileStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	cps, err := s.loadAll(ListOptions{ExecutionID: executionID})
	if err != nil {
		return nil, err
	}
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	sortNewestFirst(cps)
	return cps[0], nil
}

// List scans files by modification time and returns them newest first.
func (s *FileStore) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	cps, err := s.loadAll(opts)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(cps)
	return applyLimit(cps, opts.Limit), nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	path, err := s.path(id)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, types.NewError(types.ErrCheckpointIO, "failed to delete checkpoint").WithCause(err)
	}
	return true, nil
}

func (s *FileStore) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps, err := s.loadAll(ListOptions{ExecutionID: opts.ExecutionID})
	if err != nil {
		return 0, err
	}
	entries := make([]entry, 0, len(cps))
	for _, cp := range cps {
		entries = append(entries, entry{id: cp.CheckpointID, executionID: cp.ExecutionID, timestamp: cp.Timestamp})
	}

	deleted := 0
	for _, id := range selectVictims(entries, opts) {
		if err := os.Remove(filepath.Join(s.dir, id+fileExt)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove checkpoint", zap.String("checkpoint_id", id), zap.Error(err))
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("checkpoints cleaned up", zap.Int("deleted", deleted))
	}
	return deleted, nil
}

func (s *FileStore) Close() error { return nil }
