package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/types"
)

// RedisStore keeps each checkpoint under its own key plus two sorted sets
// scored by timestamp: one per execution and one global index.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore creates a Redis-backed store. A zero ttl keeps records until
// Cleanup removes them.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "taskflow"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "checkpoint_redis_store")),
	}
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) checkpointKey(id string) string {
	return s.prefix + ":checkpoint:" + id
}

func (s *RedisStore) executionKey(executionID string) string {
	return s.prefix + ":execution:" + executionID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":checkpoints"
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to marshal checkpoint").WithCause(err)
	}

	ok, err := s.client.SetNX(ctx, s.checkpointKey(cp.CheckpointID), data, s.ttl).Result()
	if err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to write checkpoint").WithCause(err)
	}
	if !ok {
		return errExists(cp.CheckpointID)
	}

	member := redis.Z{Score: cp.Timestamp, Member: cp.CheckpointID}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.executionKey(cp.ExecutionID), member)
	pipe.ZAdd(ctx, s.indexKey(), member)
	if _, err := pipe.Exec(ctx); err != nil {
		s.client.Del(ctx, s.checkpointKey(cp.CheckpointID))
		return types.NewError(types.ErrCheckpointIO, "failed to index checkpoint").WithCause(err)
	}

	s.logger.Debug("checkpoint saved to redis",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("execution_id", cp.ExecutionID),
	)
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, types.NewError(types.ErrCheckpointIO, "failed to read checkpoint").WithCause(err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to unmarshal checkpoint").WithCause(err)
	}
	return &cp, nil
}

func (s *RedisStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.executionKey(executionID), 0, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to read execution index").WithCause(err)
	}
	// Entries whose record expired are skipped.
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return cp, err
	}
	return nil, ErrNotFound
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	key := s.indexKey()
	if opts.ExecutionID != "" {
		key = s.executionKey(opts.ExecutionID)
	}
	ids, err := s.client.ZRevRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to read checkpoint index").WithCause(err)
	}

	results := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
		cp, err := s.Load(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("failed to load checkpoint", zap.String("checkpoint_id", id), zap.Error(err))
			}
			continue
		}
		if matches(cp, opts) {
			results = append(results, cp)
		}
	}
	return results, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	cp, err := s.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.client.ZRem(ctx, s.indexKey(), id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, s.remove(ctx, cp.ExecutionID, id)
}

func (s *RedisStore) remove(ctx context.Context, executionID, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.checkpointKey(id))
	pipe.ZRem(ctx, s.executionKey(executionID), id)
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return types.NewError(types.ErrCheckpointIO, "failed to delete checkpoint").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	cps, err := s.List(ctx, ListOptions{ExecutionID: opts.ExecutionID})
	if err != nil {
		return 0, err
	}
	execOf := make(map[string]string, len(cps))
	entries := make([]entry, 0, len(cps))
	for _, cp := range cps {
		execOf[cp.CheckpointID] = cp.ExecutionID
		entries = append(entries, entry{id: cp.CheckpointID, executionID: cp.ExecutionID, timestamp: cp.Timestamp})
	}

	deleted := 0
	for _, id := range selectVictims(entries, opts) {
		if err := s.remove(ctx, execOf[id], id); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
