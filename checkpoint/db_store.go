package checkpoint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/taskflow/types"
)

// checkpointRecord is the persisted row. JSON columns are stored as text so
// the same schema works on SQLite, Postgres and MySQL.
type checkpointRecord struct {
	CheckpointID   string  `gorm:"column:checkpoint_id;primaryKey;size:64"`
	ExecutionID    string  `gorm:"column:execution_id;size:128;not null;index:idx_checkpoints_execution_id"`
	Timestamp      float64 `gorm:"column:timestamp;not null;index:idx_checkpoints_timestamp"`
	Status         string  `gorm:"column:status;size:16;not null;index:idx_checkpoints_status"`
	CurrentNode    string  `gorm:"column:current_node;size:128"`
	CompletedNodes string  `gorm:"column:completed_nodes;type:text"`
	PendingNodes   string  `gorm:"column:pending_nodes;type:text"`
	WorkflowState  string  `gorm:"column:workflow_state;type:text"`
	TaskResults    string  `gorm:"column:task_results;type:text"`
	Metadata       string  `gorm:"column:metadata;type:text"`
	Error          *string `gorm:"column:error;type:text"`
}

func (checkpointRecord) TableName() string { return "checkpoints" }

// DBStore persists checkpoints in a relational table through GORM.
type DBStore struct {
	db     *gorm.DB
	owned  bool
	logger *zap.Logger
}

// DBStoreOption customizes a DBStore.
type DBStoreOption func(*dbStoreOptions)

type dbStoreOptions struct {
	externalSchema bool
}

// WithExternalSchema skips AutoMigrate for databases whose checkpoints table
// is created by versioned migrations.
func WithExternalSchema() DBStoreOption {
	return func(o *dbStoreOptions) { o.externalSchema = true }
}

// NewDBStore wraps an existing connection. Unless the schema is managed
// externally it creates the checkpoints table with AutoMigrate.
func NewDBStore(db *gorm.DB, logger *zap.Logger, opts ...DBStoreOption) (*DBStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if db == nil {
		return nil, types.NewError(types.ErrValidation, "database handle is required")
	}
	var o dbStoreOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.externalSchema {
		if !db.Migrator().HasTable(&checkpointRecord{}) {
			return nil, types.NewError(types.ErrCheckpointIO, "checkpoints table is missing; run the schema migrations first")
		}
	} else if err := db.AutoMigrate(&checkpointRecord{}); err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to migrate checkpoints table").WithCause(err)
	}
	return &DBStore{
		db:     db,
		logger: logger.With(zap.String("component", "checkpoint_db_store")),
	}, nil
}

// NewSQLiteStore opens an embedded SQLite database at path (":memory:" is
// allowed) and owns the connection.
func NewSQLiteStore(path string, zl *zap.Logger) (*DBStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to open sqlite database").WithCause(err)
	}
	if sqlDB, err := db.DB(); err == nil && path == ":memory:" {
		// Each new connection would get a fresh in-memory database.
		sqlDB.SetMaxOpenConns(1)
	}
	store, err := NewDBStore(db, zl)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		return nil, err
	}
	store.owned = true
	return store, nil
}

func (s *DBStore) Name() string { return "database" }

func (s *DBStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := validateForSave(cp); err != nil {
		return err
	}
	rec, err := toRecord(cp)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		var count int64
		if cerr := s.db.WithContext(ctx).Model(&checkpointRecord{}).
			Where("checkpoint_id = ?", cp.CheckpointID).Count(&count).Error; cerr == nil && count > 0 {
			return errExists(cp.CheckpointID)
		}
		return types.NewError(types.ErrCheckpointIO, "failed to insert checkpoint").WithCause(err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.CheckpointID),
		zap.String("execution_id", cp.ExecutionID),
	)
	return nil
}

func (s *DBStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).Where("checkpoint_id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, types.NewError(types.ErrCheckpointIO, "failed to load checkpoint").WithCause(err)
	}
	return fromRecord(&rec)
}

func (s *DBStore) LoadLatest(ctx context.Context, executionID string) (*Checkpoint, error) {
	var rec checkpointRecord
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("timestamp DESC").Order("checkpoint_id DESC").
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, types.NewError(types.ErrCheckpointIO, "failed to load latest checkpoint").WithCause(err)
	}
	return fromRecord(&rec)
}

func (s *DBStore) List(ctx context.Context, opts ListOptions) ([]*Checkpoint, error) {
	q := s.db.WithContext(ctx).Model(&checkpointRecord{})
	if opts.ExecutionID != "" {
		q = q.Where("execution_id = ?", opts.ExecutionID)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	q = q.Order("timestamp DESC").Order("checkpoint_id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	var recs []checkpointRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, types.NewError(types.ErrCheckpointIO, "failed to list checkpoints").WithCause(err)
	}
	results := make([]*Checkpoint, 0, len(recs))
	for i := range recs {
		cp, err := fromRecord(&recs[i])
		if err != nil {
			s.logger.Warn("skipping corrupt checkpoint row",
				zap.String("checkpoint_id", recs[i].CheckpointID), zap.Error(err))
			continue
		}
		results = append(results, cp)
	}
	return results, nil
}

func (s *DBStore) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("checkpoint_id = ?", id).Delete(&checkpointRecord{})
	if res.Error != nil {
		return false, types.NewError(types.ErrCheckpointIO, "failed to delete checkpoint").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *DBStore) Cleanup(ctx context.Context, opts CleanupOptions) (int, error) {
	deleted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&checkpointRecord{}).Select("checkpoint_id", "execution_id", "timestamp")
		if opts.ExecutionID != "" {
			q = q.Where("execution_id = ?", opts.ExecutionID)
		}
		var rows []checkpointRecord
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		entries := make([]entry, 0, len(rows))
		for _, r := range rows {
			entries = append(entries, entry{id: r.CheckpointID, executionID: r.ExecutionID, timestamp: r.Timestamp})
		}
		victims := selectVictims(entries, opts)
		if len(victims) == 0 {
			return nil
		}
		res := tx.Where("checkpoint_id IN ?", victims).Delete(&checkpointRecord{})
		if res.Error != nil {
			return res.Error
		}
		deleted = int(res.RowsAffected)
		return nil
	})
	if err != nil {
		return 0, types.NewError(types.ErrCheckpointIO, "failed to clean up checkpoints").WithCause(err)
	}
	return deleted, nil
}

// Close releases the connection only when the store opened it.
func (s *DBStore) Close() error {
	if !s.owned {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRecord(cp *Checkpoint) (*checkpointRecord, error) {
	rec := &checkpointRecord{
		CheckpointID: cp.CheckpointID,
		ExecutionID:  cp.ExecutionID,
		Timestamp:    cp.Timestamp,
		Status:       string(cp.Status),
		CurrentNode:  cp.CurrentNode,
		Error:        cp.Error,
	}
	fields := []struct {
		dst *string
		src any
	}{
		{&rec.CompletedNodes, cp.CompletedNodes},
		{&rec.PendingNodes, cp.PendingNodes},
		{&rec.WorkflowState, cp.WorkflowState},
		{&rec.TaskResults, cp.TaskResults},
		{&rec.Metadata, cp.Metadata},
	}
	for _, f := range fields {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, types.NewError(types.ErrCheckpointIO, "failed to encode checkpoint").WithCause(err)
		}
		*f.dst = string(data)
	}
	return rec, nil
}

func fromRecord(rec *checkpointRecord) (*Checkpoint, error) {
	cp := &Checkpoint{
		CheckpointID: rec.CheckpointID,
		ExecutionID:  rec.ExecutionID,
		Timestamp:    rec.Timestamp,
		Status:       Status(rec.Status),
		CurrentNode:  rec.CurrentNode,
		Error:        rec.Error,
	}
	fields := []struct {
		src string
		dst any
	}{
		{rec.CompletedNodes, &cp.CompletedNodes},
		{rec.PendingNodes, &cp.PendingNodes},
		{rec.WorkflowState, &cp.WorkflowState},
		{rec.TaskResults, &cp.TaskResults},
		{rec.Metadata, &cp.Metadata},
	}
	for _, f := range fields {
		if f.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, types.NewError(types.ErrCheckpointIO, "failed to decode checkpoint").WithCause(err)
		}
	}
	return cp, nil
}
