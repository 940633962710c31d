package migration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/database"
)

// Open connects to the database described by dbCfg and returns a migrator
// that owns the connection.
func Open(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	dialect, err := ParseDialect(dbCfg.Driver)
	if err != nil {
		return nil, err
	}
	dbCfg.Driver = string(dialect)
	// golang-migrate holds one connection for the lock and one for statements.
	dbCfg.MaxOpenConns = 2
	dbCfg.MaxIdleConns = 1

	pool, err := database.Open(dbCfg, logger)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect %s database: %w", dialect, err)
	}
	sqlDB, err := pool.DB().DB()
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	m, err := New(sqlDB, Config{Dialect: dialect}, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	m.closer = pool
	return m, nil
}

// Apply brings the checkpoint schema of dbCfg up to date and returns the
// resulting version.
func Apply(ctx context.Context, dbCfg config.DatabaseConfig, logger *zap.Logger) (uint, error) {
	m, err := Open(ctx, dbCfg, logger)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	if err := m.Up(ctx); err != nil {
		return 0, err
	}
	version, _, err := m.Version(ctx)
	return version, err
}
