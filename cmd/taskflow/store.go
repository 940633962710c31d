package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/internal/database"
	"github.com/BaSui01/taskflow/internal/migration"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

// openStore builds the configured checkpoint backend. The returned closer
// releases connections the store does not own.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (checkpoint.Store, io.Closer, error) {
	cp := cfg.Checkpoint
	switch strings.ToLower(cp.Backend) {
	case "memory":
		return checkpoint.NewMemoryStore(), nopCloser, nil

	case "file":
		store, err := checkpoint.NewFileStore(cp.Dir, logger)
		return store, nopCloser, err

	case "sqlite":
		store, err := checkpoint.NewSQLiteStore(cp.Dir, logger)
		return store, nopCloser, err

	case "postgres", "mysql":
		dbCfg := cfg.Database
		dbCfg.Driver = strings.ToLower(cp.Backend)
		version, err := migration.Apply(ctx, dbCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("migrate %s checkpoint schema: %w", dbCfg.Driver, err)
		}
		logger.Debug("checkpoint schema ready", zap.String("driver", dbCfg.Driver), zap.Uint("version", version))
		pool, err := database.Open(dbCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect %s checkpoint database: %w", dbCfg.Driver, err)
		}
		store, err := checkpoint.NewDBStore(pool.DB(), logger, checkpoint.WithExternalSchema())
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
		return checkpoint.NewRedisStore(client, cp.KeyPrefix, cp.TTL, logger), client, nil

	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cp.Backend)
	}
}
