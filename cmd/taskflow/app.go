package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/taskflow/checkpoint"
	"github.com/BaSui01/taskflow/config"
	"github.com/BaSui01/taskflow/coordinator"
	"github.com/BaSui01/taskflow/injection"
	"github.com/BaSui01/taskflow/internal/metrics"
	"github.com/BaSui01/taskflow/internal/server"
	"github.com/BaSui01/taskflow/internal/telemetry"
	"github.com/BaSui01/taskflow/scheduler"
	"github.com/BaSui01/taskflow/workflow"
)

// app is the wired runtime shared by the run and resume commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	coord     *coordinator.Coordinator
	collector *metrics.Collector
	providers *telemetry.Providers
	metricSrv *server.Manager
	closers   []io.Closer
}

type workerSettings struct {
	concurrency int
	logger      *zap.Logger
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	return loader.Load()
}

func newApp(ctx context.Context, configPath string, logger *zap.Logger) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = initLogger(cfg.Log)
	}

	a := &app{cfg: cfg, logger: logger}

	a.providers, err = telemetry.Init(cfg, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	a.collector = metrics.NewCollector(cfg.Metrics.Namespace, nil, logger)
	if cfg.Metrics.Addr != "" {
		a.metricSrv = server.NewManager(a.collector.Handler(), server.DefaultConfig(cfg.Metrics.Addr), logger)
		if err := a.metricSrv.Start(); err != nil {
			a.close()
			return nil, err
		}
	}

	store, closer, err := openStore(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closer)

	pool, err := newWorkerPool(workerSettings{concurrency: cfg.Scheduler.MaxConcurrency, logger: logger})
	if err != nil {
		store.Close()
		a.close()
		return nil, err
	}

	a.coord, err = coordinator.New(coordinator.Options{
		Pool:     pool,
		Injector: injection.NewInjector(logger),
		Store:    store,
		Checkpoint: checkpoint.ManagerConfig{
			Interval:       cfg.Checkpoint.Interval,
			RequireDurable: cfg.Checkpoint.RequireDurable,
		},
		Executor: scheduler.ExecutorConfig{
			MaxConcurrency: cfg.Scheduler.MaxConcurrency,
			TaskTimeout:    cfg.Scheduler.TaskTimeout,
			MaxRetries:     cfg.Scheduler.MaxRetries,
			RetryBackoff:   cfg.Scheduler.RetryBackoff,
		},
		Scheduler: scheduler.Config{RunTimeout: cfg.Scheduler.RunTimeout},
		Workflow: workflow.Config{
			MaxLoopIterations: cfg.Workflow.MaxLoopIterations,
			RunTimeout:        cfg.Workflow.RunTimeout,
		},
		HistorySize: cfg.Workflow.HistorySize,
		Metrics:     a.collector,
		Tracers:     a.providers,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		a.close()
		return nil, err
	}
	return a, nil
}

// prune applies checkpoint.keep_latest to one execution.
func (a *app) prune(ctx context.Context, executionID string) {
	keep := a.cfg.Checkpoint.KeepLatest
	if keep <= 0 || a.coord.Checkpoints() == nil {
		return
	}
	n, err := a.coord.Checkpoints().Cleanup(ctx, checkpoint.CleanupOptions{
		ExecutionID: executionID,
		KeepLatest:  keep,
	})
	if err != nil {
		a.logger.Warn("checkpoint cleanup failed", zap.String("execution_id", executionID), zap.Error(err))
		return
	}
	if n > 0 {
		a.logger.Debug("pruned checkpoints", zap.String("execution_id", executionID), zap.Int("deleted", n))
	}
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.coord != nil {
		if err := a.coord.Close(); err != nil {
			a.logger.Warn("failed to close checkpoint store", zap.Error(err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("failed to close connection", zap.Error(err))
		}
	}
	if a.metricSrv != nil {
		_ = a.metricSrv.Shutdown(ctx)
	}
	if err := a.providers.Shutdown(ctx); err != nil {
		a.logger.Debug("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

// varFlags collects repeated --var key=value flags. Values are decoded as
// YAML scalars so numbers and booleans keep their type.
type varFlags map[string]any

func (v varFlags) String() string {
	parts := make([]string, 0, len(v))
	for k, val := range v {
		parts = append(parts, fmt.Sprintf("%s=%v", k, val))
	}
	return strings.Join(parts, ",")
}

func (v varFlags) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
		value = raw
	}
	v[key] = value
	return nil
}

// parseFlags parses fs and reports usage errors as errUsage.
func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
