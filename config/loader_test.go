package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Loader
// =============================================================================

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "auto", cfg.Scheduler.DefaultMode)
	assert.Equal(t, 100, cfg.Workflow.MaxLoopIterations)
	assert.Equal(t, "file", cfg.Checkpoint.Backend)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  max_concurrency: 4
  default_mode: serial
  task_timeout: 30s
  max_retries: 2
workflow:
  max_loop_iterations: 7
  run_timeout: 1m
checkpoint:
  backend: redis
  interval: 0s
  keep_latest: 3
  require_durable: true
redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1
log:
  level: debug
  format: json
metrics:
  addr: ":9091"
`)

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, "serial", cfg.Scheduler.DefaultMode)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 2, cfg.Scheduler.MaxRetries)
	// untouched keys keep their defaults
	assert.Equal(t, 100*time.Millisecond, cfg.Scheduler.RetryBackoff)

	assert.Equal(t, 7, cfg.Workflow.MaxLoopIterations)
	assert.Equal(t, time.Minute, cfg.Workflow.RunTimeout)

	assert.Equal(t, "redis", cfg.Checkpoint.Backend)
	assert.Zero(t, cfg.Checkpoint.Interval)
	assert.Equal(t, 3, cfg.Checkpoint.KeepLatest)
	assert.True(t, cfg.Checkpoint.RequireDurable)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9091", cfg.Metrics.Addr)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("TASKFLOW_SCHEDULER_MAX_CONCURRENCY", "3")
	t.Setenv("TASKFLOW_SCHEDULER_RUN_TIMEOUT", "90s")
	t.Setenv("TASKFLOW_WORKFLOW_MAX_LOOP_ITERATIONS", "12")
	t.Setenv("TASKFLOW_CHECKPOINT_BACKEND", "memory")
	t.Setenv("TASKFLOW_CHECKPOINT_REQUIRE_DURABLE", "true")
	t.Setenv("TASKFLOW_TELEMETRY_SAMPLE_RATE", "0.5")
	t.Setenv("TASKFLOW_TELEMETRY_ENVIRONMENT", "staging")
	t.Setenv("TASKFLOW_LOG_OUTPUT_PATHS", "stdout, /tmp/taskflow.log")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.RunTimeout)
	assert.Equal(t, 12, cfg.Workflow.MaxLoopIterations)
	assert.Equal(t, "memory", cfg.Checkpoint.Backend)
	assert.True(t, cfg.Checkpoint.RequireDurable)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRate, 1e-9)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.Equal(t, []string{"stdout", "/tmp/taskflow.log"}, cfg.Log.OutputPaths)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
checkpoint:
  backend: sqlite
  dir: /var/lib/taskflow/checkpoints.db
  keep_latest: 4
`)
	t.Setenv("TASKFLOW_CHECKPOINT_KEEP_LATEST", "9")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Checkpoint.KeepLatest)
	assert.Equal(t, "sqlite", cfg.Checkpoint.Backend)
	assert.Equal(t, "/var/lib/taskflow/checkpoints.db", cfg.Checkpoint.Dir)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SCHEDULER_DEFAULT_MODE", "parallel")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, "parallel", cfg.Scheduler.DefaultMode)
}

func TestLoader_BadEnvValue(t *testing.T) {
	t.Setenv("TASKFLOW_SCHEDULER_TASK_TIMEOUT", "soon")

	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TASKFLOW_SCHEDULER_TASK_TIMEOUT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("TASKFLOW_CHECKPOINT_BACKEND", "memory")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Checkpoint.Backend == "memory" {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoader_ValidateRunsOnLoad(t *testing.T) {
	path := writeConfig(t, `
checkpoint:
  backend: cassandra
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint.backend")
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/taskflow.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_InvalidYAML(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  max_concurrency: [invalid
`)
	_, err := NewLoader().WithConfigPath(path).Load()
	assert.Error(t, err)
}

// =============================================================================
// Validate
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid default config", modify: func(*Config) {}},
		{
			name:    "negative concurrency",
			modify:  func(c *Config) { c.Scheduler.MaxConcurrency = -1 },
			wantErr: "max_concurrency",
		},
		{
			name:    "unknown mode",
			modify:  func(c *Config) { c.Scheduler.DefaultMode = "eventually" },
			wantErr: "default_mode",
		},
		{
			name:    "mode is case insensitive",
			modify:  func(c *Config) { c.Scheduler.DefaultMode = "PARALLEL" },
		},
		{
			name:    "loop ceiling must be positive",
			modify:  func(c *Config) { c.Workflow.MaxLoopIterations = 0 },
			wantErr: "max_loop_iterations",
		},
		{
			name: "file backend needs a directory",
			modify: func(c *Config) {
				c.Checkpoint.Backend = "file"
				c.Checkpoint.Dir = ""
			},
			wantErr: "checkpoint.dir",
		},
		{
			name: "memory backend needs no directory",
			modify: func(c *Config) {
				c.Checkpoint.Backend = "memory"
				c.Checkpoint.Dir = ""
			},
		},
		{
			name:    "negative keep_latest",
			modify:  func(c *Config) { c.Checkpoint.KeepLatest = -2 },
			wantErr: "keep_latest",
		},
		{
			name:    "sample rate above one",
			modify:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: "log.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateReportsAllErrors(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Scheduler.MaxRetries = -1
	cfg.Workflow.RunTimeout = -time.Second

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_retries")
	assert.Contains(t, err.Error(), "workflow.run_timeout")
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		config   DatabaseConfig
		expected string
	}{
		{
			name: "postgres DSN",
			config: DatabaseConfig{
				Driver: "postgres", Host: "localhost", Port: 5432,
				User: "user", Password: "pass", Name: "dbname", SSLMode: "disable",
			},
			expected: "host=localhost port=5432 user=user password=pass dbname=dbname sslmode=disable",
		},
		{
			name: "mysql DSN",
			config: DatabaseConfig{
				Driver: "mysql", Host: "localhost", Port: 3306,
				User: "user", Password: "pass", Name: "dbname",
			},
			expected: "user:pass@tcp(localhost:3306)/dbname?parseTime=true",
		},
		{
			name:     "sqlite DSN",
			config:   DatabaseConfig{Driver: "sqlite", Name: "/path/to/db.sqlite"},
			expected: "/path/to/db.sqlite",
		},
		{
			name:     "unknown driver",
			config:   DatabaseConfig{Driver: "unknown"},
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.config.DSN())
		})
	}
}

func TestMustLoad(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  default_mode: serial\n")
	cfg := MustLoad(path)
	assert.Equal(t, "serial", cfg.Scheduler.DefaultMode)

	bad := writeConfig(t, "workflow:\n  max_loop_iterations: -1\n")
	assert.Panics(t, func() { MustLoad(bad) })
}
