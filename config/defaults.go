// =============================================================================
// TaskFlow default configuration
// =============================================================================
package config

import "time"

// DefaultConfig returns the defaults every loaded Config starts from.
func DefaultConfig() *Config {
	return &Config{
		Scheduler:  DefaultSchedulerConfig(),
		Workflow:   DefaultWorkflowConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Database:   DefaultDatabaseConfig(),
		Redis:      DefaultRedisConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
	}
}

// DefaultSchedulerConfig returns the scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrency: 10,
		DefaultMode:    "auto",
		TaskTimeout:    0,
		RunTimeout:     0,
		MaxRetries:     0,
		RetryBackoff:   100 * time.Millisecond,
	}
}

// DefaultWorkflowConfig returns the workflow engine defaults.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		MaxLoopIterations: 100,
		RunTimeout:        0,
		HistorySize:       100,
	}
}

// DefaultCheckpointConfig returns the checkpoint defaults.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:    "file",
		Dir:        ".taskflow/checkpoints",
		Interval:   5 * time.Second,
		KeepLatest: 10,
		KeyPrefix:  "taskflow:checkpoint",
	}
}

// DefaultRedisConfig returns the Redis defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig returns the SQL database defaults.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "taskflow",
		Password:        "",
		Name:            "taskflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig returns the logger defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     false,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the tracing defaults.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskflow",
		SampleRate:   0.1,
		TracerPrefix: "taskflow",
	}
}

// DefaultMetricsConfig returns the metrics defaults. The endpoint is off.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Addr:      "",
		Namespace: "taskflow",
	}
}
