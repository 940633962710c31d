// =============================================================================
// TaskFlow configuration loader
// =============================================================================
// Configuration is resolved in three layers:
//   defaults -> YAML file -> environment variables
//
// Usage:
//   cfg, err := config.NewLoader().
//       WithConfigPath("taskflow.yaml").
//       WithEnvPrefix("TASKFLOW").
//       Load()
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration structs
// =============================================================================

// Config is the complete TaskFlow configuration.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler" env:"SCHEDULER"`
	Workflow   WorkflowConfig   `yaml:"workflow" env:"WORKFLOW"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Database   DatabaseConfig   `yaml:"database" env:"DATABASE"`
	Redis      RedisConfig      `yaml:"redis" env:"REDIS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" env:"TELEMETRY"`
	Metrics    MetricsConfig    `yaml:"metrics" env:"METRICS"`
}

// SchedulerConfig controls task-list execution.
type SchedulerConfig struct {
	// MaxConcurrency bounds tasks in flight per batch; 0 is unbounded.
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// DefaultMode is used when a task file does not name one: parallel, serial or auto.
	DefaultMode string `yaml:"default_mode" env:"DEFAULT_MODE"`
	// TaskTimeout applies to tasks without a "timeout" metadata entry.
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// RunTimeout aborts a whole run; 0 disables it.
	RunTimeout   time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
}

// WorkflowConfig holds engine-wide workflow defaults.
type WorkflowConfig struct {
	MaxLoopIterations int           `yaml:"max_loop_iterations" env:"MAX_LOOP_ITERATIONS"`
	RunTimeout        time.Duration `yaml:"run_timeout" env:"RUN_TIMEOUT"`
	// HistorySize is the number of finished runs kept in memory.
	HistorySize int `yaml:"history_size" env:"HISTORY_SIZE"`
}

// CheckpointConfig selects and tunes the checkpoint backend.
type CheckpointConfig struct {
	// Backend is one of memory, file, sqlite, postgres, mysql or redis.
	Backend string `yaml:"backend" env:"BACKEND"`
	// Dir is the file backend directory or the sqlite database path.
	Dir            string        `yaml:"dir" env:"DIR"`
	Interval       time.Duration `yaml:"interval" env:"INTERVAL"`
	KeepLatest     int           `yaml:"keep_latest" env:"KEEP_LATEST"`
	RequireDurable bool          `yaml:"require_durable" env:"REQUIRE_DURABLE"`
	// KeyPrefix namespaces redis keys.
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// TTL expires redis checkpoints; 0 keeps them forever.
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// RedisConfig Redis connection settings.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig SQL database connection settings.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LogConfig logger settings.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"` // json, console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig OpenTelemetry tracing settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// TracerPrefix names instrumentation scopes as <prefix>/scheduler and
	// <prefix>/workflow.
	TracerPrefix string `yaml:"tracer_prefix" env:"TRACER_PREFIX"`
	// Environment is exported as the deployment.environment resource attribute.
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
}

// MetricsConfig Prometheus exposition settings.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr      string `yaml:"addr" env:"ADDR"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// =============================================================================
// Loader
// =============================================================================

// Loader builds a Config from defaults, a YAML file and the environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the TASKFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "TASKFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML file to read. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a validator that runs after Validate.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks struct fields by their env tags, e.g.
// TASKFLOW_CHECKPOINT_BACKEND.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// Helpers
// =============================================================================

// MustLoad loads the configuration and panics on failure.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

var (
	validModes    = []string{"parallel", "serial", "auto"}
	validBackends = []string{"memory", "file", "sqlite", "postgres", "mysql", "redis"}
	validLevels   = []string{"debug", "info", "warn", "error"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Scheduler.MaxConcurrency < 0 {
		errs = append(errs, "scheduler.max_concurrency must not be negative")
	}
	if !oneOf(c.Scheduler.DefaultMode, validModes) {
		errs = append(errs, fmt.Sprintf("scheduler.default_mode %q must be one of %s", c.Scheduler.DefaultMode, strings.Join(validModes, ", ")))
	}
	if c.Scheduler.TaskTimeout < 0 || c.Scheduler.RunTimeout < 0 {
		errs = append(errs, "scheduler timeouts must not be negative")
	}
	if c.Scheduler.MaxRetries < 0 {
		errs = append(errs, "scheduler.max_retries must not be negative")
	}
	if c.Workflow.MaxLoopIterations <= 0 {
		errs = append(errs, "workflow.max_loop_iterations must be positive")
	}
	if c.Workflow.RunTimeout < 0 {
		errs = append(errs, "workflow.run_timeout must not be negative")
	}
	if !oneOf(c.Checkpoint.Backend, validBackends) {
		errs = append(errs, fmt.Sprintf("checkpoint.backend %q must be one of %s", c.Checkpoint.Backend, strings.Join(validBackends, ", ")))
	}
	if (c.Checkpoint.Backend == "file" || c.Checkpoint.Backend == "sqlite") && c.Checkpoint.Dir == "" {
		errs = append(errs, "checkpoint.dir is required for the "+c.Checkpoint.Backend+" backend")
	}
	if c.Checkpoint.Interval < 0 {
		errs = append(errs, "checkpoint.interval must not be negative")
	}
	if c.Checkpoint.KeepLatest < 0 {
		errs = append(errs, "checkpoint.keep_latest must not be negative")
	}
	if !oneOf(c.Log.Level, validLevels) {
		errs = append(errs, fmt.Sprintf("log.level %q is unknown", c.Log.Level))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry.sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the driver-specific connection string.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
