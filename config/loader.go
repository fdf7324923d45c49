package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moltenlabs/cabal/agent"
	"github.com/moltenlabs/cabal/agent/persistence"
	"github.com/moltenlabs/cabal/internal/server"
	"github.com/moltenlabs/cabal/internal/telemetry"
)

// DefaultEnvPrefix prefixes every environment override, for example
// CABAL_ORCHESTRATOR_MAX_DEPTH.
const DefaultEnvPrefix = "CABAL"

// =============================================================================
// 🎯 Configuration
// =============================================================================

// Config is the complete cabal configuration.
type Config struct {
	Orchestrator OrchestratorConfig      `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Persistence  persistence.StoreConfig `yaml:"persistence" env:"PERSISTENCE"`
	Log          LogConfig               `yaml:"log" env:"LOG"`
	Telemetry    telemetry.Config        `yaml:"telemetry" env:"TELEMETRY"`
	Metrics      MetricsConfig           `yaml:"metrics" env:"METRICS"`
}

// OrchestratorConfig holds the supervision limits of one run.
type OrchestratorConfig struct {
	MaxDepth    int           `yaml:"max_depth" env:"MAX_DEPTH"`
	MaxFanout   int           `yaml:"max_fanout" env:"MAX_FANOUT"`
	MaxAgents   int           `yaml:"max_agents" env:"MAX_AGENTS"`
	QueueDepth  int           `yaml:"queue_depth" env:"QUEUE_DEPTH"`
	GracePeriod time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	// FailurePolicy is "degrade" or "abort".
	FailurePolicy string  `yaml:"failure_policy" env:"FAILURE_POLICY"`
	SpawnRate     float64 `yaml:"spawn_rate" env:"SPAWN_RATE"`
	SpawnBurst    int     `yaml:"spawn_burst" env:"SPAWN_BURST"`

	CheckpointWorkers int           `yaml:"checkpoint_workers" env:"CHECKPOINT_WORKERS"`
	CheckpointQueue   int           `yaml:"checkpoint_queue" env:"CHECKPOINT_QUEUE"`
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout" env:"CHECKPOINT_TIMEOUT"`
}

// AgentConfig converts to the runtime configuration.
func (c OrchestratorConfig) AgentConfig() agent.Config {
	return agent.Config{
		MaxDepth:          c.MaxDepth,
		MaxFanout:         c.MaxFanout,
		MaxAgents:         c.MaxAgents,
		QueueDepth:        c.QueueDepth,
		GracePeriod:       c.GracePeriod,
		FailurePolicy:     agent.FailurePolicy(c.FailurePolicy),
		SpawnRate:         c.SpawnRate,
		SpawnBurst:        c.SpawnBurst,
		CheckpointWorkers: c.CheckpointWorkers,
		CheckpointQueue:   c.CheckpointQueue,
		CheckpointTimeout: c.CheckpointTimeout,
	}
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// MetricsConfig controls the Prometheus collector and its endpoint.
type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Namespace string        `yaml:"namespace" env:"NAMESPACE"`
	Server    server.Config `yaml:"server" env:"SERVER"`
}

// =============================================================================
// 🔧 Loader
// =============================================================================

// Loader builds a Config from defaults, a YAML file and the environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the CABAL prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  DefaultEnvPrefix,
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

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load applies defaults, then the file, then the environment, then the
// validators.
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

// setFieldsFromEnv walks fields with an env tag, recursing into structs.
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

		envValue := os.Getenv(envKey)
		if envValue == "" {
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

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

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
		// Comma separated string slices.
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
// 🔍 Helpers
// =============================================================================

// MustLoad loads path or panics. Only for process start-up.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Orchestrator.AgentConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	if c.Orchestrator.CheckpointTimeout <= 0 {
		errs = append(errs, errors.New("orchestrator: checkpoint_timeout must be positive"))
	}

	if !c.Persistence.Type.IsValid() {
		errs = append(errs, fmt.Errorf("persistence: unknown type %q", c.Persistence.Type))
	}
	switch c.Persistence.Type {
	case persistence.StoreTypeFile:
		if c.Persistence.BaseDir == "" {
			errs = append(errs, errors.New("persistence: base_dir is required for the file store"))
		}
	case persistence.StoreTypeRedis:
		if c.Persistence.Redis.Addr == "" {
			errs = append(errs, errors.New("persistence: redis.addr is required for the redis store"))
		}
	case persistence.StoreTypeSQL:
		if err := c.Persistence.SQL.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("persistence: %w", err))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	if c.Metrics.Enabled && c.Metrics.Server.Addr == "" {
		errs = append(errs, errors.New("metrics: server.addr is required when enabled"))
	}

	return errors.Join(errs...)
}
