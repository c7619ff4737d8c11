// Package config loads engine configuration from YAML with environment overrides.
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
)

// Version mismatch policies understood by the worker connector.
const (
	VersionPolicyReject      = "reject"
	VersionPolicyRenegotiate = "renegotiate"
	VersionPolicyWarn        = "warn"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete engine configuration.
type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Redis      RedisConfig       `yaml:"redis"`
	Postgres   PostgresConfig    `yaml:"postgres"`
	AMQP       AMQPConfig        `yaml:"amqp"`
	Engine     EngineConfig      `yaml:"engine"`
	Server     ServerConfig      `yaml:"server"`
	GRPC       GRPCConfig        `yaml:"grpc"`
	Secrets    SecretsConfig     `yaml:"secrets"`
	Workers    []WorkerConfig    `yaml:"workers"`
	Schemas    []SchemaConfig    `yaml:"schemas"`
	Transforms []TransformConfig `yaml:"transforms"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" env:"AGENTFLOW_LOG_LEVEL"`
	Format     string `yaml:"format" env:"AGENTFLOW_LOG_FORMAT"`
	Output     string `yaml:"output" env:"AGENTFLOW_LOG_OUTPUT"`
	MaxSizeMB  int    `yaml:"max_size_mb" env:"AGENTFLOW_LOG_MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" env:"AGENTFLOW_LOG_MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" env:"AGENTFLOW_LOG_MAX_AGE_DAYS"`
}

// RedisConfig selects the shared store. An empty URL keeps leases, queues and
// version records in process memory.
type RedisConfig struct {
	URL       string `yaml:"url" env:"AGENTFLOW_REDIS_URL"`
	KeyPrefix string `yaml:"key_prefix" env:"AGENTFLOW_REDIS_KEY_PREFIX"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn" env:"AGENTFLOW_POSTGRES_DSN"`
	MaxConns int32  `yaml:"max_conns" env:"AGENTFLOW_POSTGRES_MAX_CONNS"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" env:"AGENTFLOW_AMQP_URL"`
	Exchange string `yaml:"exchange" env:"AGENTFLOW_AMQP_EXCHANGE"`
}

// EngineConfig tunes the workflow executor.
type EngineConfig struct {
	LeaseTTL           time.Duration `yaml:"lease_ttl" env:"AGENTFLOW_LEASE_TTL"`
	LeaseWait          time.Duration `yaml:"lease_wait" env:"AGENTFLOW_LEASE_WAIT"`
	LeaseRetryInterval time.Duration `yaml:"lease_retry_interval" env:"AGENTFLOW_LEASE_RETRY_INTERVAL"`
	VersionPolicy      string        `yaml:"version_policy" env:"AGENTFLOW_VERSION_POLICY"`
	MailboxSize        int           `yaml:"mailbox_size" env:"AGENTFLOW_MAILBOX_SIZE"`
	RunWorkers         int           `yaml:"run_workers" env:"AGENTFLOW_RUN_WORKERS"`
	RunQueueSize       int           `yaml:"run_queue_size" env:"AGENTFLOW_RUN_QUEUE_SIZE"`
}

type ServerConfig struct {
	Address      string        `yaml:"address" env:"AGENTFLOW_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"AGENTFLOW_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"AGENTFLOW_SERVER_WRITE_TIMEOUT"`
	BodyLimit    int           `yaml:"body_limit" env:"AGENTFLOW_SERVER_BODY_LIMIT"`
	APIKey       string        `yaml:"api_key" env:"AGENTFLOW_SERVER_API_KEY"`
}

type GRPCConfig struct {
	Address string `yaml:"address" env:"AGENTFLOW_GRPC_ADDRESS"`
}

type SecretsConfig struct {
	MasterKey string `yaml:"master_key" env:"AGENTFLOW_MASTER_KEY"`
}

// WorkerConfig describes one worker profile.
type WorkerConfig struct {
	ID                 string         `yaml:"id"`
	Kind               string         `yaml:"kind"`
	APIVersion         string         `yaml:"api_version"`
	RateLimit          int            `yaml:"rate_limit"`
	RatePeriod         time.Duration  `yaml:"rate_period"`
	Burst              int            `yaml:"burst"`
	MaxConcurrent      int            `yaml:"max_concurrent"`
	RetryBudget        int            `yaml:"retry_budget"`
	Timeout            time.Duration  `yaml:"timeout"`
	InitialBackoff     time.Duration  `yaml:"initial_backoff"`
	MaxBackoff         time.Duration  `yaml:"max_backoff"`
	BackoffCoefficient float64        `yaml:"backoff_coefficient"`
	NonRetryableErrors []string       `yaml:"non_retryable_errors"`
	Specialties        []string       `yaml:"specialties"`
	CircuitBreaker     *BreakerConfig `yaml:"circuit_breaker"`
	Chaos              *ChaosConfig   `yaml:"chaos"`
	Config             map[string]any `yaml:"config"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

type ChaosConfig struct {
	FailureRate float64       `yaml:"failure_rate"`
	Latency     time.Duration `yaml:"latency"`
	Seed        int64         `yaml:"seed"`
}

// SchemaConfig registers the data schema of a worker.
type SchemaConfig struct {
	Worker          string   `yaml:"worker"`
	InputFields     []string `yaml:"input_fields"`
	OutputFragments []string `yaml:"output_fragments"`
}

// TransformConfig declares one field rule. Name selects a named rule set;
// otherwise Source and Target select a worker pair; with neither the rule
// applies to the field globally.
type TransformConfig struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"`
	Target string `yaml:"target"`
	Field  string `yaml:"field"`
	Kind   string `yaml:"kind"`
	Expr   string `yaml:"expr"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Redis: RedisConfig{
			KeyPrefix: "",
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		AMQP: AMQPConfig{
			Exchange: "agentflow.events",
		},
		Engine: EngineConfig{
			LeaseTTL:           30 * time.Second,
			LeaseWait:          10 * time.Second,
			LeaseRetryInterval: 50 * time.Millisecond,
			VersionPolicy:      VersionPolicyReject,
			MailboxSize:        256,
			RunWorkers:         4,
			RunQueueSize:       64,
		},
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			BodyLimit:    4 * 1024 * 1024,
		},
		GRPC: GRPCConfig{
			Address: ":9090",
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// AGENTFLOW_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults without touching the environment.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Engine.VersionPolicy {
	case VersionPolicyReject, VersionPolicyRenegotiate, VersionPolicyWarn:
	default:
		return fmt.Errorf("%w: unknown version_policy %q", ErrInvalidConfig, c.Engine.VersionPolicy)
	}
	if c.Engine.LeaseTTL <= 0 {
		return fmt.Errorf("%w: lease_ttl must be positive", ErrInvalidConfig)
	}
	if c.Engine.LeaseWait < 0 {
		return fmt.Errorf("%w: lease_wait must not be negative", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("%w: workers[%d]: id is required", ErrInvalidConfig, i)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("%w: duplicate worker %q", ErrInvalidConfig, w.ID)
		}
		seen[w.ID] = struct{}{}
		if w.Kind == "" {
			return fmt.Errorf("%w: worker %q: kind is required", ErrInvalidConfig, w.ID)
		}
		if w.RateLimit < 0 || w.MaxConcurrent < 0 || w.RetryBudget < 0 {
			return fmt.Errorf("%w: worker %q: limits must not be negative", ErrInvalidConfig, w.ID)
		}
		if w.Chaos != nil && (w.Chaos.FailureRate < 0 || w.Chaos.FailureRate > 1) {
			return fmt.Errorf("%w: worker %q: chaos failure_rate must be in [0,1]", ErrInvalidConfig, w.ID)
		}
	}

	for i, s := range c.Schemas {
		if s.Worker == "" {
			return fmt.Errorf("%w: schemas[%d]: worker is required", ErrInvalidConfig, i)
		}
		if _, ok := seen[s.Worker]; !ok {
			return fmt.Errorf("%w: schemas[%d]: worker %q is not configured", ErrInvalidConfig, i, s.Worker)
		}
	}

	for i, t := range c.Transforms {
		if t.Field == "" {
			return fmt.Errorf("%w: transforms[%d]: field is required", ErrInvalidConfig, i)
		}
		if (t.Source == "") != (t.Target == "") {
			return fmt.Errorf("%w: transforms[%d]: source and target must be set together", ErrInvalidConfig, i)
		}
	}
	return nil
}

func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}

		key := fieldType.Tag.Get("env")
		if key == "" {
			continue
		}
		value, ok := os.LookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
