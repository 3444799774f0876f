// Package config loads the service configuration for the query-answering
// server. Settings come from an optional YAML file overlaid with DELPHI_*
// environment variables, so deployments can ship a base file and tune
// individual knobs per environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// NATSConfig holds the messaging settings.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Stream   string `yaml:"stream"`
	Consumer string `yaml:"consumer"`
}

// EngineConfig holds the per-run workflow settings.
type EngineConfig struct {
	TopK           int           `yaml:"top_k"`
	TopN           int           `yaml:"top_n"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// RunnerConfig holds the worker-pool settings.
type RunnerConfig struct {
	BatchSize  int `yaml:"batch_size"`
	NumWorkers int `yaml:"num_workers"`
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Environment  string  `yaml:"environment"`
	SampleRatio  float64 `yaml:"sample_ratio"`
}

// StorageConfig holds the blob storage settings for run artifacts.
type StorageConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ConnectionString string `yaml:"connection_string,omitempty"`
	Container        string `yaml:"container"`
}

// Config is the full service configuration.
type Config struct {
	NATS      NATSConfig    `yaml:"nats"`
	Engine    EngineConfig  `yaml:"engine"`
	Runner    RunnerConfig  `yaml:"runner"`
	Tracing   TracingConfig `yaml:"tracing"`
	Storage   StorageConfig `yaml:"storage"`
	SentryDSN string        `yaml:"sentry_dsn,omitempty"`
	LogLevel  string        `yaml:"log_level"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		NATS: NATSConfig{
			URL:      "nats://localhost:4222",
			Stream:   "QUERIES",
			Consumer: "delphi-workers",
		},
		Engine: EngineConfig{
			TopK:       50,
			TopN:       20,
			RunTimeout: 120 * time.Second,
		},
		Runner: RunnerConfig{
			BatchSize:  10,
			NumWorkers: 4,
		},
		Tracing: TracingConfig{
			OTLPEndpoint: "localhost:4318",
			Environment:  "development",
			SampleRatio:  1.0,
		},
		Storage: StorageConfig{
			Container: "delphi-runs",
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// DELPHI_* environment variables, in increasing order of precedence. An empty
// path skips the file layer.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url cannot be empty")
	}
	if c.NATS.Stream == "" {
		return fmt.Errorf("config: nats.stream cannot be empty")
	}
	if c.NATS.Consumer == "" {
		return fmt.Errorf("config: nats.consumer cannot be empty")
	}
	if c.Engine.TopK <= 0 {
		return fmt.Errorf("config: engine.top_k must be greater than 0")
	}
	if c.Engine.TopN <= 0 {
		return fmt.Errorf("config: engine.top_n must be greater than 0")
	}
	if c.Engine.TopN > c.Engine.TopK {
		return fmt.Errorf("config: engine.top_n cannot exceed engine.top_k")
	}
	if c.Engine.RunTimeout <= 0 {
		return fmt.Errorf("config: engine.run_timeout must be positive")
	}
	if c.Runner.BatchSize <= 0 {
		return fmt.Errorf("config: runner.batch_size must be greater than 0")
	}
	if c.Runner.NumWorkers <= 0 {
		return fmt.Errorf("config: runner.num_workers must be greater than 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio must be in [0,1]")
	}
	if c.Storage.Enabled && c.Storage.ConnectionString == "" {
		return fmt.Errorf("config: storage.connection_string required when storage is enabled")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.NATS.URL, "DELPHI_NATS_URL")
	setString(&cfg.NATS.Token, "DELPHI_NATS_TOKEN")
	setString(&cfg.NATS.Username, "DELPHI_NATS_USERNAME")
	setString(&cfg.NATS.Password, "DELPHI_NATS_PASSWORD")
	setString(&cfg.NATS.Stream, "DELPHI_NATS_STREAM")
	setString(&cfg.NATS.Consumer, "DELPHI_NATS_CONSUMER")

	setInt(&cfg.Engine.TopK, "DELPHI_TOP_K")
	setInt(&cfg.Engine.TopN, "DELPHI_TOP_N")
	setDuration(&cfg.Engine.RunTimeout, "DELPHI_RUN_TIMEOUT")
	setInt(&cfg.Engine.MaxConcurrency, "DELPHI_MAX_CONCURRENT_RETRIEVALS")

	setInt(&cfg.Runner.BatchSize, "DELPHI_BATCH_SIZE")
	setInt(&cfg.Runner.NumWorkers, "DELPHI_RUNNER_WORKERS")

	setBool(&cfg.Tracing.Enabled, "DELPHI_TRACING_ENABLED")
	setString(&cfg.Tracing.OTLPEndpoint, "DELPHI_OTLP_ENDPOINT")
	setString(&cfg.Tracing.Environment, "DELPHI_ENVIRONMENT")
	setFloat(&cfg.Tracing.SampleRatio, "DELPHI_TRACE_SAMPLE_RATIO")

	setBool(&cfg.Storage.Enabled, "DELPHI_STORAGE_ENABLED")
	setString(&cfg.Storage.ConnectionString, "DELPHI_STORAGE_CONNECTION_STRING")
	setString(&cfg.Storage.Container, "DELPHI_STORAGE_CONTAINER")

	setString(&cfg.SentryDSN, "DELPHI_SENTRY_DSN")
	setString(&cfg.LogLevel, "DELPHI_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = parsed
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			*dst = parsed
		}
	}
}
