// Copyright 2025 James Ross

// Package config loads process-wide configuration from a YAML file with
// environment-variable overrides, the way the teacher's own config
// package does for its worker/producer/Redis settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/doublewordai/batcherd/internal/daemon"
)

// Redis configures the optional distributed status-update relay; it is
// not the system of record (Storage is), so it goes entirely unused
// when StatusBus.RedisRelayEnabled is false.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Storage selects and configures the durable backend.
type Storage struct {
	// Backend is one of "memory", "postgres", "sqlite".
	Backend             string `mapstructure:"backend"`
	PostgresDSN         string `mapstructure:"postgres_dsn"`
	SQLitePath          string `mapstructure:"sqlite_path"`
	UpdateBusBufferSize int    `mapstructure:"update_bus_buffer_size"`
}

// Daemon mirrors internal/daemon.Config's fields, using millisecond
// units for YAML/env ergonomics the way the teacher's Worker config does.
type Daemon struct {
	ClaimBatchSize          int            `mapstructure:"claim_batch_size"`
	DefaultModelConcurrency int            `mapstructure:"default_model_concurrency"`
	ModelConcurrencyLimits  map[string]int `mapstructure:"model_concurrency_limits"`
	ClaimIntervalMS         int            `mapstructure:"claim_interval_ms"`
	MaxRetries              uint32         `mapstructure:"max_retries"`
	BackoffMS               uint64         `mapstructure:"backoff_ms"`
	BackoffFactor           uint64         `mapstructure:"backoff_factor"`
	MaxBackoffMS            uint64         `mapstructure:"max_backoff_ms"`
	TimeoutMS               int            `mapstructure:"timeout_ms"`
	LeaseTTL                time.Duration  `mapstructure:"lease_ttl"`
	StatusLogIntervalMS     int            `mapstructure:"status_log_interval_ms"`
}

// ToDaemonConfig converts the YAML-shaped Daemon config into
// internal/daemon.Config.
func (d Daemon) ToDaemonConfig() daemon.Config {
	return daemon.Config{
		ClaimBatchSize:          d.ClaimBatchSize,
		DefaultModelConcurrency: d.DefaultModelConcurrency,
		ModelConcurrencyLimits:  d.ModelConcurrencyLimits,
		ClaimInterval:           time.Duration(d.ClaimIntervalMS) * time.Millisecond,
		MaxRetries:              d.MaxRetries,
		BackoffMS:               d.BackoffMS,
		BackoffFactor:           d.BackoffFactor,
		MaxBackoffMS:            d.MaxBackoffMS,
		Timeout:                 time.Duration(d.TimeoutMS) * time.Millisecond,
		LeaseTTL:                d.LeaseTTL,
		StatusLogInterval:       time.Duration(d.StatusLogIntervalMS) * time.Millisecond,
	}
}

// Submitter configures the directory-watch batch-file ingestion path.
type Submitter struct {
	ScanDir         string        `mapstructure:"scan_dir"`
	IncludeGlobs    []string      `mapstructure:"include_globs"`
	ExcludeGlobs    []string      `mapstructure:"exclude_globs"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
}

// CircuitBreaker configures the per-endpoint breaker wrapping the HTTP
// client, unchanged in shape from the teacher's own config.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Tracing configures OpenTelemetry export, unchanged in shape from the
// teacher's own config.
type Tracing struct {
	Enabled            bool              `mapstructure:"enabled"`
	Endpoint           string            `mapstructure:"endpoint"`
	Environment        string            `mapstructure:"environment"`
	SamplingStrategy   string            `mapstructure:"sampling_strategy"`
	SamplingRate       float64           `mapstructure:"sampling_rate"`
	BatchTimeout       time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize int               `mapstructure:"max_export_batch_size"`
	Headers            map[string]string `mapstructure:"headers"`
	Insecure           bool              `mapstructure:"insecure"`
}

// Observability configures the metrics/health HTTP server and logging.
type Observability struct {
	MetricsPort          int           `mapstructure:"metrics_port"`
	LogLevel             string        `mapstructure:"log_level"`
	Tracing              Tracing       `mapstructure:"tracing"`
	StatusSampleInterval time.Duration `mapstructure:"status_sample_interval"`
}

// StatusBus configures the in-process update bus and its optional Redis
// mirror. The Redis relay is an observability convenience, never the
// delivery guarantee itself.
type StatusBus struct {
	RedisRelayEnabled bool   `mapstructure:"redis_relay_enabled"`
	RedisChannel      string `mapstructure:"redis_channel"`
}

type Config struct {
	Storage        Storage        `mapstructure:"storage"`
	Daemon         Daemon         `mapstructure:"daemon"`
	Submitter      Submitter      `mapstructure:"submitter"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	Redis          Redis          `mapstructure:"redis"`
	StatusBus      StatusBus      `mapstructure:"status_bus"`
}

func defaultConfig() *Config {
	return &Config{
		Storage: Storage{
			Backend:             "memory",
			SQLitePath:          "./batcherd.db",
			UpdateBusBufferSize: 64,
		},
		Daemon: Daemon{
			ClaimBatchSize:          100,
			DefaultModelConcurrency: 10,
			ModelConcurrencyLimits:  map[string]int{},
			ClaimIntervalMS:         1000,
			MaxRetries:              5,
			BackoffMS:               500,
			BackoffFactor:           2,
			MaxBackoffMS:            30_000,
			TimeoutMS:               30_000,
			LeaseTTL:                5 * time.Minute,
			StatusLogIntervalMS:     2000,
		},
		Submitter: Submitter{
			ScanDir:         "./data",
			IncludeGlobs:    []string{"**/*.jsonl"},
			ExcludeGlobs:    []string{"**/*.tmp", "**/.DS_Store"},
			PollInterval:    2 * time.Second,
			RateLimitPerSec: 100,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Observability: Observability{
			MetricsPort:          9090,
			LogLevel:             "info",
			Tracing:              Tracing{Enabled: false},
			StatusSampleInterval: 2 * time.Second,
		},
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		StatusBus: StatusBus{
			RedisRelayEnabled: false,
			RedisChannel:      "batcherd:status",
		},
	}
}

// Load reads configuration from a YAML file (if present) with
// environment-variable overrides, falling back to defaultConfig()'s
// values for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BATCHERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("storage.backend", def.Storage.Backend)
	v.SetDefault("storage.postgres_dsn", def.Storage.PostgresDSN)
	v.SetDefault("storage.sqlite_path", def.Storage.SQLitePath)
	v.SetDefault("storage.update_bus_buffer_size", def.Storage.UpdateBusBufferSize)

	v.SetDefault("daemon.claim_batch_size", def.Daemon.ClaimBatchSize)
	v.SetDefault("daemon.default_model_concurrency", def.Daemon.DefaultModelConcurrency)
	v.SetDefault("daemon.model_concurrency_limits", def.Daemon.ModelConcurrencyLimits)
	v.SetDefault("daemon.claim_interval_ms", def.Daemon.ClaimIntervalMS)
	v.SetDefault("daemon.max_retries", def.Daemon.MaxRetries)
	v.SetDefault("daemon.backoff_ms", def.Daemon.BackoffMS)
	v.SetDefault("daemon.backoff_factor", def.Daemon.BackoffFactor)
	v.SetDefault("daemon.max_backoff_ms", def.Daemon.MaxBackoffMS)
	v.SetDefault("daemon.timeout_ms", def.Daemon.TimeoutMS)
	v.SetDefault("daemon.lease_ttl", def.Daemon.LeaseTTL)
	v.SetDefault("daemon.status_log_interval_ms", def.Daemon.StatusLogIntervalMS)

	v.SetDefault("submitter.scan_dir", def.Submitter.ScanDir)
	v.SetDefault("submitter.include_globs", def.Submitter.IncludeGlobs)
	v.SetDefault("submitter.exclude_globs", def.Submitter.ExcludeGlobs)
	v.SetDefault("submitter.poll_interval", def.Submitter.PollInterval)
	v.SetDefault("submitter.rate_limit_per_sec", def.Submitter.RateLimitPerSec)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.status_sample_interval", def.Observability.StatusSampleInterval)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("status_bus.redis_relay_enabled", def.StatusBus.RedisRelayEnabled)
	v.SetDefault("status_bus.redis_channel", def.StatusBus.RedisChannel)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints Load alone can't express.
func Validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "memory":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("config: storage.postgres_dsn required when storage.backend = postgres")
		}
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			return fmt.Errorf("config: storage.sqlite_path required when storage.backend = sqlite")
		}
	default:
		return fmt.Errorf("config: storage.backend must be one of memory, postgres, sqlite, got %q", cfg.Storage.Backend)
	}

	if cfg.Daemon.ClaimBatchSize < 1 {
		return fmt.Errorf("config: daemon.claim_batch_size must be >= 1")
	}
	if cfg.Daemon.ClaimIntervalMS <= 0 {
		return fmt.Errorf("config: daemon.claim_interval_ms must be > 0")
	}
	if cfg.Daemon.DefaultModelConcurrency < 1 {
		return fmt.Errorf("config: daemon.default_model_concurrency must be >= 1")
	}
	for model, limit := range cfg.Daemon.ModelConcurrencyLimits {
		if limit < 1 {
			return fmt.Errorf("config: daemon.model_concurrency_limits[%q] must be >= 1", model)
		}
	}
	if cfg.Daemon.TimeoutMS <= 0 {
		return fmt.Errorf("config: daemon.timeout_ms must be > 0")
	}
	if cfg.Daemon.LeaseTTL <= 0 {
		return fmt.Errorf("config: daemon.lease_ttl must be > 0")
	}

	if cfg.Submitter.RateLimitPerSec < 0 {
		return fmt.Errorf("config: submitter.rate_limit_per_sec must be >= 0")
	}

	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("config: observability.metrics_port must be 1..65535")
	}

	return nil
}
