// Package config holds the daemon configuration loaded from YAML and the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/tickpipe/config"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Feed configures the upstream connection.
	Feed FeedConfig `yaml:"feed"`

	// Buffer configures the ingestion buffer.
	Buffer BufferConfig `yaml:"buffer"`

	// Batch configures batch assembly.
	Batch BatchConfig `yaml:"batch"`

	// Store configures the analytical store and the commit path.
	Store StoreConfig `yaml:"store"`

	// DeadLetter configures where unwritable batches go.
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`

	// Backpressure configures buffer pressure levels.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Shutdown configures graceful termination.
	Shutdown ShutdownConfig `yaml:"shutdown"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// FeedConfig configures the upstream feed.
type FeedConfig struct {
	// URL is the WebSocket endpoint, ws:// or wss://.
	URL string `yaml:"url"`

	// Headers are sent with the handshake (auth tokens, api keys).
	Headers map[string]string `yaml:"headers"`

	// Subscribe is sent as a text message right after connecting.
	Subscribe string `yaml:"subscribe"`

	// Format is the message format: json, snapquote, proto.
	Format string `yaml:"format"`

	// PriceDivisor scales integer prices of the snapquote format.
	PriceDivisor float64 `yaml:"price_divisor"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`

	// StableAfter resets the reconnect backoff after this much uptime.
	StableAfter time.Duration `yaml:"stable_after"`

	// Backoff configures reconnect delays. MaxAttempts is ignored.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig configures an exponential backoff policy.
type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	Jitter      float64       `yaml:"jitter"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// BufferConfig configures the ingestion buffer.
type BufferConfig struct {
	// Capacity is the maximum number of buffered ticks.
	Capacity int `yaml:"capacity"`
}

// BatchConfig configures batch assembly.
type BatchConfig struct {
	// Size flushes a batch once it holds this many ticks.
	Size int `yaml:"size"`

	// Window flushes a batch once its first tick is this old.
	Window time.Duration `yaml:"window"`

	// HandoffCapacity is the number of batches queued for the writer.
	HandoffCapacity int `yaml:"handoff_capacity"`
}

// StoreConfig configures the analytical store.
type StoreConfig struct {
	// DSN is the DuckDB database path. Empty means in-memory.
	DSN string `yaml:"dsn"`

	// Table is the target table.
	Table string `yaml:"table"`

	// CommitTimeout bounds a single commit attempt.
	CommitTimeout time.Duration `yaml:"commit_timeout"`

	// Retry configures commit retries.
	Retry BackoffConfig `yaml:"retry"`
}

// DeadLetterConfig configures the dead-letter sink.
type DeadLetterConfig struct {
	// Kind is parquet or wal.
	Kind string `yaml:"kind"`

	// Dir is the output directory.
	Dir string `yaml:"dir"`

	// MaxBatches is the number of batches accepted before the sink is
	// considered exhausted.
	MaxBatches int `yaml:"max_batches"`
}

// BackpressureConfig configures pressure levels derived from buffer usage.
type BackpressureConfig struct {
	Enabled       bool          `yaml:"enabled"`
	CheckInterval time.Duration `yaml:"check_interval"`

	// Thresholds (0.0-1.0).
	Warning   float64 `yaml:"warning"`
	Critical  float64 `yaml:"critical"`
	Emergency float64 `yaml:"emergency"`

	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// ShutdownConfig configures graceful termination.
type ShutdownConfig struct {
	// Grace bounds the writer drain after cancellation.
	Grace time.Duration `yaml:"grace"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP listen address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file on top of the defaults.
// The result is not validated; call ApplyEnv and Validate afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Format:       config.DefaultFeedFormat,
			PriceDivisor: config.DefaultPriceDivisor,
			DialTimeout:  config.DefaultDialTimeout,
			IdleTimeout:  config.DefaultIdleTimeout,
			PingInterval: config.DefaultPingInterval,
			StableAfter:  config.DefaultStableAfter,
			Backoff: BackoffConfig{
				Base:   config.DefaultReconnectBase,
				Cap:    config.DefaultReconnectCap,
				Jitter: config.DefaultJitter,
			},
		},
		Buffer: BufferConfig{
			Capacity: config.DefaultBufferCapacity,
		},
		Batch: BatchConfig{
			Size:            config.DefaultBatchSize,
			Window:          config.DefaultBatchWindow,
			HandoffCapacity: config.DefaultHandoffCapacity,
		},
		Store: StoreConfig{
			DSN:           config.DefaultStoreDSN,
			Table:         config.DefaultTable,
			CommitTimeout: config.DefaultCommitTimeout,
			Retry: BackoffConfig{
				Base:        config.DefaultRetryBase,
				Cap:         config.DefaultRetryCap,
				Jitter:      config.DefaultJitter,
				MaxAttempts: config.DefaultMaxAttempts,
			},
		},
		DeadLetter: DeadLetterConfig{
			Kind:       config.DefaultDeadLetterKind,
			Dir:        config.DefaultDeadLetterDir,
			MaxBatches: config.DefaultDeadLetterMaxBatches,
		},
		Backpressure: BackpressureConfig{
			Enabled:       true,
			CheckInterval: config.DefaultBackpressureCheckInterval,
			Warning:       0.50,
			Critical:      0.80,
			Emergency:     0.95,
			Hysteresis:    0.10,
			Cooldown:      5 * time.Second,
		},
		Shutdown: ShutdownConfig{
			Grace: config.DefaultShutdownGrace,
		},
		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsListen,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}
