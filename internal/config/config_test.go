package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Feed.URL = "wss://feed.example.com/stream"
	return cfg
}

func TestDefaultConfig_NeedsURL(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error without feed.url")
	}
	if !errors.Is(err, errors.ErrMissingField) {
		t.Errorf("expected missing field error, got %v", err)
	}

	if err := validConfig().Validate(); err != nil {
		t.Errorf("defaults with URL should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `
feed:
  url: ws://localhost:9000/ticks
  format: snapquote
  subscribe: '{"action":1}'
  headers:
    x-api-key: secret
  idle_timeout: 45s
buffer:
  capacity: 5000
batch:
  size: 250
  window: 2s
store:
  dsn: ticks.duckdb
  table: nse_ticks
  retry:
    max_attempts: 7
dead_letter:
  kind: wal
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Feed.Format != "snapquote" {
		t.Errorf("format = %q", cfg.Feed.Format)
	}
	if cfg.Feed.Headers["x-api-key"] != "secret" {
		t.Errorf("headers = %v", cfg.Feed.Headers)
	}
	if cfg.Feed.IdleTimeout != 45*time.Second {
		t.Errorf("idle_timeout = %v", cfg.Feed.IdleTimeout)
	}
	if cfg.Buffer.Capacity != 5000 || cfg.Batch.Size != 250 || cfg.Batch.Window != 2*time.Second {
		t.Errorf("buffer/batch not loaded: %+v %+v", cfg.Buffer, cfg.Batch)
	}
	if cfg.Store.Table != "nse_ticks" || cfg.Store.Retry.MaxAttempts != 7 {
		t.Errorf("store not loaded: %+v", cfg.Store)
	}
	// Untouched fields keep defaults
	if cfg.Store.Retry.Base != DefaultConfig().Store.Retry.Base {
		t.Errorf("retry base lost default: %v", cfg.Store.Retry.Base)
	}
	if cfg.DeadLetter.Kind != "wal" {
		t.Errorf("dead_letter.kind = %q", cfg.DeadLetter.Kind)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TICKPIPE_FEED_URL":     "wss://env.example.com",
		"TICKPIPE_FEED_HEADERS": "Authorization=Bearer abc; x-client-code=C1",
		"TICKPIPE_BATCH_SIZE":   "42",
		"TICKPIPE_BATCH_WINDOW": "750ms",
		"TICKPIPE_STORE_DSN":    "",
		"TICKPIPE_LOG_LEVEL":    "debug",
		"UNRELATED_FEED_URL":    "ignored",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}

	if cfg.Feed.URL != "wss://env.example.com" {
		t.Errorf("url = %q", cfg.Feed.URL)
	}
	if cfg.Feed.Headers["Authorization"] != "Bearer abc" || cfg.Feed.Headers["x-client-code"] != "C1" {
		t.Errorf("headers = %v", cfg.Feed.Headers)
	}
	if cfg.Batch.Size != 42 || cfg.Batch.Window != 750*time.Millisecond {
		t.Errorf("batch = %+v", cfg.Batch)
	}
	if cfg.Store.DSN != "" {
		t.Errorf("empty DSN override should select in-memory, got %q", cfg.Store.DSN)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := map[string]string{
		"TICKPIPE_BATCH_SIZE":   "many",
		"TICKPIPE_BATCH_WINDOW": "soon",
		"TICKPIPE_FEED_HEADERS": "novalue",
	}

	for k, v := range tests {
		cfg := DefaultConfig()
		err := cfg.ApplyEnv(func(key string) (string, bool) {
			if key == k {
				return v, true
			}
			return "", false
		})
		if err == nil {
			t.Errorf("%s=%q: expected error", k, v)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad scheme", func(c *Config) { c.Feed.URL = "http://x" }, "feed.url"},
		{"bad format", func(c *Config) { c.Feed.Format = "xml" }, "feed.format"},
		{"zero capacity", func(c *Config) { c.Buffer.Capacity = 0 }, "buffer.capacity"},
		{"batch over capacity", func(c *Config) { c.Buffer.Capacity = 10; c.Batch.Size = 11 }, "batch.size"},
		{"zero window", func(c *Config) { c.Batch.Window = 0 }, "batch.window"},
		{"sql injection table", func(c *Config) { c.Store.Table = "t; DROP TABLE x" }, "store.table"},
		{"zero attempts", func(c *Config) { c.Store.Retry.MaxAttempts = 0 }, "store.retry.max_attempts"},
		{"cap below base", func(c *Config) { c.Feed.Backoff.Cap = time.Millisecond }, "feed.backoff.cap"},
		{"ping after idle", func(c *Config) { c.Feed.PingInterval = time.Minute }, "feed.ping_interval"},
		{"dead letter kind", func(c *Config) { c.DeadLetter.Kind = "s3" }, "dead_letter.kind"},
		{"thresholds", func(c *Config) { c.Backpressure.Critical = 0.4 }, "backpressure"},
		{"grace", func(c *Config) { c.Shutdown.Grace = 0 }, "shutdown.grace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error should mention %s: %v", tt.field, err)
			}
		})
	}
}

func TestIsIdentifier(t *testing.T) {
	good := []string{"ticks", "market_ticks", "_t1", "T2"}
	bad := []string{"", "1ticks", "a-b", "a.b", "a b"}

	for _, s := range good {
		if !isIdentifier(s) {
			t.Errorf("%q should be valid", s)
		}
	}
	for _, s := range bad {
		if isIdentifier(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
