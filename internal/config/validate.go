package config

import (
	"net/url"

	"github.com/xtxerr/tickpipe/internal/errors"
)

var (
	validFormats         = map[string]bool{"json": true, "snapquote": true, "proto": true}
	validDeadLetterKinds = map[string]bool{"parquet": true, "wal": true}
)

// Validate checks the configuration for errors. All problems are reported
// at once.
func (c *Config) Validate() error {
	v := errors.NewValidationErrors()

	c.Feed.validate(v)

	if c.Buffer.Capacity <= 0 {
		v.AddField("buffer.capacity", "must be positive")
	}

	if c.Batch.Size <= 0 {
		v.AddField("batch.size", "must be positive")
	}
	if c.Batch.Window <= 0 {
		v.AddField("batch.window", "must be positive")
	}
	if c.Batch.HandoffCapacity <= 0 {
		v.AddField("batch.handoff_capacity", "must be positive")
	}
	if c.Buffer.Capacity > 0 && c.Batch.Size > c.Buffer.Capacity {
		v.AddField("batch.size", "must not exceed buffer.capacity")
	}

	if c.Store.Table == "" {
		v.AddMissing("store.table")
	} else if !isIdentifier(c.Store.Table) {
		v.Add(errors.NewInvalidValue("store.table", c.Store.Table, "must be a plain SQL identifier"))
	}
	if c.Store.CommitTimeout <= 0 {
		v.AddField("store.commit_timeout", "must be positive")
	}
	if c.Store.Retry.MaxAttempts <= 0 {
		v.AddField("store.retry.max_attempts", "must be positive")
	}
	validateBackoff(v, "store.retry", c.Store.Retry)

	if !validDeadLetterKinds[c.DeadLetter.Kind] {
		v.Add(errors.NewInvalidValue("dead_letter.kind", c.DeadLetter.Kind, "must be parquet or wal"))
	}
	if c.DeadLetter.Dir == "" {
		v.AddMissing("dead_letter.dir")
	}
	if c.DeadLetter.MaxBatches <= 0 {
		v.AddField("dead_letter.max_batches", "must be positive")
	}

	if c.Backpressure.Enabled {
		bp := c.Backpressure
		if bp.CheckInterval <= 0 {
			v.AddField("backpressure.check_interval", "must be positive")
		}
		if !(0 < bp.Warning && bp.Warning < bp.Critical && bp.Critical < bp.Emergency && bp.Emergency <= 1) {
			v.AddField("backpressure", "thresholds must satisfy 0 < warning < critical < emergency <= 1")
		}
		if bp.Hysteresis < 0 || bp.Hysteresis >= bp.Warning {
			v.AddField("backpressure.hysteresis", "must be in [0, warning)")
		}
	}

	if c.Shutdown.Grace <= 0 {
		v.AddField("shutdown.grace", "must be positive")
	}

	return v.Err()
}

func (f *FeedConfig) validate(v *errors.ValidationErrors) {
	if f.URL == "" {
		v.AddMissing("feed.url")
	} else if u, err := url.Parse(f.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		v.Add(errors.NewInvalidValue("feed.url", f.URL, "must be a ws:// or wss:// URL"))
	}

	if !validFormats[f.Format] {
		v.Add(errors.NewInvalidValue("feed.format", f.Format, "must be json, snapquote or proto"))
	}
	if f.PriceDivisor <= 0 {
		v.AddField("feed.price_divisor", "must be positive")
	}
	if f.DialTimeout <= 0 {
		v.AddField("feed.dial_timeout", "must be positive")
	}
	if f.IdleTimeout <= 0 {
		v.AddField("feed.idle_timeout", "must be positive")
	}
	if f.PingInterval < 0 || (f.PingInterval > 0 && f.PingInterval >= f.IdleTimeout) {
		v.AddField("feed.ping_interval", "must be zero or shorter than feed.idle_timeout")
	}
	if f.StableAfter <= 0 {
		v.AddField("feed.stable_after", "must be positive")
	}
	validateBackoff(v, "feed.backoff", f.Backoff)
}

func validateBackoff(v *errors.ValidationErrors, field string, b BackoffConfig) {
	if b.Base <= 0 {
		v.AddField(field+".base", "must be positive")
	}
	if b.Cap < b.Base {
		v.AddField(field+".cap", "must not be below base")
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		v.AddField(field+".jitter", "must be in [0, 1]")
	}
}

// isIdentifier reports whether s is safe to splice into SQL as a table name.
func isIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z':
		case '0' <= r && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return s != ""
}
