// Package config provides configuration defaults and utilities
// for the tickpipe daemon.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or TICKPIPE_* environment
// variables.
package config

import "time"

// =============================================================================
// Feed Defaults
// =============================================================================

const (
	// DefaultFeedFormat is the wire format of inbound feed messages.
	// One of: json, snapquote, proto.
	// Override via config: feed.format
	DefaultFeedFormat = "json"

	// DefaultDialTimeout bounds a single connection attempt including handshake.
	// Override via config: feed.dial_timeout
	DefaultDialTimeout = 10 * time.Second

	// DefaultIdleTimeout forces a reconnect when no message arrives for this
	// long. A silent feed stall is otherwise indistinguishable from death.
	// Override via config: feed.idle_timeout
	DefaultIdleTimeout = 30 * time.Second

	// DefaultPingInterval is how often keepalive pings are sent.
	// Must be shorter than the idle timeout. Zero disables pings.
	// Override via config: feed.ping_interval
	DefaultPingInterval = 20 * time.Second

	// DefaultReconnectBase is the first reconnect delay.
	// Override via config: feed.backoff.base
	DefaultReconnectBase = 500 * time.Millisecond

	// DefaultReconnectCap is the maximum reconnect delay.
	// Override via config: feed.backoff.cap
	DefaultReconnectCap = 30 * time.Second

	// DefaultStableAfter is how long a connection must stay up before the
	// reconnect backoff resets to its base delay.
	// Override via config: feed.stable_after
	DefaultStableAfter = 60 * time.Second

	// DefaultPriceDivisor converts integer feed prices into quote units.
	// The snap quote format sends prices in paise.
	// Override via config: feed.price_divisor
	DefaultPriceDivisor = 100.0
)

// =============================================================================
// Buffer and Batch Defaults
// =============================================================================

const (
	// DefaultBufferCapacity is the ingestion buffer capacity in ticks.
	// When full, new ticks are rejected and counted.
	// Override via config: buffer.capacity
	DefaultBufferCapacity = 100000

	// DefaultBatchSize is the number of ticks that triggers a flush.
	// Override via config: batch.size
	DefaultBatchSize = 1000

	// DefaultBatchWindow is the max hold time of the first tick in a batch.
	// Override via config: batch.window
	DefaultBatchWindow = 5 * time.Second

	// DefaultHandoffCapacity is the number of completed batches that may wait
	// for the store writer. When full, the batcher blocks.
	// Override via config: batch.handoff_capacity
	DefaultHandoffCapacity = 16
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDSN is the DuckDB database path.
	// Override via config: store.dsn
	DefaultStoreDSN = "tickpipe.duckdb"

	// DefaultTable is the target table for committed ticks.
	// Override via config: store.table
	DefaultTable = "market_ticks"

	// DefaultCommitTimeout bounds a single bulk insert attempt.
	// Override via config: store.commit_timeout
	DefaultCommitTimeout = 10 * time.Second

	// DefaultMaxAttempts is the number of commit attempts per batch,
	// including the first.
	// Override via config: store.retry.max_attempts
	DefaultMaxAttempts = 5

	// DefaultRetryBase is the first retry delay for commits.
	// Override via config: store.retry.base
	DefaultRetryBase = 100 * time.Millisecond

	// DefaultRetryCap is the maximum retry delay for commits.
	// Override via config: store.retry.cap
	DefaultRetryCap = 5 * time.Second

	// DefaultJitter is the relative jitter applied to every backoff delay.
	// Override via config: feed.backoff.jitter, store.retry.jitter
	DefaultJitter = 0.25
)

// =============================================================================
// Dead-Letter Defaults
// =============================================================================

const (
	// DefaultDeadLetterKind selects the dead-letter sink: parquet or wal.
	// Override via config: dead_letter.kind
	DefaultDeadLetterKind = "parquet"

	// DefaultDeadLetterDir is where dead-lettered batches are written.
	// Override via config: dead_letter.dir
	DefaultDeadLetterDir = "deadletter"

	// DefaultDeadLetterMaxBatches is the dead-letter capacity. Once exhausted
	// the pipeline stops, since further data loss would be silent.
	// Override via config: dead_letter.max_batches
	DefaultDeadLetterMaxBatches = 1000
)

// =============================================================================
// Shutdown and Monitoring Defaults
// =============================================================================

const (
	// DefaultShutdownGrace is how long the store writer may keep draining the
	// handoff queue after cancellation.
	// Override via config: shutdown.grace
	DefaultShutdownGrace = 15 * time.Second

	// DefaultBackpressureCheckInterval is how often buffer pressure is evaluated.
	// Override via config: backpressure.check_interval
	DefaultBackpressureCheckInterval = time.Second

	// DefaultMetricsListen is the Prometheus listen address. Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = ":9464"
)
