// Package store commits batches to the analytical store.
//
// The Writer owns the commit path: retry of transient failures, routing of
// permanent failures to the dead-letter sink, and latency accounting. The
// DuckDB type is the shipped BulkInserter.
package store

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/deadletter"
	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/retry"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// BulkInserter is the write contract of the analytical store.
//
// Implementations should treat key as an idempotency key. Stores that
// cannot dedup on it accept duplicates when a timed-out attempt actually
// succeeded and is retried.
type BulkInserter interface {
	BulkInsert(ctx context.Context, table, key string, rows [][]any) error
}

// WriterOptions configures the store writer.
type WriterOptions struct {
	// Table is the target table.
	Table string

	// CommitTimeout bounds a single attempt.
	CommitTimeout time.Duration

	// Retry is the policy for transient failures. MaxAttempts is R.
	Retry retry.Policy
}

// Writer commits batches one at a time, in the order received.
type Writer struct {
	ins  BulkInserter
	dlq  deadletter.Sink
	opts WriterOptions
	log  *slog.Logger

	latency *LatencyTracker
	running atomic.Bool

	stats Stats
}

// Stats holds writer statistics.
type Stats struct {
	BatchesCommitted    atomic.Int64
	TicksCommitted      atomic.Int64
	BatchesDeadLettered atomic.Int64
	TicksDeadLettered   atomic.Int64
	CommitRetries       atomic.Int64
	TransientFailures   atomic.Int64
	PermanentFailures   atomic.Int64
	AbandonedBatches    atomic.Int64
	LastCommitSeq       atomic.Uint64
}

// NewWriter creates a new store writer.
func NewWriter(ins BulkInserter, dlq deadletter.Sink, opts WriterOptions) *Writer {
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Writer{
		ins:     ins,
		dlq:     dlq,
		opts:    opts,
		log:     logging.Component("writer"),
		latency: NewLatencyTracker(),
	}
}

// Commit writes one batch.
//
// Returns nil once committed. If the batch was dead-lettered the
// classified write error is returned; the batch is done and the caller may
// continue. A dead-letter failure is fatal and wraps
// errors.ErrDeadLetterExhausted. On cancellation the ctx error is returned
// and the batch is neither committed nor dead-lettered.
func (w *Writer) Commit(ctx context.Context, batch *tick.Batch) error {
	key := batch.Key()
	rows := batch.Rows()
	ctx = logging.ContextWithBatchSeq(ctx, batch.Seq)
	log := logging.WithContext(ctx, w.log).With("batch_key", key)

	policy := w.opts.Retry
	policy.Retryable = errors.IsRetriable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		w.stats.CommitRetries.Add(1)
		log.Warn("commit failed, retrying",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"backoff", delay,
			"error", err)
	}

	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		batch.Attempts = attempt

		actx := ctx
		if w.opts.CommitTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, w.opts.CommitTimeout)
			defer cancel()
		}

		start := time.Now()
		err := Classify(w.ins.BulkInsert(actx, w.opts.Table, key, rows))
		if err == nil {
			w.latency.Observe(time.Since(start))
			return nil
		}

		// Our own cancellation is not a store failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, errors.ErrTransientWrite) {
			w.stats.TransientFailures.Add(1)
		}
		return err
	})

	if err == nil {
		w.stats.BatchesCommitted.Add(1)
		w.stats.TicksCommitted.Add(int64(len(rows)))
		w.stats.LastCommitSeq.Store(batch.Seq)
		log.Debug("batch committed",
			"ticks", len(rows),
			"trigger", batch.Trigger.String(),
			"attempts", batch.Attempts)
		return nil
	}

	if ctx.Err() != nil && !errors.IsWriteError(err) {
		return err
	}

	reason := "retries exhausted"
	if errors.Is(err, errors.ErrPermanentWrite) {
		w.stats.PermanentFailures.Add(1)
		reason = "permanent failure"
	}
	return w.deadLetter(ctx, batch, reason, err)
}

// deadLetter hands batch to the dead-letter sink.
func (w *Writer) deadLetter(ctx context.Context, batch *tick.Batch, reason string, cause error) error {
	log := logging.WithContext(ctx, w.log).With("batch_key", batch.Key())

	// The sink is local; a stop request must not lose the batch here.
	if err := w.dlq.Put(context.WithoutCancel(ctx), batch, cause); err != nil {
		log.Error("dead-letter sink failed",
			"ticks", batch.Len(),
			"cause", cause,
			"error", err)
		return errors.Mark(errors.Wrapf(err, "dead-letter batch %d", batch.Seq), errors.ErrDeadLetterExhausted)
	}

	w.stats.BatchesDeadLettered.Add(1)
	w.stats.TicksDeadLettered.Add(int64(batch.Len()))
	first, last := batch.TimeRange()
	log.Error("batch dead-lettered",
		"reason", reason,
		"ticks", batch.Len(),
		"first_ts", first,
		"last_ts", last,
		"attempts", batch.Attempts,
		"error", cause)
	return cause
}

// Run commits batches from in, in order, until in is closed.
//
// Returns nil when in is closed and drained, the ctx error on a hard stop
// (batches still queued are counted as abandoned), or a fatal error when
// the dead-letter sink fails.
func (w *Writer) Run(ctx context.Context, in <-chan *tick.Batch) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer w.running.Store(false)

	log := logging.WithContext(ctx, w.log)

	for {
		select {
		case <-ctx.Done():
			w.abandon(log, in, nil)
			return ctx.Err()

		case batch, ok := <-in:
			if !ok {
				log.Info("writer drained",
					"committed", w.stats.BatchesCommitted.Load(),
					"dead_lettered", w.stats.BatchesDeadLettered.Load())
				return nil
			}

			err := w.Commit(ctx, batch)
			switch {
			case err == nil:
			case errors.IsFatal(err):
				return err
			case ctx.Err() != nil && !errors.IsWriteError(err):
				w.abandon(log, in, batch)
				return ctx.Err()
			}
		}
	}
}

// abandon counts the in-flight batch and whatever is queued.
func (w *Writer) abandon(log *slog.Logger, in <-chan *tick.Batch, current *tick.Batch) {
	n := 0
	if current != nil {
		n++
	}
	for {
		select {
		case _, ok := <-in:
			if !ok {
				goto done
			}
			n++
		default:
			goto done
		}
	}
done:
	if n > 0 {
		w.stats.AbandonedBatches.Add(int64(n))
		log.Error("writer stopped before draining", "abandoned_batches", n)
	}
}

// Latency returns the commit latency tracker.
func (w *Writer) Latency() *LatencyTracker {
	return w.latency
}

// Stats returns current statistics.
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		BatchesCommitted:    w.stats.BatchesCommitted.Load(),
		TicksCommitted:      w.stats.TicksCommitted.Load(),
		BatchesDeadLettered: w.stats.BatchesDeadLettered.Load(),
		TicksDeadLettered:   w.stats.TicksDeadLettered.Load(),
		CommitRetries:       w.stats.CommitRetries.Load(),
		TransientFailures:   w.stats.TransientFailures.Load(),
		PermanentFailures:   w.stats.PermanentFailures.Load(),
		AbandonedBatches:    w.stats.AbandonedBatches.Load(),
		LastCommitSeq:       w.stats.LastCommitSeq.Load(),
		Latency:             w.latency.Snapshot(),
	}
}

// WriterStats holds a snapshot of writer statistics.
type WriterStats struct {
	BatchesCommitted    int64
	TicksCommitted      int64
	BatchesDeadLettered int64
	TicksDeadLettered   int64
	CommitRetries       int64
	TransientFailures   int64
	PermanentFailures   int64
	AbandonedBatches    int64
	LastCommitSeq       uint64
	Latency             LatencySnapshot
}
