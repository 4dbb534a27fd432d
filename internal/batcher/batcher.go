// Package batcher groups buffered ticks into size- and time-bounded batches
// and hands them to the store writer.
package batcher

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// Source is the consumer side of the ingestion buffer.
type Source interface {
	Drain(max int) []tick.Tick
	Notify() <-chan struct{}
}

// Options configures the batcher.
type Options struct {
	// Size flushes a batch once it holds this many ticks.
	Size int

	// Window flushes a batch once its first tick is this old.
	Window time.Duration

	// HandoffCapacity is the number of batches queued for the writer.
	HandoffCapacity int

	// FlushTimeout bounds the final handoff after cancellation.
	FlushTimeout time.Duration
}

// Batcher drains a Source and emits ordered batches on a bounded channel.
//
// When the channel is full the batcher blocks and stops draining, so the
// buffer fills and starts rejecting: storage backpressure reaches the feed
// as counted drops instead of unbounded memory growth.
type Batcher struct {
	src  Source
	opts Options
	out  chan *tick.Batch
	log  *slog.Logger

	running atomic.Bool
	seq     uint64

	// abort is closed when the writer is gone and handoffs must stop.
	abort     chan struct{}
	abortOnce sync.Once

	// pending holds closed batches not yet handed off.
	pending []*tick.Batch

	stats Stats
}

// Stats holds batcher statistics.
type Stats struct {
	BatchesEmitted   atomic.Int64
	TicksBatched     atomic.Int64
	SizeFlushes      atomic.Int64
	WindowFlushes    atomic.Int64
	ShutdownFlushes  atomic.Int64
	HandoffWaits     atomic.Int64
	AbandonedBatches atomic.Int64
	AbandonedTicks   atomic.Int64
}

// New creates a new batcher.
func New(src Source, opts Options) *Batcher {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.HandoffCapacity < 0 {
		opts.HandoffCapacity = 0
	}
	return &Batcher{
		src:   src,
		opts:  opts,
		out:   make(chan *tick.Batch, opts.HandoffCapacity),
		abort: make(chan struct{}),
		log:   logging.Component("batcher"),
	}
}

// Abort tells the batcher that nothing reads the handoff channel any more.
// A pending or running shutdown abandons its batches at once instead of
// waiting for FlushTimeout, and batches still queued are counted as
// abandoned. Abort must be called before the batcher's context is
// cancelled for the shutdown to see it.
func (b *Batcher) Abort() {
	b.abortOnce.Do(func() { close(b.abort) })
}

func (b *Batcher) aborted() bool {
	select {
	case <-b.abort:
		return true
	default:
		return false
	}
}

// Out returns the handoff channel. It is closed when Run returns.
func (b *Batcher) Out() <-chan *tick.Batch {
	return b.out
}

// Run assembles batches until ctx is cancelled, then drains the source,
// flushes what is left and closes the handoff channel.
//
// Returns nil on cancellation. Batches that cannot be handed off within
// FlushTimeout are counted as abandoned.
func (b *Batcher) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer close(b.out)

	b.log = logging.WithContext(ctx, b.log)

	var cur *tick.Batch

	// The window timer runs only while a batch is in progress.
	window := time.NewTimer(time.Hour)
	window.Stop()
	defer window.Stop()

	for {
		// Drain whatever is available, cutting batches at Size.
		for {
			if cur == nil {
				cur = b.newBatch()
			}
			ticks := b.src.Drain(b.opts.Size - cur.Len())
			if len(ticks) == 0 {
				break
			}

			now := time.Now()
			if cur.Len() == 0 {
				window.Reset(b.opts.Window)
			}
			for _, t := range ticks {
				cur.Add(t, now)
			}

			if cur.Len() >= b.opts.Size {
				window.Stop()
				if !b.emit(ctx, cur, tick.TriggerSize) {
					return b.shutdown(ctx, nil)
				}
				cur = nil
			}
		}

		select {
		case <-ctx.Done():
			return b.shutdown(ctx, cur)

		case <-b.src.Notify():

		case <-window.C:
			if cur != nil && cur.Len() > 0 {
				if !b.emit(ctx, cur, tick.TriggerWindow) {
					return b.shutdown(ctx, nil)
				}
				cur = nil
			}
		}
	}
}

func (b *Batcher) newBatch() *tick.Batch {
	b.seq++
	return tick.NewBatch(b.seq, b.opts.Size)
}

// emit closes batch and hands it off, blocking while the channel is full.
// Returns false if ctx was cancelled first; the batch is then kept for the
// shutdown flush.
func (b *Batcher) emit(ctx context.Context, batch *tick.Batch, trigger tick.Trigger) bool {
	batch.Close(trigger, time.Now())
	b.countFlush(trigger)

	select {
	case b.out <- batch:
		b.handedOff(batch)
		return true
	default:
	}

	b.stats.HandoffWaits.Add(1)
	b.log.Debug("handoff queue full, waiting for writer",
		"batch_seq", batch.Seq,
		"queued", len(b.out))

	select {
	case b.out <- batch:
		b.handedOff(batch)
		return true
	case <-ctx.Done():
		b.pending = append(b.pending, batch)
		return false
	case <-b.abort:
		b.pending = append(b.pending, batch)
		return false
	}
}

// shutdown drains the source, closes the final partial batches and hands
// everything off within FlushTimeout.
func (b *Batcher) shutdown(ctx context.Context, cur *tick.Batch) error {
	for {
		if cur == nil {
			cur = b.newBatch()
		}
		ticks := b.src.Drain(b.opts.Size - cur.Len())
		if len(ticks) == 0 {
			break
		}
		now := time.Now()
		for _, t := range ticks {
			cur.Add(t, now)
		}
		if cur.Len() >= b.opts.Size {
			b.closePending(cur)
			cur = nil
		}
	}
	if cur != nil && cur.Len() > 0 {
		b.closePending(cur)
	}

	if len(b.pending) > 0 {
		b.flush(ctx)
	}
	if b.aborted() {
		b.abandonQueued()
	}

	b.log.Info("batcher stopped", "batches", b.stats.BatchesEmitted.Load())
	return nil
}

// flush hands off pending batches until FlushTimeout or Abort.
func (b *Batcher) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.FlushTimeout)
	defer cancel()

	b.log.Info("flushing remaining batches", "batches", len(b.pending))

	for i, batch := range b.pending {
		select {
		case b.out <- batch:
			b.handedOff(batch)
		case <-flushCtx.Done():
			b.abandon(b.pending[i:])
			b.log.Error("final flush timed out, batches abandoned",
				"abandoned_batches", len(b.pending)-i,
				"timeout", b.opts.FlushTimeout)
			b.pending = nil
			return
		case <-b.abort:
			b.abandon(b.pending[i:])
			b.log.Warn("final flush aborted, writer stopped",
				"abandoned_batches", len(b.pending)-i)
			b.pending = nil
			return
		}
	}
	b.pending = nil
}

// abandonQueued counts and drops batches left in the handoff channel.
func (b *Batcher) abandonQueued() {
	var lost []*tick.Batch
	for {
		select {
		case batch := <-b.out:
			lost = append(lost, batch)
		default:
			if len(lost) > 0 {
				b.abandon(lost)
				b.log.Warn("queued batches abandoned", "abandoned_batches", len(lost))
			}
			return
		}
	}
}

func (b *Batcher) abandon(batches []*tick.Batch) {
	for _, lost := range batches {
		b.stats.AbandonedBatches.Add(1)
		b.stats.AbandonedTicks.Add(int64(lost.Len()))
	}
}

// closePending closes a shutdown batch and queues it for the final flush.
func (b *Batcher) closePending(batch *tick.Batch) {
	batch.Close(tick.TriggerShutdown, time.Now())
	b.countFlush(tick.TriggerShutdown)
	b.pending = append(b.pending, batch)
}

func (b *Batcher) countFlush(trigger tick.Trigger) {
	switch trigger {
	case tick.TriggerSize:
		b.stats.SizeFlushes.Add(1)
	case tick.TriggerWindow:
		b.stats.WindowFlushes.Add(1)
	case tick.TriggerShutdown:
		b.stats.ShutdownFlushes.Add(1)
	}
}

func (b *Batcher) handedOff(batch *tick.Batch) {
	b.stats.BatchesEmitted.Add(1)
	b.stats.TicksBatched.Add(int64(batch.Len()))
}

// Stats returns current statistics.
func (b *Batcher) Stats() BatcherStats {
	return BatcherStats{
		BatchesEmitted:   b.stats.BatchesEmitted.Load(),
		TicksBatched:     b.stats.TicksBatched.Load(),
		SizeFlushes:      b.stats.SizeFlushes.Load(),
		WindowFlushes:    b.stats.WindowFlushes.Load(),
		ShutdownFlushes:  b.stats.ShutdownFlushes.Load(),
		HandoffWaits:     b.stats.HandoffWaits.Load(),
		AbandonedBatches: b.stats.AbandonedBatches.Load(),
		AbandonedTicks:   b.stats.AbandonedTicks.Load(),
		Queued:           len(b.out),
	}
}

// BatcherStats holds a snapshot of batcher statistics.
type BatcherStats struct {
	BatchesEmitted   int64
	TicksBatched     int64
	SizeFlushes      int64
	WindowFlushes    int64
	ShutdownFlushes  int64
	HandoffWaits     int64
	AbandonedBatches int64
	AbandonedTicks   int64
	Queued           int
}
