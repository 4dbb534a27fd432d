// Package pipeline wires the feed, buffer, batcher and store writer into one
// supervised unit and owns the shutdown order.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/tickpipe/internal/backpressure"
	"github.com/xtxerr/tickpipe/internal/batcher"
	"github.com/xtxerr/tickpipe/internal/buffer"
	"github.com/xtxerr/tickpipe/internal/config"
	"github.com/xtxerr/tickpipe/internal/deadletter"
	"github.com/xtxerr/tickpipe/internal/decode"
	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/feed"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/metrics"
	"github.com/xtxerr/tickpipe/internal/retry"
	"github.com/xtxerr/tickpipe/internal/store"
)

// Component names used in ComponentError.
const (
	ComponentFeed    = "feed"
	ComponentBatcher = "batcher"
	ComponentWriter  = "writer"
)

// ComponentError is a fatal failure of one pipeline component.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error {
	return e.Err
}

// Supervisor runs the pipeline.
type Supervisor struct {
	feed     *feed.Manager
	ingestor *feed.Ingestor
	buffer   *buffer.RingBuffer
	bp       *backpressure.Controller
	batcher  *batcher.Batcher
	writer   *store.Writer

	grace         time.Duration
	checkInterval time.Duration

	log     *slog.Logger
	running atomic.Bool

	// graceExpired is set when the writer was stopped by the grace timer.
	graceExpired atomic.Bool
}

// New builds the pipeline from cfg around the given transport, store and
// dead-letter sink.
func New(cfg *config.Config, dialer feed.Dialer, ins store.BulkInserter, dlq deadletter.Sink) (*Supervisor, error) {
	dec, err := decode.ForFormat(cfg.Feed.Format, decode.Options{PriceDivisor: cfg.Feed.PriceDivisor})
	if err != nil {
		return nil, err
	}

	log := logging.Component("pipeline")

	buf := buffer.New(cfg.Buffer.Capacity)

	bp := backpressure.New(cfg.Backpressure, buf)
	bp.SetOnLevelChange(func(old, new backpressure.Level, usage float64) {
		args := []any{"from", old.String(), "to", new.String(), "buffer_usage", usage}
		if new > old {
			log.Warn("backpressure level raised", args...)
		} else {
			log.Info("backpressure level lowered", args...)
		}
	})

	ingestor := feed.NewIngestor(dec, buf, feed.IngestorOptions{Shedder: bp})

	mgr := feed.NewManager(dialer, feed.ManagerOptions{
		IdleTimeout: cfg.Feed.IdleTimeout,
		StableAfter: cfg.Feed.StableAfter,
		Backoff:     retry.FromConfig(cfg.Feed.Backoff),
	})

	b := batcher.New(buf, batcher.Options{
		Size:            cfg.Batch.Size,
		Window:          cfg.Batch.Window,
		HandoffCapacity: cfg.Batch.HandoffCapacity,
		FlushTimeout:    cfg.Shutdown.Grace,
	})

	w := store.NewWriter(ins, dlq, store.WriterOptions{
		Table:         cfg.Store.Table,
		CommitTimeout: cfg.Store.CommitTimeout,
		Retry:         retry.FromConfig(cfg.Store.Retry),
	})

	checkInterval := cfg.Backpressure.CheckInterval
	if checkInterval <= 0 {
		checkInterval = time.Second
	}

	return &Supervisor{
		feed:          mgr,
		ingestor:      ingestor,
		buffer:        buf,
		bp:            bp,
		batcher:       b,
		writer:        w,
		grace:         cfg.Shutdown.Grace,
		checkInterval: checkInterval,
		log:           log,
	}, nil
}

// Run runs the pipeline until ctx is cancelled or a component fails fatally.
//
// On cancellation the feed stops first. Once it has returned the batcher is
// cancelled and flushes what is buffered, and the writer drains the handoff
// queue until it is closed or the grace period expires. Run returns nil
// after a graceful stop and a *ComponentError after a fatal failure, in
// which case every component is cancelled at once.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	defer s.running.Store(false)

	log := logging.WithContext(ctx, s.log)

	feedCtx, cancelFeed := context.WithCancel(ctx)
	defer cancelFeed()

	// Downstream stages outlive ctx; they are stopped in order below.
	batchCtx, cancelBatch := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBatch()
	writeCtx, cancelWrite := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWrite()

	var failure atomic.Pointer[ComponentError]
	fail := func(component string, err error) error {
		if failure.CompareAndSwap(nil, &ComponentError{Component: component, Err: err}) {
			s.batcher.Abort()
			cancelFeed()
			cancelBatch()
			cancelWrite()
		}
		return err
	}

	log.Info("pipeline starting",
		"buffer_capacity", s.buffer.Cap(),
		"grace", s.grace)

	var g errgroup.Group

	g.Go(func() error {
		err := s.feed.Run(feedCtx, s.ingestor)
		if err != nil {
			return fail(ComponentFeed, err)
		}
		if failure.Load() != nil {
			// Stopped by another component's failure; nothing to flush.
			return nil
		}

		log.Info("feed stopped, flushing", "buffered", s.buffer.Len())
		cancelBatch()
		if s.grace > 0 {
			t := time.AfterFunc(s.grace, func() {
				s.graceExpired.Store(true)
				cancelWrite()
			})
			context.AfterFunc(writeCtx, func() { t.Stop() })
		}
		return nil
	})

	g.Go(func() error {
		if err := s.batcher.Run(batchCtx); err != nil {
			return fail(ComponentBatcher, err)
		}
		return nil
	})

	g.Go(func() error {
		defer cancelWrite()

		err := s.writer.Run(writeCtx, s.batcher.Out())
		if err == nil {
			return nil
		}
		if s.graceExpired.Load() && !errors.IsFatal(err) {
			log.Error("grace period expired before the writer drained",
				"abandoned_batches", s.writer.Stats().AbandonedBatches)
			return nil
		}
		if failure.Load() != nil && !errors.IsFatal(err) {
			// Cancelled because another component failed.
			return nil
		}
		return fail(ComponentWriter, err)
	})

	g.Go(func() error {
		s.monitor(feedCtx)
		return nil
	})

	g.Wait()

	if f := failure.Load(); f != nil {
		log.Warn("pipeline stopped after failure",
			"component", f.Component,
			"abandoned_batches", s.writer.Stats().AbandonedBatches+s.batcher.Stats().AbandonedBatches)
		return f
	}

	ws := s.writer.Stats()
	log.Info("pipeline stopped",
		"batches_committed", ws.BatchesCommitted,
		"ticks_committed", ws.TicksCommitted,
		"batches_dead_lettered", ws.BatchesDeadLettered,
		"abandoned_batches", ws.AbandonedBatches+s.batcher.Stats().AbandonedBatches)
	return nil
}

// monitor re-evaluates backpressure every check interval.
func (s *Supervisor) monitor(ctx context.Context) {
	if !s.bp.IsEnabled() {
		return
	}

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.bp.Check()
		}
	}
}

// Live reports whether the feed is connected.
func (s *Supervisor) Live() bool {
	return s.feed.Live()
}

// Stats returns a snapshot of every component.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Feed:         s.feed.Stats(),
		Ingest:       s.ingestor.Stats(),
		Buffer:       s.buffer.Stats(),
		Backpressure: s.bp.Stats(),
		Batcher:      s.batcher.Stats(),
		Writer:       s.writer.Stats(),
	}
}

// Stats holds combined statistics.
type Stats struct {
	Feed         feed.ManagerStats
	Ingest       feed.IngestSnapshot
	Buffer       buffer.BufferStats
	Backpressure backpressure.ControllerStats
	Batcher      batcher.BatcherStats
	Writer       store.WriterStats
}

// MetricsSources returns the stat readers for the metrics registry.
func (s *Supervisor) MetricsSources() metrics.Sources {
	return metrics.Sources{
		Ingest:       s.ingestor.Stats,
		Feed:         s.feed.Stats,
		Buffer:       s.buffer.Stats,
		BufferAge:    func() time.Duration { return s.buffer.Age(time.Now()) },
		Backpressure: s.bp.Stats,
		Batcher:      s.batcher.Stats,
		Writer:       s.writer.Stats,
	}
}
