package feed

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/decode"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// Pusher is the buffer side of the ingestor.
type Pusher interface {
	Push(t tick.Tick) error
}

// Shedder reports whether optional per-tick work should be skipped.
type Shedder interface {
	ShouldShed() bool
}

// IngestorOptions configures the ingestor.
type IngestorOptions struct {
	// Shedder, if set, suppresses the per-tick debug line under pressure.
	Shedder Shedder

	// Now returns the arrival time. Default: time.Now.
	Now func() time.Time
}

// Ingestor decodes raw messages, tags out-of-order ticks and pushes them
// into the buffer. It is the feed's TickSink and must only be called from
// one goroutine.
type Ingestor struct {
	dec  decode.Decoder
	buf  Pusher
	opts IngestorOptions

	// last accepted timestamp per symbol
	last map[string]time.Time

	log       *slog.Logger
	malformed *logging.Throttled
	dropped   *logging.Throttled

	stats IngestStats
}

// IngestStats holds ingestor counters.
type IngestStats struct {
	Messages   atomic.Int64
	Control    atomic.Int64
	Received   atomic.Int64
	Accepted   atomic.Int64
	Rejected   atomic.Int64
	Malformed  atomic.Int64
	OutOfOrder atomic.Int64
}

// IngestSnapshot is a snapshot of ingestor counters.
type IngestSnapshot struct {
	Messages   int64
	Control    int64
	Received   int64
	Accepted   int64
	Rejected   int64
	Malformed  int64
	OutOfOrder int64
}

// NewIngestor creates an ingestor writing into buf.
func NewIngestor(dec decode.Decoder, buf Pusher, opts IngestorOptions) *Ingestor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := logging.Component("ingest")
	return &Ingestor{
		dec:       dec,
		buf:       buf,
		opts:      opts,
		last:      make(map[string]time.Time),
		log:       log,
		malformed: logging.NewThrottled(log, 1, 5),
		dropped:   logging.NewThrottled(log, 1, 1),
	}
}

// Accept decodes raw and pushes the resulting ticks. Malformed messages and
// rejected ticks are counted and never block.
func (in *Ingestor) Accept(raw []byte) {
	in.stats.Messages.Add(1)

	ticks, err := in.dec.Decode(raw, in.opts.Now())
	if err != nil {
		in.stats.Malformed.Add(1)
		in.malformed.Warn("malformed message discarded",
			"format", in.dec.Format(),
			"bytes", len(raw),
			"error", err)
		return
	}
	if len(ticks) == 0 {
		in.stats.Control.Add(1)
		return
	}

	debug := in.log.Enabled(context.Background(), slog.LevelDebug) &&
		(in.opts.Shedder == nil || !in.opts.Shedder.ShouldShed())

	for i := range ticks {
		t := ticks[i]
		in.stats.Received.Add(1)

		last, seen := in.last[t.Symbol]
		if seen && t.Timestamp.Before(last) {
			t.Flags |= tick.FlagOutOfOrder
			in.stats.OutOfOrder.Add(1)
		}

		if err := in.buf.Push(t); err != nil {
			in.stats.Rejected.Add(1)
			in.dropped.Warn("buffer full, tick rejected",
				"symbol", t.Symbol,
				"rejected_total", in.stats.Rejected.Load())
			continue
		}
		in.stats.Accepted.Add(1)

		if !t.OutOfOrder() {
			in.last[t.Symbol] = t.Timestamp
		}

		if debug {
			in.log.Debug("tick",
				"symbol", t.Symbol,
				"ts", t.Timestamp,
				"price", t.Price,
				"open", t.Open,
				"high", t.High,
				"low", t.Low,
				"close", t.Close,
				"volume", t.Volume)
		}
	}
}

// Stats returns current counters.
func (in *Ingestor) Stats() IngestSnapshot {
	return IngestSnapshot{
		Messages:   in.stats.Messages.Load(),
		Control:    in.stats.Control.Load(),
		Received:   in.stats.Received.Load(),
		Accepted:   in.stats.Accepted.Load(),
		Rejected:   in.stats.Rejected.Load(),
		Malformed:  in.stats.Malformed.Load(),
		OutOfOrder: in.stats.OutOfOrder.Load(),
	}
}
