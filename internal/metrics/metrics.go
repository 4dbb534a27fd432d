// Package metrics exposes pipeline statistics in Prometheus format.
//
// Collectors read component stats at scrape time; nothing on the hot path
// touches Prometheus types.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/tickpipe/internal/backpressure"
	"github.com/xtxerr/tickpipe/internal/batcher"
	"github.com/xtxerr/tickpipe/internal/buffer"
	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/feed"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/store"
)

const namespace = "tickpipe"

// Sources are the stat readers scraped by the collectors. Nil sources are
// skipped.
type Sources struct {
	Ingest       func() feed.IngestSnapshot
	Feed         func() feed.ManagerStats
	Buffer       func() buffer.BufferStats
	BufferAge    func() time.Duration
	Backpressure func() backpressure.ControllerStats
	Batcher      func() batcher.BatcherStats
	Writer       func() store.WriterStats
}

// Registry holds the pipeline collectors.
type Registry struct {
	reg *prometheus.Registry
}

// New creates a registry with collectors for every non-nil source plus the
// Go runtime and process collectors.
func New(src Sources) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if f := src.Ingest; f != nil {
		reg.MustRegister(
			counter("ticks_received_total", "Ticks decoded from the feed.", func() float64 { return float64(f().Received) }),
			counter("ticks_rejected_total", "Ticks rejected because the buffer was full.", func() float64 { return float64(f().Rejected) }),
			counter("ticks_malformed_total", "Feed messages that failed to decode.", func() float64 { return float64(f().Malformed) }),
			counter("ticks_out_of_order_total", "Ticks tagged out of order.", func() float64 { return float64(f().OutOfOrder) }),
		)
	}

	if f := src.Feed; f != nil {
		reg.MustRegister(
			gauge("connection_state", "Feed connection state: 0 disconnected, 1 connecting, 2 connected, 3 draining.", func() float64 { return float64(f().State) }),
			counter("feed_connects_total", "Successful feed connections.", func() float64 { return float64(f().Connects) }),
			counter("feed_disconnects_total", "Feed connections lost.", func() float64 { return float64(f().Disconnects) }),
			counter("feed_idle_timeouts_total", "Reconnects forced by the idle timeout.", func() float64 { return float64(f().IdleTimeouts) }),
			counter("feed_dial_failures_total", "Failed dial attempts.", func() float64 { return float64(f().DialFailures) }),
		)
	}

	if f := src.Buffer; f != nil {
		reg.MustRegister(
			gauge("buffer_occupancy", "Ticks currently buffered.", func() float64 { return float64(f().Count) }),
			gauge("buffer_capacity", "Buffer capacity in ticks.", func() float64 { return float64(f().Capacity) }),
			gauge("buffer_high_water", "Highest buffer occupancy seen.", func() float64 { return float64(f().HighWater) }),
		)
	}

	if f := src.BufferAge; f != nil {
		reg.MustRegister(
			gauge("buffer_oldest_tick_age_seconds", "Time the oldest buffered tick has been waiting.", func() float64 { return f().Seconds() }),
		)
	}

	if f := src.Backpressure; f != nil {
		reg.MustRegister(
			gauge("backpressure_level", "Backpressure level: 0 normal, 1 warning, 2 critical, 3 emergency.", func() float64 { return float64(f().CurrentLevel) }),
			counter("backpressure_level_changes_total", "Backpressure level transitions.", func() float64 { return float64(f().LevelChanges) }),
		)
	}

	if f := src.Batcher; f != nil {
		reg.MustRegister(
			counter("batches_emitted_total", "Batches handed to the writer.", func() float64 { return float64(f().BatchesEmitted) }),
			gauge("handoff_queued", "Batches waiting for the writer.", func() float64 { return float64(f().Queued) }),
			counter("batches_abandoned_total", "Batches dropped at shutdown before the writer took them.", func() float64 { return float64(f().AbandonedBatches) }),
		)
	}

	if f := src.Writer; f != nil {
		reg.MustRegister(
			counter("batches_committed_total", "Batches committed to the store.", func() float64 { return float64(f().BatchesCommitted) }),
			counter("ticks_committed_total", "Ticks committed to the store.", func() float64 { return float64(f().TicksCommitted) }),
			counter("batches_dead_lettered_total", "Batches sent to the dead-letter sink.", func() float64 { return float64(f().BatchesDeadLettered) }),
			counter("commit_retries_total", "Commit attempts retried after a transient failure.", func() float64 { return float64(f().CommitRetries) }),
			newLatencyCollector(f),
		)
	}

	return &Registry{reg: reg}
}

// Gatherer returns the underlying Prometheus gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler returns the /metrics HTTP handler.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Serve serves /metrics on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.serve(ctx, ln)
}

func (r *Registry) serve(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logging.Component("metrics").Info("metrics listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func counter(name, help string, f func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, f)
}

func gauge(name, help string, f func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, f)
}

// latencyCollector exports commit latency quantiles from the writer's
// sketch as a summary.
type latencyCollector struct {
	stats func() store.WriterStats
	desc  *prometheus.Desc
}

func newLatencyCollector(stats func() store.WriterStats) *latencyCollector {
	return &latencyCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commit_latency_seconds"),
			"Commit latency of successful batch writes.",
			nil, nil),
	}
}

func (c *latencyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *latencyCollector) Collect(ch chan<- prometheus.Metric) {
	l := c.stats().Latency
	ch <- prometheus.MustNewConstSummary(c.desc,
		uint64(l.Count),
		l.Mean*float64(l.Count),
		map[float64]float64{0.5: l.P50, 0.9: l.P90, 0.99: l.P99})
}
