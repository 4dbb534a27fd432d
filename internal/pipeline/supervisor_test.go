package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xtxerr/tickpipe/internal/config"
	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/feed"
	"github.com/xtxerr/tickpipe/internal/metrics"
	testutil "github.com/xtxerr/tickpipe/internal/testing"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Feed.URL = "ws://feed.test/stream"
	cfg.Feed.Format = "json"
	cfg.Feed.IdleTimeout = time.Minute
	cfg.Batch.Size = 100
	cfg.Batch.Window = 5 * time.Second
	cfg.Store.Table = "ticks"
	cfg.Store.CommitTimeout = time.Second
	cfg.Store.Retry.Base = time.Millisecond
	cfg.Store.Retry.Cap = 5 * time.Millisecond
	cfg.Shutdown.Grace = 5 * time.Second
	cfg.Backpressure.CheckInterval = 10 * time.Millisecond
	return cfg
}

func scriptedDialer(msgs [][]byte) feed.Dialer {
	return feed.DialerFunc(func(ctx context.Context) (feed.Conn, error) {
		return testutil.NewScriptedConn(msgs, nil), nil
	})
}

func startPipeline(t *testing.T, s *Supervisor) (cancel func(), done <-chan error) {
	t.Helper()

	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- s.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func waitDone(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func TestSupervisor_EndToEnd(t *testing.T) {
	ins := testutil.NewFakeInserter()
	s, err := New(testConfig(), scriptedDialer(testutil.JSONMessages("RELIANCE", 0, 250)), ins, &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}
	reg := metrics.New(s.MetricsSources())

	cancel, done := startPipeline(t, s)

	// Two size-triggered batches commit while the pipeline runs.
	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return len(ins.Committed()) == 2
	}); err != nil {
		t.Fatalf("committed %d batches: %v", len(ins.Committed()), err)
	}
	if !s.Live() {
		t.Error("feed should be live")
	}

	cancel()
	if err := waitDone(t, done, 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sizes := ins.BatchSizes()
	want := []int{100, 100, 50}
	if len(sizes) != len(want) {
		t.Fatalf("batch sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("batch sizes = %v, want %v", sizes, want)
			break
		}
	}

	rows := ins.Rows()
	for i, row := range rows {
		if row[7] != uint64(i) {
			t.Fatalf("row %d has seq %v: order lost", i, row[7])
		}
	}

	st := s.Stats()
	if st.Ingest.Accepted != 250 || st.Writer.TicksCommitted != 250 {
		t.Errorf("stats = %+v", st)
	}
	if st.Batcher.ShutdownFlushes != 1 {
		t.Errorf("shutdown flushes = %d", st.Batcher.ShutdownFlushes)
	}

	expected := `
# HELP tickpipe_ticks_committed_total Ticks committed to the store.
# TYPE tickpipe_ticks_committed_total counter
tickpipe_ticks_committed_total 250
`
	if err := promtest.GatherAndCompare(reg.Gatherer(), strings.NewReader(expected), "tickpipe_ticks_committed_total"); err != nil {
		t.Error(err)
	}
}

func TestSupervisor_WindowEdgeCommitsRemainder(t *testing.T) {
	cfg := testConfig()
	cfg.Batch.Window = 200 * time.Millisecond

	ins := testutil.NewFakeInserter()
	s, err := New(cfg, scriptedDialer(testutil.JSONMessages("WIPRO", 0, 250)), ins, &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	cancel, done := startPipeline(t, s)

	// The 50-tick remainder commits on the window, with the pipeline running.
	if err := testutil.Eventually(3*time.Second, 5*time.Millisecond, func() bool {
		return len(ins.Committed()) == 3
	}); err != nil {
		t.Fatalf("committed %d batches: %v", len(ins.Committed()), err)
	}
	if elapsed := time.Since(start); elapsed < cfg.Batch.Window {
		t.Errorf("remainder committed after %v, before the window elapsed", elapsed)
	}

	bs := s.Stats().Batcher
	if bs.SizeFlushes != 2 || bs.WindowFlushes != 1 || bs.ShutdownFlushes != 0 {
		t.Errorf("flushes size=%d window=%d shutdown=%d, want 2/1/0",
			bs.SizeFlushes, bs.WindowFlushes, bs.ShutdownFlushes)
	}

	sizes := ins.BatchSizes()
	if len(sizes) != 3 || sizes[0] != 100 || sizes[1] != 100 || sizes[2] != 50 {
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}

	cancel()
	if err := waitDone(t, done, 5*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := s.Stats().Batcher.ShutdownFlushes; got != 0 {
		t.Errorf("shutdown flushed %d batches with an empty buffer", got)
	}
}

func TestSupervisor_OverloadRejectsWithoutLosingAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer.Capacity = 50
	cfg.Batch.Size = 10
	cfg.Batch.HandoffCapacity = 1

	ins := testutil.NewFakeInserter()
	ins.Delay = 20 * time.Millisecond

	s, err := New(cfg, scriptedDialer(testutil.JSONMessages("TCS", 0, 1000)), ins, &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}

	cancel, done := startPipeline(t, s)

	if err := testutil.Eventually(2*time.Second, 5*time.Millisecond, func() bool {
		return s.Stats().Ingest.Messages == 1000
	}); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := waitDone(t, done, 10*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := s.Stats()
	if st.Ingest.Rejected == 0 {
		t.Error("expected rejections under overload")
	}
	if st.Ingest.Accepted+st.Ingest.Rejected != 1000 {
		t.Errorf("accepted %d + rejected %d != 1000", st.Ingest.Accepted, st.Ingest.Rejected)
	}
	if int64(len(ins.Rows())) != st.Ingest.Accepted {
		t.Errorf("committed %d rows, accepted %d", len(ins.Rows()), st.Ingest.Accepted)
	}
	if st.Buffer.DropCount != st.Ingest.Rejected {
		t.Errorf("buffer drops %d, ingest rejections %d", st.Buffer.DropCount, st.Ingest.Rejected)
	}

	var last uint64
	for i, row := range ins.Rows() {
		seq := row[7].(uint64)
		if i > 0 && seq <= last {
			t.Fatalf("row %d: seq %d after %d", i, seq, last)
		}
		last = seq
	}
}

func TestSupervisor_WriterFatal(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(int, string) error { return errors.New("Catalog Error: table ticks does not exist") }
	sink := &testutil.FakeSink{Err: errors.New("read-only file system")}

	cfg := testConfig()
	cfg.Batch.Size = 10
	cfg.Shutdown.Grace = 5 * time.Second

	s, err := New(cfg, scriptedDialer(testutil.JSONMessages("A", 0, 200)), ins, sink)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, done := startPipeline(t, s)
	err = waitDone(t, done, 5*time.Second)

	// The batcher must not wait out the grace period on a handoff nobody reads.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("pipeline took %v to stop after a writer failure", elapsed)
	}

	var ce *ComponentError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ComponentError, got %v", err)
	}
	if ce.Component != ComponentWriter {
		t.Errorf("component = %s", ce.Component)
	}
	if !errors.Is(err, errors.ErrDeadLetterExhausted) {
		t.Errorf("expected dead-letter exhaustion, got %v", err)
	}

	st := s.Stats()
	if st.Batcher.Queued != 0 {
		t.Errorf("%d batches left queued", st.Batcher.Queued)
	}
	if st.Writer.BatchesCommitted != 0 {
		t.Errorf("committed = %d", st.Writer.BatchesCommitted)
	}
}

func TestSupervisor_FeedFatal(t *testing.T) {
	dialer := feed.DialerFunc(func(ctx context.Context) (feed.Conn, error) {
		return nil, errors.Mark(errors.New("handshake rejected: 403 Forbidden"), errors.ErrFatalConnection)
	})

	s, err := New(testConfig(), dialer, testutil.NewFakeInserter(), &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}

	_, done := startPipeline(t, s)
	err = waitDone(t, done, 5*time.Second)

	var ce *ComponentError
	if !errors.As(err, &ce) || ce.Component != ComponentFeed {
		t.Fatalf("expected feed failure, got %v", err)
	}
	if !errors.IsFatal(err) {
		t.Error("feed failure should be fatal")
	}
}

func TestSupervisor_GraceExpires(t *testing.T) {
	cfg := testConfig()
	cfg.Shutdown.Grace = 100 * time.Millisecond

	ins := testutil.NewFakeInserter()
	ins.Delay = time.Hour

	s, err := New(cfg, scriptedDialer(testutil.JSONMessages("A", 0, 5)), ins, &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}

	cancel, done := startPipeline(t, s)
	if err := testutil.Eventually(time.Second, time.Millisecond, func() bool {
		return s.Stats().Ingest.Accepted == 5
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	cancel()
	if err := waitDone(t, done, 3*time.Second); err != nil {
		t.Fatalf("grace expiry should not be fatal: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown took %v", elapsed)
	}
	if got := s.Stats().Writer.AbandonedBatches; got != 1 {
		t.Errorf("abandoned = %d, want 1", got)
	}
	if len(ins.Committed()) != 0 {
		t.Error("nothing should have committed")
	}
}

func TestSupervisor_BadFormat(t *testing.T) {
	cfg := testConfig()
	cfg.Feed.Format = "xml"

	if _, err := New(cfg, scriptedDialer(nil), testutil.NewFakeInserter(), &testutil.FakeSink{}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSupervisor_AlreadyRunning(t *testing.T) {
	s, err := New(testConfig(), scriptedDialer(nil), testutil.NewFakeInserter(), &testutil.FakeSink{})
	if err != nil {
		t.Fatal(err)
	}

	cancel, done := startPipeline(t, s)
	if err := testutil.Eventually(time.Second, time.Millisecond, s.Live); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background()); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	cancel()
	waitDone(t, done, 5*time.Second)
}
