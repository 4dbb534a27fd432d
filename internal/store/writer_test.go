package store

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/logging"
	"github.com/xtxerr/tickpipe/internal/retry"
	testutil "github.com/xtxerr/tickpipe/internal/testing"
	"github.com/xtxerr/tickpipe/internal/tick"
)

var start = time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)

func makeBatch(seq uint64, n int) *tick.Batch {
	b := tick.NewBatch(seq, n)
	for _, tk := range testutil.Ticks("TCS", n, start.Add(time.Duration(seq)*time.Minute)) {
		b.Add(tk, start)
	}
	b.Close(tick.TriggerSize, start)
	return b
}

func testOptions(attempts int) WriterOptions {
	return WriterOptions{
		Table:         "ticks",
		CommitTimeout: time.Second,
		Retry: retry.Policy{
			Base:        time.Millisecond,
			Cap:         5 * time.Millisecond,
			MaxAttempts: attempts,
		},
	}
}

func TestWriter_RetrySucceeds(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(call int, key string) error {
		if call < 3 {
			return errors.New("IO Error: database is locked")
		}
		return nil
	}
	dlq := &testutil.FakeSink{}
	w := NewWriter(ins, dlq, testOptions(5))

	b := makeBatch(1, 10)
	if err := w.Commit(context.Background(), b); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	calls := ins.Calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	for _, c := range calls {
		if c.Key != b.Key() || c.Table != "ticks" || c.Rows != 10 {
			t.Errorf("unexpected call %+v", c)
		}
	}
	if len(ins.Rows()) != 10 {
		t.Errorf("stored rows = %d, want 10 (no duplicates)", len(ins.Rows()))
	}
	if b.Attempts != 3 {
		t.Errorf("attempts = %d", b.Attempts)
	}

	s := w.Stats()
	if s.BatchesCommitted != 1 || s.CommitRetries != 2 || s.TransientFailures != 2 {
		t.Errorf("stats = %+v", s)
	}
	if s.Latency.Count != 1 {
		t.Errorf("latency count = %d", s.Latency.Count)
	}
	if len(dlq.Puts()) != 0 {
		t.Error("nothing should be dead-lettered")
	}
}

func TestWriter_TimedOutAttemptThatCommittedIsNotDuplicated(t *testing.T) {
	ins := testutil.NewFakeInserter()
	w := NewWriter(ins, &testutil.FakeSink{}, testOptions(3))

	b := makeBatch(4, 5)
	// First attempt lands in the store but the client sees a timeout.
	if err := ins.BulkInsert(context.Background(), "ticks", b.Key(), b.Rows()); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	if len(ins.Rows()) != 5 {
		t.Errorf("rows = %d, want 5", len(ins.Rows()))
	}
}

func TestWriter_PermanentGoesToDeadLetter(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(call int, key string) error {
		if call == 1 {
			return errors.New("Conversion Error: could not convert")
		}
		return nil
	}
	dlq := &testutil.FakeSink{}
	w := NewWriter(ins, dlq, testOptions(5))

	bad, good := makeBatch(1, 3), makeBatch(2, 3)

	err := w.Commit(context.Background(), bad)
	if !errors.Is(err, errors.ErrPermanentWrite) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if errors.IsFatal(err) {
		t.Error("dead-lettered batch should not be fatal")
	}
	if err := w.Commit(context.Background(), good); err != nil {
		t.Fatalf("next batch should commit: %v", err)
	}

	puts := dlq.Puts()
	if len(puts) != 1 || puts[0].Batch != bad {
		t.Fatalf("dead letters = %+v", puts)
	}
	if len(ins.Calls()) != 2 {
		t.Errorf("permanent failure should not be retried: %d calls", len(ins.Calls()))
	}

	s := w.Stats()
	if s.BatchesDeadLettered != 1 || s.PermanentFailures != 1 || s.BatchesCommitted != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWriter_DeadLetterLogAttributes(t *testing.T) {
	var buf bytes.Buffer
	logging.InitWriter(&buf, slog.LevelInfo, false)
	t.Cleanup(func() { logging.Init(slog.LevelInfo, false) })

	ins := testutil.NewFakeInserter()
	ins.Fail = func(call int, key string) error {
		return errors.New("Conversion Error: could not convert")
	}
	w := NewWriter(ins, &testutil.FakeSink{}, testOptions(1))

	b := makeBatch(9, 3)
	ctx := logging.ContextWithRunID(context.Background(), "run-1")
	if err := w.Commit(ctx, b); !errors.Is(err, errors.ErrPermanentWrite) {
		t.Fatalf("expected permanent error, got %v", err)
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "batch dead-lettered") {
			line = l
		}
	}
	if line == "" {
		t.Fatalf("no dead-letter entry in %q", buf.String())
	}
	first, last := b.TimeRange()
	for _, want := range []string{
		"component=writer",
		"run_id=run-1",
		"batch_seq=9",
		"first_ts=" + first.Format(time.DateOnly+"T"+time.TimeOnly),
		"last_ts=" + last.Format(time.DateOnly+"T"+time.TimeOnly),
	} {
		if !strings.Contains(line, want) {
			t.Errorf("missing %q in %s", want, line)
		}
	}
}

func TestWriter_ExhaustedGoesToDeadLetter(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(int, string) error { return errors.New("database is locked") }
	dlq := &testutil.FakeSink{}
	w := NewWriter(ins, dlq, testOptions(3))

	err := w.Commit(context.Background(), makeBatch(1, 2))
	if !errors.Is(err, errors.ErrTransientWrite) {
		t.Fatalf("got %v", err)
	}
	if len(ins.Calls()) != 3 {
		t.Errorf("calls = %d, want 3", len(ins.Calls()))
	}
	if len(dlq.Puts()) != 1 {
		t.Errorf("dead letters = %d", len(dlq.Puts()))
	}
}

func TestWriter_DeadLetterFailureIsFatal(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(int, string) error { return errors.New("Binder Error: bad") }
	dlq := &testutil.FakeSink{Err: errors.New("disk full")}
	w := NewWriter(ins, dlq, testOptions(3))

	err := w.Commit(context.Background(), makeBatch(1, 2))
	if !errors.Is(err, errors.ErrDeadLetterExhausted) || !errors.IsFatal(err) {
		t.Fatalf("expected fatal dead-letter error, got %v", err)
	}
}

func TestWriter_RunInOrder(t *testing.T) {
	ins := testutil.NewFakeInserter()
	w := NewWriter(ins, &testutil.FakeSink{}, testOptions(3))

	in := make(chan *tick.Batch, 10)
	var want []string
	for seq := uint64(1); seq <= 10; seq++ {
		b := makeBatch(seq, int(seq))
		want = append(want, b.Key())
		in <- b
	}
	close(in)

	if err := w.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := ins.Committed()
	if len(got) != len(want) {
		t.Fatalf("committed %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: %s, want %s", i, got[i], want[i])
		}
	}
	if s := w.Stats(); s.LastCommitSeq != 10 || s.TicksCommitted != 55 {
		t.Errorf("stats = %+v", s)
	}
}

func TestWriter_RunStopsOnFatal(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Fail = func(int, string) error { return errors.New("Catalog Error: no table") }
	w := NewWriter(ins, &testutil.FakeSink{Err: errors.New("read-only")}, testOptions(1))

	in := make(chan *tick.Batch, 2)
	in <- makeBatch(1, 1)
	in <- makeBatch(2, 1)

	err := w.Run(context.Background(), in)
	if !errors.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestWriter_RunHardStopAbandons(t *testing.T) {
	ins := testutil.NewFakeInserter()
	ins.Delay = time.Hour
	w := NewWriter(ins, &testutil.FakeSink{}, testOptions(3))

	in := make(chan *tick.Batch, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		in <- makeBatch(seq, 1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, in)
	}()

	// Wait until the first batch is in flight.
	if err := testutil.Eventually(time.Second, time.Millisecond, func() bool {
		return len(in) == 2
	}); err != nil {
		t.Fatal(err)
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}

	if got := w.Stats().AbandonedBatches; got != 3 {
		t.Errorf("abandoned = %d, want 3", got)
	}
	if w.Stats().BatchesDeadLettered != 0 {
		t.Error("a hard stop must not dead-letter")
	}
}

func TestWriter_AlreadyRunning(t *testing.T) {
	w := NewWriter(testutil.NewFakeInserter(), &testutil.FakeSink{}, testOptions(1))

	in := make(chan *tick.Batch)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx, in)

	if err := testutil.Eventually(time.Second, time.Millisecond, w.running.Load); err != nil {
		t.Fatal(err)
	}
	if err := w.Run(ctx, in); !errors.Is(err, errors.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}
