package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// =============================================================================
// Bulk Inserter Fake
// =============================================================================

// InsertCall records one BulkInsert invocation.
type InsertCall struct {
	Table string
	Key   string
	Rows  int
}

// FakeInserter is an in-memory bulk inserter that deduplicates on the batch
// key the way the DuckDB ledger does.
type FakeInserter struct {
	mu sync.Mutex

	// Fail, if set, is consulted before each insert with the 1-based call
	// number. A non-nil result is returned without storing anything.
	Fail func(call int, key string) error

	// Delay is applied to every insert, honoring ctx.
	Delay time.Duration

	calls     []InsertCall
	committed []string
	rows      map[string][][]any
}

// NewFakeInserter creates an empty fake.
func NewFakeInserter() *FakeInserter {
	return &FakeInserter{rows: make(map[string][][]any)}
}

// BulkInsert stores rows under key unless key was already committed.
func (f *FakeInserter) BulkInsert(ctx context.Context, table, key string, rows [][]any) error {
	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.Delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, InsertCall{Table: table, Key: key, Rows: len(rows)})
	if f.Fail != nil {
		if err := f.Fail(len(f.calls), key); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, dup := f.rows[key]; dup {
		return nil
	}
	f.rows[key] = rows
	f.committed = append(f.committed, key)
	return nil
}

// Calls returns every insert attempt in order.
func (f *FakeInserter) Calls() []InsertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]InsertCall(nil), f.calls...)
}

// Committed returns committed batch keys in commit order.
func (f *FakeInserter) Committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}

// Rows returns all committed rows in commit order.
func (f *FakeInserter) Rows() [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var all [][]any
	for _, key := range f.committed {
		all = append(all, f.rows[key]...)
	}
	return all
}

// BatchSizes returns the row count of each committed batch in order.
func (f *FakeInserter) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sizes := make([]int, len(f.committed))
	for i, key := range f.committed {
		sizes[i] = len(f.rows[key])
	}
	return sizes
}

// =============================================================================
// Feed Connection Fake
// =============================================================================

// ScriptedConn replays a fixed list of messages, then fails with Err.
// With a nil Err it idles until the read deadline or Close.
type ScriptedConn struct {
	Messages [][]byte
	Err      error

	mu     sync.Mutex
	next   int
	closed chan struct{}
	once   sync.Once
}

// NewScriptedConn creates a connection that serves msgs then returns err.
func NewScriptedConn(msgs [][]byte, err error) *ScriptedConn {
	return &ScriptedConn{
		Messages: msgs,
		Err:      err,
		closed:   make(chan struct{}),
	}
}

// Next returns the next scripted message.
func (c *ScriptedConn) Next(deadline time.Time) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.ErrConnectionClosed
	default:
	}

	c.mu.Lock()
	if c.next < len(c.Messages) {
		msg := c.Messages[c.next]
		c.next++
		c.mu.Unlock()
		return msg, nil
	}
	c.mu.Unlock()

	if c.Err != nil {
		return nil, c.Err
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-c.closed:
		return nil, errors.ErrConnectionClosed
	case <-timeout:
		return nil, errors.ErrIdleTimeout
	}
}

// Close unblocks pending reads.
func (c *ScriptedConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Served returns how many messages were delivered.
func (c *ScriptedConn) Served() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

// Closed reports whether Close was called.
func (c *ScriptedConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// =============================================================================
// Tick Generators
// =============================================================================

// Ticks returns n ticks for symbol with increasing timestamps and Seq 0..n-1.
func Ticks(symbol string, n int, start time.Time) []tick.Tick {
	ticks := make([]tick.Tick, n)
	for i := range ticks {
		ts := start.Add(time.Duration(i) * time.Millisecond)
		ticks[i] = tick.Tick{
			Symbol:     symbol,
			Timestamp:  ts,
			ReceivedAt: ts,
			Price:      100 + float64(i)/100,
			Size:       1,
			Seq:        uint64(i),
			Flags:      tick.FlagHasSeq,
		}
	}
	return ticks
}

// JSONMessages returns n JSON feed messages for symbol with seq from..from+n-1.
func JSONMessages(symbol string, from, n int) [][]byte {
	msgs := make([][]byte, n)
	for i := range msgs {
		seq := from + i
		msgs[i] = []byte(fmt.Sprintf(
			`{"symbol":%q,"price":%d.%02d,"size":1,"seq":%d,"ts":%d}`,
			symbol, 100+seq/100, seq%100, seq, 1709284500000+int64(seq)))
	}
	return msgs
}

// =============================================================================
// Fake Dead-Letter Sink
// =============================================================================

// DeadLetter is a batch received by FakeSink.
type DeadLetter struct {
	Batch *tick.Batch
	Cause error
}

// FakeSink is an in-memory dead-letter sink.
type FakeSink struct {
	mu sync.Mutex

	// Err, if set, is returned by every Put.
	Err error

	puts   []DeadLetter
	closed bool
}

// Put records batch unless Err is set.
func (s *FakeSink) Put(ctx context.Context, batch *tick.Batch, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	s.puts = append(s.puts, DeadLetter{Batch: batch, Cause: cause})
	return nil
}

// Close marks the sink closed.
func (s *FakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Puts returns the recorded dead letters.
func (s *FakeSink) Puts() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadLetter(nil), s.puts...)
}
