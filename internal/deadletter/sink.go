// Package deadletter stores batches that could not be committed.
//
// Two sinks are provided: ParquetSink writes one Parquet file per batch and
// WALSink appends CRC-framed records to segment files. Both are bounded;
// once MaxBatches batches have been accepted every further Put fails with
// errors.ErrDeadLetterExhausted, which the pipeline treats as fatal.
package deadletter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
	"github.com/xtxerr/tickpipe/internal/tickpb"
)

// Kinds of sink.
const (
	KindParquet = "parquet"
	KindWAL     = "wal"
)

// Sink accepts dead-lettered batches.
type Sink interface {
	// Put persists batch with the failure that sent it here.
	Put(ctx context.Context, batch *tick.Batch, cause error) error

	// Close flushes and releases the sink.
	Close() error
}

// Record is a dead-lettered batch as read back from a sink.
type Record = tickpb.DeadLetter

// Open creates the sink of the given kind in dir.
func Open(kind, dir string, maxBatches int) (Sink, error) {
	switch kind {
	case KindParquet:
		return NewParquetSink(dir, maxBatches)
	case KindWAL:
		return NewWALSink(dir, WALOptions{MaxBatches: maxBatches})
	default:
		return nil, errors.NewInvalidValue("dead_letter.kind", kind, "must be parquet or wal")
	}
}

// ReadAll returns every record stored in dir by a sink of the given kind,
// ordered by dead-letter time.
func ReadAll(kind, dir string) ([]*Record, error) {
	var (
		recs []*Record
		err  error
	)
	switch kind {
	case KindParquet:
		recs, err = ReadParquetDir(dir)
	case KindWAL:
		recs, err = ReadWALDir(dir)
	default:
		return nil, errors.NewInvalidValue("kind", kind, "must be parquet or wal")
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].DeadAt.Before(recs[j].DeadAt)
	})
	return recs, nil
}

// quota counts accepted batches against a fixed limit.
type quota struct {
	mu   sync.Mutex
	max  int
	used int
}

// take reserves one slot.
func (q *quota) take() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.max > 0 && q.used >= q.max {
		return errors.Mark(
			fmt.Errorf("dead-letter capacity of %d batches reached", q.max),
			errors.ErrDeadLetterExhausted)
	}
	q.used++
	return nil
}

// release returns a slot reserved by a failed write.
func (q *quota) release() {
	q.mu.Lock()
	q.used--
	q.mu.Unlock()
}

func (q *quota) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used
}

func reasonOf(cause error) string {
	if cause == nil {
		return "unknown"
	}
	return cause.Error()
}
