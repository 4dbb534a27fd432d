package deadletter

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

const (
	parquetPrefix = "dl-"
	parquetSuffix = ".parquet"
)

// Row is one dead-lettered tick in Parquet form. Batch metadata is
// repeated on every row so each file is self-describing.
type Row struct {
	BatchSeq   uint64  `parquet:"batch_seq"`
	BatchKey   string  `parquet:"batch_key,dict"`
	Reason     string  `parquet:"reason,dict,zstd"`
	Trigger    string  `parquet:"trigger,dict"`
	Attempts   int32   `parquet:"attempts"`
	CreatedNs  int64   `parquet:"created_ns"`
	DeadAtNs   int64   `parquet:"dead_at_ns"`
	Symbol     string  `parquet:"symbol,dict,zstd"`
	TsNs       int64   `parquet:"ts_ns"`
	ReceivedNs int64   `parquet:"received_ns"`
	Price      float64 `parquet:"price"`
	Size       float64 `parquet:"size"`
	Side       string  `parquet:"side,dict"`
	Flags      uint32  `parquet:"flags"`
	Seq        uint64  `parquet:"seq"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     float64 `parquet:"volume"`
}

// ParquetSink writes each dead-lettered batch to its own Parquet file,
// named after the batch key. A replayed key finds its file already present
// and is accepted without writing.
type ParquetSink struct {
	dir   string
	quota quota

	mu     sync.Mutex
	closed bool
}

// NewParquetSink creates a Parquet sink in dir. Files already in dir count
// against maxBatches.
func NewParquetSink(dir string, maxBatches int) (*ParquetSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}

	files, err := listParquet(dir)
	if err != nil {
		return nil, fmt.Errorf("list dead-letter dir: %w", err)
	}

	s := &ParquetSink{
		dir:   dir,
		quota: quota{max: maxBatches, used: len(files)},
	}
	return s, nil
}

// Put writes batch to dl-<key>.parquet.
func (s *ParquetSink) Put(ctx context.Context, batch *tick.Batch, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrClosed
	}

	path := filepath.Join(s.dir, parquetPrefix+batch.Key()+parquetSuffix)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := s.quota.take(); err != nil {
		return err
	}

	if err := writeParquet(path, rowsOf(batch, reasonOf(cause), time.Now())); err != nil {
		s.quota.release()
		return err
	}
	return nil
}

// Count returns the number of batches held by the sink.
func (s *ParquetSink) Count() int {
	return s.quota.count()
}

// Close marks the sink closed. Files are complete after each Put.
func (s *ParquetSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// writeParquet writes rows to a temporary file and renames it into place.
func writeParquet(path string, rows []Row) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}

	w := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Zstd))
	if _, err := w.Write(rows); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("close writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

func rowsOf(b *tick.Batch, reason string, deadAt time.Time) []Row {
	rows := make([]Row, len(b.Ticks))
	for i := range b.Ticks {
		t := &b.Ticks[i]
		rows[i] = Row{
			BatchSeq:   b.Seq,
			BatchKey:   b.Key(),
			Reason:     reason,
			Trigger:    b.Trigger.String(),
			Attempts:   int32(b.Attempts),
			CreatedNs:  unixNano(b.CreatedAt),
			DeadAtNs:   unixNano(deadAt),
			Symbol:     t.Symbol,
			TsNs:       unixNano(t.Timestamp),
			ReceivedNs: unixNano(t.ReceivedAt),
			Price:      t.Price,
			Size:       t.Size,
			Side:       t.Side.String(),
			Flags:      uint32(t.Flags),
			Seq:        t.Seq,
			Open:       t.Open,
			High:       t.High,
			Low:        t.Low,
			Close:      t.Close,
			Volume:     t.Volume,
		}
	}
	return rows
}

// ReadParquet reads one dead-letter file back into a record.
func ReadParquet(path string) (*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	r := parquet.NewGenericReader[Row](f)
	defer r.Close()

	rows := make([]Row, r.NumRows())
	n, err := r.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	rows = rows[:n]
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s: no rows", path)
	}

	first := rows[0]
	rec := &Record{
		BatchSeq:  first.BatchSeq,
		Key:       first.BatchKey,
		Reason:    first.Reason,
		Trigger:   parseTrigger(first.Trigger),
		Attempts:  int(first.Attempts),
		CreatedAt: fromUnixNano(first.CreatedNs),
		DeadAt:    fromUnixNano(first.DeadAtNs),
		Ticks:     make([]tick.Tick, len(rows)),
	}
	for i := range rows {
		row := &rows[i]
		rec.Ticks[i] = tick.Tick{
			Symbol:     row.Symbol,
			Timestamp:  fromUnixNano(row.TsNs),
			ReceivedAt: fromUnixNano(row.ReceivedNs),
			Price:      row.Price,
			Size:       row.Size,
			Side:       tick.ParseSide(row.Side),
			Flags:      tick.Flags(row.Flags),
			Seq:        row.Seq,
			Open:       row.Open,
			High:       row.High,
			Low:        row.Low,
			Close:      row.Close,
			Volume:     row.Volume,
		}
	}
	return rec, nil
}

// ReadParquetDir reads every dead-letter file in dir.
func ReadParquetDir(dir string) ([]*Record, error) {
	files, err := listParquet(dir)
	if err != nil {
		return nil, err
	}

	recs := make([]*Record, 0, len(files))
	for _, path := range files {
		rec, err := ReadParquet(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func listParquet(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, parquetPrefix) || !strings.HasSuffix(name, parquetSuffix) {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func parseTrigger(s string) tick.Trigger {
	for _, tr := range []tick.Trigger{tick.TriggerSize, tick.TriggerWindow, tick.TriggerShutdown} {
		if tr.String() == s {
			return tr
		}
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
