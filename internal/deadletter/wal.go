package deadletter

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
	"github.com/xtxerr/tickpipe/internal/tickpb"
)

// Segment file format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][DeadLetter protobuf]
const (
	walMagic         = 0x54504B444C510001 // "TPKDLQ" + version 1
	walVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8
	maxRecordSize    = 256 * 1024 * 1024
	segmentSuffix    = ".dlq"
)

// WALOptions configures the WAL sink.
type WALOptions struct {
	// MaxBatches bounds the number of batches held. Zero means unbounded.
	MaxBatches int

	// MaxSegmentSize is the size at which a new segment is started.
	// Default: 64MB
	MaxSegmentSize int64

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// WALSink appends dead-lettered batches to segment files. Each Put is
// flushed and fsynced before it returns.
type WALSink struct {
	mu sync.Mutex

	dir         string
	current     *os.File
	currentPath string
	currentSize int64
	segmentSeq  int64
	writer      *bufio.Writer
	closed      bool

	// torn is set when a failed record could not be cut off the current
	// segment; the next Put starts a new one.
	torn bool

	opts  WALOptions
	quota quota
	stats WALStats
}

// WALStats holds WAL sink statistics.
type WALStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	Errors          int64
}

// NewWALSink opens a WAL sink in dir. Records already in dir count against
// MaxBatches; writing continues in a fresh segment.
func NewWALSink(dir string, opts WALOptions) (*WALSink, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = 64 * 1024 * 1024
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create dead-letter dir: %w", err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	existing := 0
	for _, s := range segments {
		n, err := countRecords(s.path)
		if err != nil {
			return nil, fmt.Errorf("scan segment %s: %w", s.path, err)
		}
		existing += n
	}

	w := &WALSink{
		dir:   dir,
		opts:  opts,
		quota: quota{max: opts.MaxBatches, used: existing},
	}
	if len(segments) > 0 {
		w.segmentSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}
	return w, nil
}

// Put appends batch as one record.
func (w *WALSink) Put(ctx context.Context, batch *tick.Batch, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.ErrClosed
	}
	if err := w.quota.take(); err != nil {
		return err
	}

	payload := tickpb.MarshalDeadLetter(tickpb.FromBatch(batch, reasonOf(cause), time.Now()))

	recordSize := int64(recordHeaderSize + len(payload))
	if w.torn || (w.currentSize > headerSize && w.currentSize+recordSize > w.opts.MaxSegmentSize) {
		if err := w.rotate(); err != nil {
			w.stats.Errors++
			w.quota.release()
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	start := w.currentSize
	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		w.rollback(start)
		w.quota.release()
		return fmt.Errorf("write record: %w", err)
	}
	if err := w.sync(); err != nil {
		w.stats.Errors++
		w.rollback(start)
		w.quota.release()
		return fmt.Errorf("sync: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.BytesWritten += recordSize
	return nil
}

func (w *WALSink) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// rollback drops whatever part of a failed record reached the buffer or
// the file, so the segment ends on the record boundary at size.
func (w *WALSink) rollback(size int64) {
	w.writer.Reset(w.current)
	w.currentSize = size

	if err := w.current.Truncate(size); err != nil {
		w.torn = true
		return
	}
	if _, err := w.current.Seek(size, io.SeekStart); err != nil {
		w.torn = true
	}
}

func (w *WALSink) sync() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.current.Sync()
}

func (w *WALSink) rotate() error {
	if w.current != nil {
		w.writer.Flush()
		w.current.Close()
	}

	path := filepath.Join(w.dir, fmt.Sprintf("%016d%s", w.segmentSeq, segmentSuffix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.current = f
	w.currentPath = path
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.torn = false
	w.segmentSeq++
	w.stats.SegmentsCreated++
	return nil
}

// Count returns the number of batches held by the sink.
func (w *WALSink) Count() int {
	return w.quota.count()
}

// Stats returns sink statistics.
func (w *WALSink) Stats() WALStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path of the segment being written.
func (w *WALSink) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// Close flushes and closes the current segment.
func (w *WALSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		w.current.Close()
		return err
	}
	return w.current.Close()
}

// =============================================================================
// Reading
// =============================================================================

// WALReader reads records from one segment file.
type WALReader struct {
	path string
	file *os.File

	// CorruptRecords counts records skipped by ReadAll.
	CorruptRecords int64
}

// OpenWALSegment opens a segment and verifies its header.
func OpenWALSegment(path string) (*WALReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &WALReader{path: path, file: f}, nil
}

// Next returns the next record, or io.EOF at the end of the segment.
// A torn trailing record is reported as io.ErrUnexpectedEOF.
func (r *WALReader) Next() (*Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.file, header[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])
	if length > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.file, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("CRC mismatch: expected %x, got %x", expectedCRC, actual)
	}

	rec, err := tickpb.UnmarshalDeadLetter(payload)
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

// ReadAll reads every intact record. Reading stops at the first corrupt
// or torn record, since framing past it cannot be trusted.
func (r *WALReader) ReadAll() ([]*Record, error) {
	var recs []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			r.CorruptRecords++
			return recs, nil
		}
		recs = append(recs, rec)
	}
}

// Close closes the reader.
func (r *WALReader) Close() error {
	return r.file.Close()
}

// ReadWALDir reads every record from the segments in dir, in segment order.
func ReadWALDir(dir string) ([]*Record, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	var recs []*Record
	for _, s := range segments {
		r, err := OpenWALSegment(s.path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", s.path, err)
		}
		got, _ := r.ReadAll()
		r.Close()
		recs = append(recs, got...)
	}
	return recs, nil
}

func countRecords(path string) (int, error) {
	r, err := OpenWALSegment(path)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	recs, err := r.ReadAll()
	return len(recs), err
}

type segmentInfo struct {
	path string
	seq  int64
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || len(name) != 16+len(segmentSuffix) || name[16:] != segmentSuffix {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name[:16], "%016d", &seq); err != nil {
			continue
		}
		segments = append(segments, segmentInfo{path: filepath.Join(dir, name), seq: seq})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}
