package tick

import (
	"fmt"
	"time"
)

// Trigger records why a batch was flushed.
type Trigger uint8

const (
	TriggerSize Trigger = iota + 1
	TriggerWindow
	TriggerShutdown
)

// String returns a human-readable representation of the Trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerSize:
		return "size"
	case TriggerWindow:
		return "window"
	case TriggerShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Batch is an ordered group of ticks committed as one bulk operation.
//
// A batch belongs to the batcher until it is handed off, then to the store
// writer until it is committed or dead-lettered. Only the current owner may
// touch it.
type Batch struct {
	// Seq is monotonic per pipeline run.
	Seq uint64

	Ticks []Tick

	// CreatedAt is when the first tick was appended.
	CreatedAt time.Time

	// ClosedAt is when the batch was flushed.
	ClosedAt time.Time

	Trigger Trigger

	// Attempts counts commit attempts made by the writer.
	Attempts int

	key string
}

// NewBatch creates an empty batch with the given capacity.
func NewBatch(seq uint64, capacity int) *Batch {
	return &Batch{
		Seq:   seq,
		Ticks: make([]Tick, 0, capacity),
	}
}

// Add appends a tick, stamping CreatedAt on the first one.
func (b *Batch) Add(t Tick, now time.Time) {
	if len(b.Ticks) == 0 {
		b.CreatedAt = now
	}
	b.Ticks = append(b.Ticks, t)
}

// Len returns the number of ticks in the batch.
func (b *Batch) Len() int {
	return len(b.Ticks)
}

// Close seals the batch. The idempotency key is fixed from here on.
func (b *Batch) Close(trigger Trigger, now time.Time) {
	b.Trigger = trigger
	b.ClosedAt = now
	b.key = ""
}

// Key returns the idempotency key: "<seq>-<content hash>".
// Two batches with the same sequence and contents share a key, so a retried
// commit of the same batch is recognized by stores that dedup on it.
func (b *Batch) Key() string {
	if b.key == "" {
		b.key = fmt.Sprintf("%d-%016x", b.Seq, b.ContentHash())
	}
	return b.key
}

// ContentHash hashes every tick field in order.
func (b *Batch) ContentHash() uint64 {
	h := NewHashBuilder().Int(len(b.Ticks))
	for i := range b.Ticks {
		t := &b.Ticks[i]
		h.String(t.Symbol).
			Int64(t.Timestamp.UnixNano()).
			Float64(t.Price).
			Float64(t.Size).
			Uint32(uint32(t.Side)).
			Uint32(uint32(t.Flags)).
			Uint64(t.Seq).
			Float64(t.Open).
			Float64(t.High).
			Float64(t.Low).
			Float64(t.Close).
			Float64(t.Volume)
	}
	return h.Build()
}

// Rows returns all ticks as row tuples.
func (b *Batch) Rows() [][]any {
	rows := make([][]any, len(b.Ticks))
	for i := range b.Ticks {
		rows[i] = b.Ticks[i].Row()
	}
	return rows
}

// TimeRange returns the first and last tick timestamps.
// Returns zero times for an empty batch.
func (b *Batch) TimeRange() (first, last time.Time) {
	if len(b.Ticks) == 0 {
		return time.Time{}, time.Time{}
	}
	return b.Ticks[0].Timestamp, b.Ticks[len(b.Ticks)-1].Timestamp
}
