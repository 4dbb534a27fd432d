// Package buffer provides the bounded FIFO that decouples the feed reader
// from the batcher.
package buffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// RingBuffer is a thread-safe bounded circular buffer for ticks.
//
// It has one producer (the feed reader) and one consumer (the batcher).
// Push never blocks: when the buffer is full the incoming tick is rejected
// with errors.ErrBufferFull and counted. Ticks already buffered are never
// evicted.
type RingBuffer struct {
	mu       sync.Mutex
	data     []tick.Tick
	head     int64 // Next write position
	tail     int64 // Oldest data position
	count    int64 // Current number of elements
	capacity int64

	notify chan struct{}

	// Statistics
	pushCount atomic.Int64
	popCount  atomic.Int64
	dropCount atomic.Int64
	highWater atomic.Int64
}

// New creates a new RingBuffer with the given capacity.
func New(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingBuffer{
		data:     make([]tick.Tick, capacity),
		capacity: int64(capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Push appends a tick to the buffer.
// Returns errors.ErrBufferFull if the buffer is at capacity; the tick is
// dropped and counted as rejected.
func (rb *RingBuffer) Push(t tick.Tick) error {
	rb.mu.Lock()

	if rb.count >= rb.capacity {
		rb.mu.Unlock()
		rb.dropCount.Add(1)
		return errors.ErrBufferFull
	}

	idx := rb.head % rb.capacity
	rb.data[idx] = t
	rb.head++
	rb.count++
	count := rb.count
	rb.mu.Unlock()

	rb.pushCount.Add(1)
	if count > rb.highWater.Load() {
		rb.highWater.Store(count)
	}

	// Wake the consumer without ever blocking the producer.
	select {
	case rb.notify <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns up to max of the oldest ticks in FIFO order.
// Returns nil if the buffer is empty.
func (rb *RingBuffer) Drain(max int) []tick.Tick {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 || max <= 0 {
		return nil
	}

	count := int64(max)
	if count > rb.count {
		count = rb.count
	}

	result := make([]tick.Tick, count)
	for i := int64(0); i < count; i++ {
		idx := (rb.tail + i) % rb.capacity
		result[i] = rb.data[idx]
		rb.data[idx] = tick.Tick{} // Clear for GC
	}

	rb.tail += count
	rb.count -= count
	rb.popCount.Add(count)

	return result
}

// Notify returns a channel that receives a value after a push.
// Several pushes may coalesce into a single notification, so consumers
// must drain until empty after waking.
func (rb *RingBuffer) Notify() <-chan struct{} {
	return rb.notify
}

// Len returns the current number of ticks in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return int(rb.capacity)
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (rb *RingBuffer) UsageRatio() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return float64(rb.count) / float64(rb.capacity)
}

// Age returns how long the oldest buffered tick has been waiting.
// Returns 0 if the buffer is empty.
func (rb *RingBuffer) Age(now time.Time) time.Duration {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return 0
	}
	oldest := rb.data[rb.tail%rb.capacity].ReceivedAt
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() BufferStats {
	rb.mu.Lock()
	count := rb.count
	rb.mu.Unlock()

	return BufferStats{
		Capacity:   int(rb.capacity),
		Count:      int(count),
		UsageRatio: float64(count) / float64(rb.capacity),
		PushCount:  rb.pushCount.Load(),
		PopCount:   rb.popCount.Load(),
		DropCount:  rb.dropCount.Load(),
		HighWater:  int(rb.highWater.Load()),
	}
}

// BufferStats holds buffer statistics.
type BufferStats struct {
	Capacity   int
	Count      int
	UsageRatio float64
	PushCount  int64
	PopCount   int64
	DropCount  int64
	HighWater  int
}
