package tick

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Hash Builder
// =============================================================================

// HashBuilder provides a fluent API for building content hashes.
//
// Usage:
//
//	hash := NewHashBuilder().
//	    String(t.Symbol).
//	    Int64(t.Timestamp.UnixNano()).
//	    Float64(t.Price).
//	    Build()
//
// The hash is deterministic - same inputs always produce the same output.
// Order of operations matters.
type HashBuilder struct {
	d   *xxhash.Digest
	buf [8]byte
}

// NewHashBuilder creates a new hash builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{d: xxhash.New()}
}

// String adds a string value to the hash.
func (b *HashBuilder) String(s string) *HashBuilder {
	b.d.WriteString(s)
	b.d.Write([]byte{0}) // Separator to avoid collisions
	return b
}

// Int adds an integer to the hash.
func (b *HashBuilder) Int(i int) *HashBuilder {
	return b.Uint64(uint64(i))
}

// Int64 adds an int64 to the hash.
func (b *HashBuilder) Int64(i int64) *HashBuilder {
	return b.Uint64(uint64(i))
}

// Uint32 adds a uint32 to the hash.
func (b *HashBuilder) Uint32(i uint32) *HashBuilder {
	binary.LittleEndian.PutUint32(b.buf[:4], i)
	b.d.Write(b.buf[:4])
	return b
}

// Uint64 adds a uint64 to the hash.
func (b *HashBuilder) Uint64(i uint64) *HashBuilder {
	binary.LittleEndian.PutUint64(b.buf[:], i)
	b.d.Write(b.buf[:])
	return b
}

// Float64 adds a float64 to the hash by its bit pattern.
func (b *HashBuilder) Float64(f float64) *HashBuilder {
	return b.Uint64(math.Float64bits(f))
}

// Build returns the final hash value.
func (b *HashBuilder) Build() uint64 {
	return b.d.Sum64()
}
