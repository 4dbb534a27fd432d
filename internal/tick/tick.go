// Package tick defines the values flowing through the ingestion pipeline.
package tick

import (
	"strings"
	"time"
)

// Side is the aggressor side of a trade, when the feed reports it.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// String returns a human-readable representation of the Side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide parses buy/sell (and b/s, bid/ask) case-insensitively.
func ParseSide(s string) Side {
	switch strings.ToLower(s) {
	case "buy", "b", "bid":
		return SideBuy
	case "sell", "s", "ask":
		return SideSell
	default:
		return SideUnknown
	}
}

// Flags annotate a tick.
type Flags uint32

const (
	// FlagOutOfOrder marks a tick older than the previous tick of its symbol.
	FlagOutOfOrder Flags = 1 << iota
	// FlagFeedTimestamp marks a timestamp taken from the feed rather than
	// from the arrival clock.
	FlagFeedTimestamp
	// FlagHasSeq marks Seq as supplied by the feed.
	FlagHasSeq
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Tick is a single market event. It is passed by value and never mutated
// after it has been accepted into the buffer.
type Tick struct {
	Symbol string

	// Timestamp is the exchange timestamp if the feed sent one, else ReceivedAt.
	Timestamp time.Time

	// ReceivedAt is the local arrival time, including the monotonic reading.
	ReceivedAt time.Time

	Price float64
	Size  float64
	Side  Side
	Flags Flags

	// Seq is the feed sequence number; valid only with FlagHasSeq.
	Seq uint64

	// Session quote fields (snap quote feeds). Zero when absent.
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// OutOfOrder reports whether the tick was tagged out of order.
func (t *Tick) OutOfOrder() bool {
	return t.Flags.Has(FlagOutOfOrder)
}

// HasSeq reports whether Seq was supplied by the feed.
func (t *Tick) HasSeq() bool {
	return t.Flags.Has(FlagHasSeq)
}

// Columns is the column order produced by Row.
var Columns = []string{
	"symbol", "ts", "received_at", "price", "size", "side", "flags", "seq",
	"out_of_order", "open", "high", "low", "close", "volume",
}

// Row returns the tick as a row tuple in Columns order.
func (t *Tick) Row() []any {
	var seq any
	if t.HasSeq() {
		seq = t.Seq
	}
	return []any{
		t.Symbol,
		t.Timestamp.UTC(),
		t.ReceivedAt.UTC(),
		t.Price,
		t.Size,
		t.Side.String(),
		uint32(t.Flags),
		seq,
		t.OutOfOrder(),
		t.Open,
		t.High,
		t.Low,
		t.Close,
		t.Volume,
	}
}
