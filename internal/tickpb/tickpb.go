// Package tickpb encodes ticks and dead-lettered batches in protobuf wire
// format.
//
// The schema is:
//
//	message Tick {
//	  string symbol           = 1;
//	  sfixed64 ts_unix_nano   = 2;
//	  double price            = 3;
//	  double size             = 4;
//	  uint32 side             = 5;  // 0 unknown, 1 buy, 2 sell
//	  uint64 seq              = 6;  // presence sets FlagHasSeq
//	  double open             = 7;
//	  double high             = 8;
//	  double low              = 9;
//	  double close            = 10;
//	  double volume           = 11;
//	  sfixed64 received_unix_nano = 12;
//	  uint32 flags            = 13;
//	}
//
//	message DeadLetter {
//	  uint64 batch_seq        = 1;
//	  string key              = 2;
//	  string reason           = 3;
//	  uint32 trigger          = 4;
//	  uint32 attempts         = 5;
//	  sfixed64 created_unix_nano = 6;
//	  sfixed64 dead_unix_nano = 7;
//	  repeated Tick ticks     = 8;
//	}
package tickpb

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/tickpipe/internal/tick"
)

// Tick field numbers.
const (
	fieldSymbol     protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldPrice      protowire.Number = 3
	fieldSize       protowire.Number = 4
	fieldSide       protowire.Number = 5
	fieldSeq        protowire.Number = 6
	fieldOpen       protowire.Number = 7
	fieldHigh       protowire.Number = 8
	fieldLow        protowire.Number = 9
	fieldClose      protowire.Number = 10
	fieldVolume     protowire.Number = 11
	fieldReceivedAt protowire.Number = 12
	fieldFlags      protowire.Number = 13
)

// DeadLetter field numbers.
const (
	fieldBatchSeq  protowire.Number = 1
	fieldKey       protowire.Number = 2
	fieldReason    protowire.Number = 3
	fieldTrigger   protowire.Number = 4
	fieldAttempts  protowire.Number = 5
	fieldCreatedAt protowire.Number = 6
	fieldDeadAt    protowire.Number = 7
	fieldTicks     protowire.Number = 8
)

// AppendTick appends the wire encoding of t to b.
func AppendTick(b []byte, t *tick.Tick) []byte {
	b = protowire.AppendTag(b, fieldSymbol, protowire.BytesType)
	b = protowire.AppendString(b, t.Symbol)
	b = appendTime(b, fieldTimestamp, t.Timestamp)
	b = appendDouble(b, fieldPrice, t.Price)
	b = appendDouble(b, fieldSize, t.Size)
	if t.Side != tick.SideUnknown {
		b = protowire.AppendTag(b, fieldSide, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(t.Side))
	}
	if t.HasSeq() {
		b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, t.Seq)
	}
	b = appendDouble(b, fieldOpen, t.Open)
	b = appendDouble(b, fieldHigh, t.High)
	b = appendDouble(b, fieldLow, t.Low)
	b = appendDouble(b, fieldClose, t.Close)
	b = appendDouble(b, fieldVolume, t.Volume)
	b = appendTime(b, fieldReceivedAt, t.ReceivedAt)
	if flags := t.Flags &^ tick.FlagHasSeq; flags != 0 {
		b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(flags))
	}
	return b
}

// MarshalTick returns the wire encoding of t.
func MarshalTick(t *tick.Tick) []byte {
	return AppendTick(nil, t)
}

// UnmarshalTick decodes a Tick message. Unknown fields are skipped.
func UnmarshalTick(b []byte) (tick.Tick, error) {
	var t tick.Tick
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSymbol && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return t, fmt.Errorf("symbol: %w", protowire.ParseError(n))
			}
			t.Symbol = v
			b = b[n:]
		case (num == fieldTimestamp || num == fieldReceivedAt) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return t, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			ts := time.Unix(0, int64(v)).UTC()
			if num == fieldTimestamp {
				t.Timestamp = ts
			} else {
				t.ReceivedAt = ts
			}
			b = b[n:]
		case typ == protowire.Fixed64Type && isDoubleField(num):
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return t, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			setDouble(&t, num, math.Float64frombits(v))
			b = b[n:]
		case (num == fieldSide || num == fieldSeq || num == fieldFlags) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return t, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldSide:
				if v > uint64(tick.SideSell) {
					return t, fmt.Errorf("side %d out of range", v)
				}
				t.Side = tick.Side(v)
			case fieldSeq:
				t.Seq = v
				t.Flags |= tick.FlagHasSeq
			case fieldFlags:
				t.Flags |= tick.Flags(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return t, nil
}

// DeadLetter is a batch that could not be committed, with the cause.
type DeadLetter struct {
	BatchSeq  uint64
	Key       string
	Reason    string
	Trigger   tick.Trigger
	Attempts  int
	CreatedAt time.Time
	DeadAt    time.Time
	Ticks     []tick.Tick
}

// FromBatch builds a dead letter record for b.
func FromBatch(b *tick.Batch, reason string, deadAt time.Time) *DeadLetter {
	return &DeadLetter{
		BatchSeq:  b.Seq,
		Key:       b.Key(),
		Reason:    reason,
		Trigger:   b.Trigger,
		Attempts:  b.Attempts,
		CreatedAt: b.CreatedAt,
		DeadAt:    deadAt,
		Ticks:     b.Ticks,
	}
}

// MarshalDeadLetter returns the wire encoding of d.
func MarshalDeadLetter(d *DeadLetter) []byte {
	b := make([]byte, 0, 64+len(d.Ticks)*96)
	b = protowire.AppendTag(b, fieldBatchSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, d.BatchSeq)
	b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
	b = protowire.AppendString(b, d.Key)
	b = protowire.AppendTag(b, fieldReason, protowire.BytesType)
	b = protowire.AppendString(b, d.Reason)
	b = protowire.AppendTag(b, fieldTrigger, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Trigger))
	b = protowire.AppendTag(b, fieldAttempts, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Attempts))
	b = appendTime(b, fieldCreatedAt, d.CreatedAt)
	b = appendTime(b, fieldDeadAt, d.DeadAt)

	var tb []byte
	for i := range d.Ticks {
		tb = AppendTick(tb[:0], &d.Ticks[i])
		b = protowire.AppendTag(b, fieldTicks, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b
}

// UnmarshalDeadLetter decodes a DeadLetter message.
func UnmarshalDeadLetter(b []byte) (*DeadLetter, error) {
	d := &DeadLetter{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case (num == fieldKey || num == fieldReason) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			if num == fieldKey {
				d.Key = v
			} else {
				d.Reason = v
			}
			b = b[n:]
		case num == fieldTicks && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("ticks: %w", protowire.ParseError(n))
			}
			t, err := UnmarshalTick(v)
			if err != nil {
				return nil, fmt.Errorf("tick %d: %w", len(d.Ticks), err)
			}
			d.Ticks = append(d.Ticks, t)
			b = b[n:]
		case (num == fieldBatchSeq || num == fieldTrigger || num == fieldAttempts) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldBatchSeq:
				d.BatchSeq = v
			case fieldTrigger:
				d.Trigger = tick.Trigger(v)
			case fieldAttempts:
				d.Attempts = int(v)
			}
			b = b[n:]
		case (num == fieldCreatedAt || num == fieldDeadAt) && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			ts := time.Unix(0, int64(v)).UTC()
			if num == fieldCreatedAt {
				d.CreatedAt = ts
			} else {
				d.DeadAt = ts
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return d, nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(t.UnixNano()))
}

func isDoubleField(num protowire.Number) bool {
	switch num {
	case fieldPrice, fieldSize, fieldOpen, fieldHigh, fieldLow, fieldClose, fieldVolume:
		return true
	}
	return false
}

func setDouble(t *tick.Tick, num protowire.Number, v float64) {
	switch num {
	case fieldPrice:
		t.Price = v
	case fieldSize:
		t.Size = v
	case fieldOpen:
		t.Open = v
	case fieldHigh:
		t.High = v
	case fieldLow:
		t.Low = v
	case fieldClose:
		t.Close = v
	case fieldVolume:
		t.Volume = v
	}
}
