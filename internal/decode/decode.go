// Package decode turns raw feed messages into ticks.
//
// Decoders are stateless: out-of-order tagging and every other
// cross-message concern belong to the single producer that calls them.
package decode

import (
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// Decoder converts one raw message into zero or more ticks.
//
// A nil slice with a nil error means the message was a control frame
// (heartbeat, subscription ack) and carried no ticks. Errors always wrap
// errors.ErrDecode.
type Decoder interface {
	Decode(raw []byte, receivedAt time.Time) ([]tick.Tick, error)
	Format() string
}

// Format names.
const (
	FormatJSON      = "json"
	FormatSnapQuote = "snapquote"
	FormatProto     = "proto"
)

// Options configures decoders.
type Options struct {
	// PriceDivisor scales integer prices (snapquote only).
	PriceDivisor float64
}

// ForFormat returns the decoder for a format name.
func ForFormat(format string, opts Options) (Decoder, error) {
	switch format {
	case FormatJSON:
		return JSON{}, nil
	case FormatSnapQuote:
		div := opts.PriceDivisor
		if div <= 0 {
			div = 1
		}
		return SnapQuote{PriceDivisor: div}, nil
	case FormatProto:
		return Proto{}, nil
	default:
		return nil, errors.NewInvalidValue("feed.format", format, "unknown format")
	}
}

// finish applies the common post-decode rules: arrival time, timestamp
// fallback and field validation.
func finish(t *tick.Tick, format string, receivedAt time.Time) error {
	t.ReceivedAt = receivedAt
	if t.Timestamp.IsZero() {
		t.Timestamp = receivedAt
		t.Flags &^= tick.FlagFeedTimestamp
	} else {
		t.Flags |= tick.FlagFeedTimestamp
	}
	// Ordering is decided downstream.
	t.Flags &^= tick.FlagOutOfOrder

	if t.Symbol == "" {
		return errors.NewDecode(format, "missing symbol")
	}
	if !finite(t.Price) || t.Price < 0 {
		return errors.NewDecode(format, fmt.Sprintf("invalid price %v", t.Price))
	}
	if !finite(t.Size) || t.Size < 0 {
		return errors.NewDecode(format, fmt.Sprintf("invalid size %v", t.Size))
	}
	for _, v := range [...]float64{t.Open, t.High, t.Low, t.Close, t.Volume} {
		if !finite(v) {
			return errors.NewDecode(format, "non-finite quote field")
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
