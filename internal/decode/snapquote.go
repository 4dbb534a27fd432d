package decode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// Snap quote packet layout (little-endian):
//
//	[0]        subscription mode (1 LTP, 2 quote, 3 snap quote)
//	[1]        exchange type
//	[2:27]     token, NUL padded
//	[27:35]    sequence number
//	[35:43]    exchange timestamp, unix ms
//	[43:51]    last traded price, integer
//	[51:59]    last traded quantity          (quote and above)
//	[59:67]    average traded price
//	[67:75]    volume traded for the day
//	[75:83]    total buy quantity, float64
//	[83:91]    total sell quantity, float64
//	[91:99]    open price of the day
//	[99:107]   high price of the day
//	[107:115]  low price of the day
//	[115:123]  close price
const (
	snapLTPSize   = 51
	snapQuoteSize = 123

	snapModeLTP   = 1
	snapModeQuote = 2
	snapModeSnap  = 3
)

// SnapQuote decodes the binary market data packets of the smart-stream
// protocol. Integer prices are divided by PriceDivisor.
type SnapQuote struct {
	PriceDivisor float64
}

// Format implements Decoder.
func (SnapQuote) Format() string { return FormatSnapQuote }

// Decode implements Decoder.
func (d SnapQuote) Decode(raw []byte, receivedAt time.Time) ([]tick.Tick, error) {
	// Text heartbeat reply.
	if string(raw) == "pong" {
		return nil, nil
	}
	if len(raw) < snapLTPSize {
		return nil, errors.NewDecode(FormatSnapQuote, fmt.Sprintf("packet too short: %d bytes", len(raw)))
	}

	mode := raw[0]
	switch mode {
	case snapModeLTP:
	case snapModeQuote, snapModeSnap:
		if len(raw) < snapQuoteSize {
			return nil, errors.NewDecode(FormatSnapQuote,
				fmt.Sprintf("mode %d packet too short: %d bytes", mode, len(raw)))
		}
	default:
		return nil, errors.NewDecode(FormatSnapQuote, fmt.Sprintf("unknown mode %d", mode))
	}

	token := raw[2:27]
	if i := bytes.IndexByte(token, 0); i >= 0 {
		token = token[:i]
	}

	t := tick.Tick{
		Symbol: string(token),
		Seq:    binary.LittleEndian.Uint64(raw[27:35]),
		Flags:  tick.FlagHasSeq,
		Price:  d.price(raw[43:51]),
	}
	if ms := int64(binary.LittleEndian.Uint64(raw[35:43])); ms > 0 {
		t.Timestamp = time.UnixMilli(ms).UTC()
	}

	if mode >= snapModeQuote {
		t.Size = float64(int64(binary.LittleEndian.Uint64(raw[51:59])))
		t.Volume = float64(int64(binary.LittleEndian.Uint64(raw[67:75])))
		t.Open = d.price(raw[91:99])
		t.High = d.price(raw[99:107])
		t.Low = d.price(raw[107:115])
		t.Close = d.price(raw[115:123])
	}

	if err := finish(&t, FormatSnapQuote, receivedAt); err != nil {
		return nil, err
	}
	return []tick.Tick{t}, nil
}

func (d SnapQuote) price(b []byte) float64 {
	return float64(int64(binary.LittleEndian.Uint64(b))) / d.PriceDivisor
}

// SnapQuotePacket is a packet to encode with AppendSnapQuote.
type SnapQuotePacket struct {
	Mode         byte
	ExchangeType byte
	Token        string
	Seq          uint64
	TimestampMs  int64

	// Prices are raw integers, before the divisor.
	LTP, Open, High, Low, Close int64
	Quantity, Volume            int64
}

// AppendSnapQuote appends the binary encoding of p. Feed simulators and
// tests use it to produce packets the decoder accepts.
func AppendSnapQuote(b []byte, p SnapQuotePacket) []byte {
	size := snapQuoteSize
	if p.Mode == snapModeLTP {
		size = snapLTPSize
	}
	start := len(b)
	b = append(b, make([]byte, size)...)
	pkt := b[start:]

	pkt[0] = p.Mode
	pkt[1] = p.ExchangeType
	copy(pkt[2:27], p.Token)
	binary.LittleEndian.PutUint64(pkt[27:35], p.Seq)
	binary.LittleEndian.PutUint64(pkt[35:43], uint64(p.TimestampMs))
	binary.LittleEndian.PutUint64(pkt[43:51], uint64(p.LTP))
	if size == snapLTPSize {
		return b
	}
	binary.LittleEndian.PutUint64(pkt[51:59], uint64(p.Quantity))
	binary.LittleEndian.PutUint64(pkt[59:67], uint64(p.LTP))
	binary.LittleEndian.PutUint64(pkt[67:75], uint64(p.Volume))
	binary.LittleEndian.PutUint64(pkt[75:83], math.Float64bits(0))
	binary.LittleEndian.PutUint64(pkt[83:91], math.Float64bits(0))
	binary.LittleEndian.PutUint64(pkt[91:99], uint64(p.Open))
	binary.LittleEndian.PutUint64(pkt[99:107], uint64(p.High))
	binary.LittleEndian.PutUint64(pkt[107:115], uint64(p.Low))
	binary.LittleEndian.PutUint64(pkt[115:123], uint64(p.Close))
	return b
}
