package decode

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// JSON decodes ticks sent as JSON objects, or arrays of objects.
//
//	{"symbol":"RELIANCE","price":2931.5,"size":10,"side":"buy",
//	 "ts":1709284500123,"seq":77}
//
// ts accepts unix milliseconds or an RFC 3339 string. token and ltp are
// accepted as aliases for symbol and price. Objects carrying a "type"
// field but no symbol are treated as control frames.
type JSON struct{}

type jsonTick struct {
	Symbol string          `json:"symbol"`
	Token  string          `json:"token"`
	Price  *float64        `json:"price"`
	LTP    *float64        `json:"ltp"`
	Size   float64         `json:"size"`
	Side   string          `json:"side"`
	TS     json.RawMessage `json:"ts"`
	Seq    *uint64         `json:"seq"`
	Open   float64         `json:"open"`
	High   float64         `json:"high"`
	Low    float64         `json:"low"`
	Close  float64         `json:"close"`
	Volume float64         `json:"volume"`
	Type   string          `json:"type"`
}

// Format implements Decoder.
func (JSON) Format() string { return FormatJSON }

// Decode implements Decoder.
func (d JSON) Decode(raw []byte, receivedAt time.Time) ([]tick.Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.NewDecode(FormatJSON, "empty message")
	}

	var msgs []jsonTick
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return nil, errors.NewDecode(FormatJSON, err.Error())
		}
	} else {
		var m jsonTick
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, errors.NewDecode(FormatJSON, err.Error())
		}
		if m.Symbol == "" && m.Token == "" && m.Type != "" {
			return nil, nil
		}
		msgs = []jsonTick{m}
	}

	ticks := make([]tick.Tick, 0, len(msgs))
	for i := range msgs {
		t, err := msgs[i].tick(receivedAt)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}

func (m *jsonTick) tick(receivedAt time.Time) (tick.Tick, error) {
	t := tick.Tick{
		Symbol: m.Symbol,
		Size:   m.Size,
		Side:   tick.ParseSide(m.Side),
		Open:   m.Open,
		High:   m.High,
		Low:    m.Low,
		Close:  m.Close,
		Volume: m.Volume,
	}
	if t.Symbol == "" {
		t.Symbol = m.Token
	}

	switch {
	case m.Price != nil:
		t.Price = *m.Price
	case m.LTP != nil:
		t.Price = *m.LTP
	default:
		return t, errors.NewDecode(FormatJSON, "missing price")
	}

	if m.Seq != nil {
		t.Seq = *m.Seq
		t.Flags |= tick.FlagHasSeq
	}

	ts, err := parseJSONTime(m.TS)
	if err != nil {
		return t, err
	}
	t.Timestamp = ts

	if err := finish(&t, FormatJSON, receivedAt); err != nil {
		return t, err
	}
	return t, nil
}

// parseJSONTime parses unix milliseconds or RFC 3339. Absent means zero.
func parseJSONTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, errors.NewDecode(FormatJSON, "bad ts: "+err.Error())
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.NewDecode(FormatJSON, "bad ts: "+err.Error())
		}
		return ts.UTC(), nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, errors.NewDecode(FormatJSON, "bad ts: "+string(raw))
	}
	if ms <= 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}
