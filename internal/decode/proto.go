package decode

import (
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
	"github.com/xtxerr/tickpipe/internal/tickpb"
)

// Proto decodes one protobuf Tick message per frame (see package tickpb).
type Proto struct{}

// Format implements Decoder.
func (Proto) Format() string { return FormatProto }

// Decode implements Decoder.
func (Proto) Decode(raw []byte, receivedAt time.Time) ([]tick.Tick, error) {
	if len(raw) == 0 {
		return nil, errors.NewDecode(FormatProto, "empty message")
	}

	t, err := tickpb.UnmarshalTick(raw)
	if err != nil {
		return nil, errors.NewDecode(FormatProto, err.Error())
	}
	// Feed-side flags other than the sequence marker are not trusted.
	t.Flags &= tick.FlagHasSeq

	if err := finish(&t, FormatProto, receivedAt); err != nil {
		return nil, err
	}
	return []tick.Tick{t}, nil
}
