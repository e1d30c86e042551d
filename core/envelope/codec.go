package envelope

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Shared Zstandard coders. Both are safe for concurrent use via
// EncodeAll/DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Encode converts an envelope to its wire form: data-level aliasing,
// MessagePack, then Zstandard. Returns ErrPayloadTooLarge when the result
// exceeds MaxEncodedSize and ErrMalformedEnvelope when the envelope fails
// validation.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	wire := *e
	if e.Data != nil {
		wire.Data = ShortenPayload(e.Data).(map[string]any)
	}
	if e.Meta != nil {
		wire.Meta = ShortenPayload(e.Meta).(map[string]any)
	}

	packed, err := msgpack.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("packing envelope %s: %w", e.ID, err)
	}

	compressed := zstdEncoder.EncodeAll(packed, nil)
	if len(compressed) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %d bytes encoded (limit %d)",
			ErrPayloadTooLarge, len(compressed), MaxEncodedSize)
	}
	return compressed, nil
}

// Decode reverses the Encode pipeline. Failures at any stage, including a
// missing id or type after unpacking, surface as ErrMalformedEnvelope.
func Decode(payload []byte) (*Envelope, error) {
	packed, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformedEnvelope, err)
	}

	var e Envelope
	if err := msgpack.Unmarshal(packed, &e); err != nil {
		return nil, fmt.Errorf("%w: unpack: %v", ErrMalformedEnvelope, err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEnvelope)
	}

	if e.Data != nil {
		e.Data = ExpandPayload(e.Data).(map[string]any)
	}
	if e.Meta != nil {
		e.Meta = ExpandPayload(e.Meta).(map[string]any)
	}
	return &e, nil
}
