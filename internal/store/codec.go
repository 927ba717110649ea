package store

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"agent-console/internal/layout"
)

// Layouts are stored as deterministic CBOR, zstd-compressed. The encoder
// and decoder are shared; both are safe for concurrent EncodeAll/DecodeAll.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("store: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("store: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeLayout serializes a group layout for storage.
func EncodeLayout(st layout.GroupState) ([]byte, error) {
	raw, err := encMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode layout: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

// DecodeLayout is the inverse of EncodeLayout. The result is sanitized, so a
// damaged tree still yields a usable layout.
func DecodeLayout(data []byte) (layout.GroupState, error) {
	raw, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return layout.GroupState{}, fmt.Errorf("decompress layout: %w", err)
	}
	var st layout.GroupState
	if err := decMode.Unmarshal(raw, &st); err != nil {
		return layout.GroupState{}, fmt.Errorf("decode layout: %w", err)
	}
	return st.Sanitize(), nil
}
