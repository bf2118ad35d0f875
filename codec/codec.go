package codec

import "fmt"

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
	CodecTypeCBOR CodecType = 1
)

// Codec serializes envelopes and the payloads nested inside them. Both ends of
// a connection must agree on the codec; it is not negotiated on the wire.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=CBOR
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &CBORCodec{}
}

// ParseCodecType maps a configuration name onto a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "", "cbor":
		return CodecTypeCBOR, nil
	case "json":
		return CodecTypeJSON, nil
	}
	return 0, fmt.Errorf("unknown codec %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
