package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items. The same envelope
// always produces identical bytes, which keeps frame sizes predictable.
var encMode cbor.EncMode

// decMode ignores unknown fields so that a newer server can add fields to a
// payload without breaking older clients.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// CBORCodec is the default codec. Struct fields are named by their `json` tags,
// which fxamacker/cbor reads when no `cbor` tag is present, so one set of tags
// serves both codecs.
type CBORCodec struct{}

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func (c *CBORCodec) Type() CodecType {
	return CodecTypeCBOR
}
