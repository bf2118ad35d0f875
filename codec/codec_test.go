package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-rpc/message"
)

func TestCodecsCarryEnvelopes(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &CBORCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			id := uint32(7)
			original := &message.Result{
				ID:               &id,
				Response:         []byte{0x01, 0x02},
				Events:           [][]byte{{0xaa}, {0xbb, 0xcc}},
				FdsOnSideChannel: 2,
			}

			data, err := c.Encode(original)
			require.NoError(t, err)

			var decoded message.Result
			require.NoError(t, c.Decode(data, &decoded))
			assert.Equal(t, original, &decoded)
		})
	}
}

func TestCBORIsDeterministic(t *testing.T) {
	c := &CBORCodec{}
	inv := &message.Invocation{ID: 3, MethodName: message.MethodNextBuffer, Parameters: []byte{1}}

	first, err := c.Encode(inv)
	require.NoError(t, err)
	second, err := c.Encode(inv)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCBORUsesJSONNames(t *testing.T) {
	data, err := (&CBORCodec{}).Encode(&message.SurfaceID{Value: 5})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, (&CBORCodec{}).Decode(data, &generic))
	assert.Contains(t, generic, "value")
}

func TestCBORInlinesSideChannel(t *testing.T) {
	c := &CBORCodec{}
	b := &message.Buffer{SideChannel: message.SideChannel{FdsOnSideChannel: 1}, BufferID: 9}

	data, err := c.Encode(b)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, c.Decode(data, &generic))
	assert.Contains(t, generic, "fds_on_side_channel")
	assert.NotContains(t, generic, "SideChannel")
}

func TestCBORDecodeGarbage(t *testing.T) {
	var r message.Result
	assert.Error(t, (&CBORCodec{}).Decode([]byte{0xff, 0x00}, &r))
}

func TestParseCodecType(t *testing.T) {
	for name, want := range map[string]CodecType{"": CodecTypeCBOR, "cbor": CodecTypeCBOR, "json": CodecTypeJSON} {
		got, err := ParseCodecType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want, GetCodec(got).Type())
	}
	_, err := ParseCodecType("gob")
	assert.Error(t, err)
}

func benchmarkCodec(b *testing.B, c Codec) {
	inv := &message.Invocation{
		ID:         42,
		MethodName: message.MethodCreateSurface,
		Parameters: []byte{0xa2, 0x65, 0x77, 0x69, 0x64, 0x74, 0x68, 0x18, 0x40},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := c.Encode(inv)
		var out message.Invocation
		c.Decode(data, &out)
	}
}

func BenchmarkCodecJSON(b *testing.B) { benchmarkCodec(b, &JSONCodec{}) }

func BenchmarkCodecCBOR(b *testing.B) { benchmarkCodec(b, &CBORCodec{}) }
