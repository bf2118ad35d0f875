package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"display-rpc/codec"
	"display-rpc/message"
)

func TestEncodeDecode(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello world")
	require.NoError(t, Encode(&buf, body))
	assert.Equal(t, []byte{0x00, 0x0b}, buf.Bytes()[:HeaderSize])

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, decoded)

	_, err = Decode(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, nil))
	assert.Equal(t, []byte{0, 0}, buf.Bytes())

	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestMaxBody(t *testing.T) {
	body := bytes.Repeat([]byte{0x5a}, MaxBodySize)
	frame, err := EncodeFrame(body)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xff}, frame[:HeaderSize])

	decoded, err := Decode(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, make([]byte, MaxBodySize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing may be written for an oversized frame")
}

func TestTruncatedFrame(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x00}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = Decode(bytes.NewReader([]byte{0x00, 0x05, 'a', 'b'}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDecodeHeader(t *testing.T) {
	n, err := DecodeHeader([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, 258, n)

	_, err = DecodeHeader([]byte{0x01})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodeBody(t *testing.T) {
	c := codec.GetCodec(codec.CodecTypeCBOR)
	id := uint32(42)
	body, err := c.Encode(&message.Result{ID: &id, FdsOnSideChannel: 1})
	require.NoError(t, err)

	result, err := DecodeBody(body, len(body), c)
	require.NoError(t, err)
	assert.True(t, result.HasID())
	assert.Equal(t, uint32(42), result.CallID())
	assert.Equal(t, int32(1), result.FdsOnSideChannel)

	_, err = DecodeBody(body[:len(body)-1], len(body), c)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = DecodeBody([]byte{0xff}, 1, c)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
