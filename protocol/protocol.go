// Package protocol implements the length-prefixed frame format spoken between a
// display client and the display server.
//
// Every frame is a 2-byte big-endian body length followed by exactly that many
// bytes of envelope data. The receiver reads the header first to learn the body
// length, then reads exactly that many bytes. There is no magic number or
// sequence field in the header: call correlation lives inside the envelope.
//
// Frame format:
//
//	0        2
//	┌────────┬──────────────────────┐
//	│bodyLen │      body ...        │
//	│ uint16 │   bodyLen bytes      │
//	└────────┴──────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"display-rpc/codec"
	"display-rpc/message"
)

const (
	HeaderSize  = 2              // bodyLen only
	MaxBodySize = math.MaxUint16 // largest body a 16-bit header can describe
)

var (
	// ErrFrameTooLarge is returned when a body does not fit the 16-bit header.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	// ErrMalformedFrame is returned for truncated frames and envelopes that do not parse.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// EncodeFrame returns header + body in one contiguous buffer, so that a single
// write puts the whole frame on the wire.
func EncodeFrame(body []byte) ([]byte, error) {
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrFrameTooLarge, len(body), MaxBodySize)
	}
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint16(buf[0:HeaderSize], uint16(len(body)))
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Encode writes a complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different calls will interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// DecodeHeader returns the body length declared by a 2-byte header.
func DecodeHeader(header []byte) (int, error) {
	if len(header) != HeaderSize {
		return 0, fmt.Errorf("%w: header is %d bytes, want %d", ErrMalformedFrame, len(header), HeaderSize)
	}
	return int(binary.BigEndian.Uint16(header)), nil
}

// DecodeBody parses the envelope carried by exactly length bytes of body.
func DecodeBody(body []byte, length int, c codec.Codec) (*message.Result, error) {
	if len(body) != length {
		return nil, fmt.Errorf("%w: body is %d bytes, header declared %d", ErrMalformedFrame, len(body), length)
	}
	result := &message.Result{}
	if err := c.Decode(body, result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return result, nil
}

// Decode reads one frame from r and returns its body.
// A clean EOF before the first header byte is returned as io.EOF; anything
// shorter than the declared frame is an ErrMalformedFrame.
func Decode(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedFrame, err)
	}
	bodyLen, _ := DecodeHeader(header)

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: body: %w", ErrMalformedFrame, err)
	}
	return body, nil
}
