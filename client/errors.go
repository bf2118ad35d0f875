package client

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected completes every call that was outstanding, or issued,
	// after the channel lost its connection.
	ErrDisconnected = errors.New("client: connection lost")
	// ErrUnknownCallID is reported for responses that match no pending call.
	ErrUnknownCallID = errors.New("client: response for unknown call id")
	// ErrDescriptorMismatch is returned when the descriptors received for a
	// response do not match the counts it declared.
	ErrDescriptorMismatch = errors.New("client: file descriptor count mismatch")
	// ErrMalformedResponse is returned when a response payload does not decode
	// into the caller's response value.
	ErrMalformedResponse = errors.New("client: malformed response")
	// ErrSurfaceNotFound is reported when an input event names no live surface.
	ErrSurfaceNotFound = errors.New("client: no surface for input event")
)

// RemoteError is an error string returned by the server for one call.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server error in %s: %s", e.Method, e.Msg)
}
