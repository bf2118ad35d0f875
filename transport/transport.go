// Package transport provides the byte stream a display connection runs over.
//
// A Transport moves two things: the frame bytes, and kernel file descriptors
// riding on the socket's ancillary channel (SCM_RIGHTS). Descriptors arrive with
// the read that delivers the first bytes of the frame they belong to, so they
// are queued as they come in and claimed by the receiver while it processes
// that frame.
//
//	server ──sendmsg(frame, SCM_RIGHTS[fd0 fd1])──► readLoop ─┬─► byte buffer ─► ReceiveData
//	                                                         └─► fd queue    ─► ReceiveFileDescriptors
//	                                                         └─► notify ─► dispatch goroutine ─► data-received callback
package transport

import (
	"errors"
)

var (
	// ErrTransport wraps every send or receive failure of the underlying socket.
	ErrTransport = errors.New("transport failure")
	// ErrClosed is returned once the transport has been closed locally.
	ErrClosed = errors.New("transport closed")
	// ErrMissingDescriptors is returned when fewer descriptors were received
	// than a frame declared.
	ErrMissingDescriptors = errors.New("transport: missing file descriptors")
)

// Transport is the client side of a display connection.
type Transport interface {
	// Send writes data as one message. Safe for concurrent use.
	Send(data []byte) error
	// DataAvailable reports whether a receive would make progress without waiting
	// for the peer: buffered bytes exist, or the stream has failed and the
	// failure is waiting to be reported.
	DataAvailable() bool
	// ReceiveData fills p completely, waiting for more bytes if needed.
	ReceiveData(p []byte) error
	// ReceiveFileDescriptors fills fds from descriptors already received.
	// Ownership of the descriptors passes to the caller.
	ReceiveFileDescriptors(fds []int) error
	// RegisterDataReceivedNotification installs the callback invoked, on a
	// transport-owned goroutine, whenever new data arrives.
	RegisterDataReceivedNotification(fn func())
	Close() error
}
