package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	readChunkSize = 4096
	// MaxDescriptorsPerRead bounds the ancillary buffer of one read. The kernel
	// itself refuses more than 253 descriptors per message.
	MaxDescriptorsPerRead = 253
)

// StreamTransport implements Transport over a connected AF_UNIX stream socket.
//
// A background goroutine (readLoop) continuously reads bytes and descriptors
// into local queues; a second goroutine (dispatchLoop) invokes the
// data-received callback. The callback may therefore block in ReceiveData
// waiting for the rest of a frame while readLoop keeps filling the buffer.
type StreamTransport struct {
	conn   *net.UnixConn
	maxFds int // Descriptors one read has room for

	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte // Received, not yet consumed bytes
	fds  []int  // Received, not yet claimed descriptors
	err  error  // Terminal read error; set once

	sending sync.Mutex // A frame and its descriptors go out in one sendmsg

	notify    chan struct{} // Capacity 1: coalesces wakeups for the dispatcher
	handlerMu sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamTransport takes ownership of conn and starts reading from it.
func NewStreamTransport(conn *net.UnixConn) *StreamTransport {
	return newStreamTransport(conn, MaxDescriptorsPerRead)
}

func newStreamTransport(conn *net.UnixConn, maxFds int) *StreamTransport {
	t := &StreamTransport{
		conn:   conn,
		maxFds: maxFds,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.readLoop()
	return t
}

// Dial connects to a display server socket.
func Dial(path string) (*StreamTransport, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, path, err)
	}
	return NewStreamTransport(conn), nil
}

func (t *StreamTransport) Send(data []byte) error {
	return t.SendWithDescriptors(data, nil)
}

// SendWithDescriptors writes data with fds attached as SCM_RIGHTS.
// The descriptors stay owned by the caller.
func (t *StreamTransport) SendWithDescriptors(data []byte, fds []int) error {
	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	return WriteMessage(t.conn, data, fds)
}

func (t *StreamTransport) DataAvailable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf) > 0 || t.err != nil
}

func (t *StreamTransport) ReceiveData(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for len(t.buf) < len(p) && t.err == nil {
		t.cond.Wait()
	}
	if len(t.buf) < len(p) {
		return fmt.Errorf("%w: short read (%d of %d bytes): %w", ErrTransport, len(t.buf), len(p), t.err)
	}
	copy(p, t.buf)
	t.buf = t.buf[len(p):]
	return nil
}

func (t *StreamTransport) ReceiveFileDescriptors(fds []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.fds) < len(fds) {
		return fmt.Errorf("%w: want %d, have %d", ErrMissingDescriptors, len(fds), len(t.fds))
	}
	copy(fds, t.fds)
	t.fds = t.fds[len(fds):]
	return nil
}

// RegisterDataReceivedNotification starts dispatching to fn. Only the first
// registration takes effect.
func (t *StreamTransport) RegisterDataReceivedNotification(fn func()) {
	t.handlerMu.Do(func() {
		go t.dispatchLoop(fn)
	})
}

// Close shuts the socket down and closes any descriptors nobody claimed.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.conn.Close()

		t.mu.Lock()
		err = multierr.Append(err, CloseDescriptors(t.fds...))
		t.fds = nil
		if t.err == nil {
			t.err = ErrClosed
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	return err
}

// readLoop runs in a dedicated goroutine. TCP-style byte streams must be read
// by a single reader; here the same is true of the ancillary queue, whose order
// must match the order frames are read in.
func (t *StreamTransport) readLoop() {
	b := make([]byte, readChunkSize)
	oob := make([]byte, unix.CmsgSpace(t.maxFds*4))
	for {
		n, oobn, flags, _, err := t.conn.ReadMsgUnix(b, oob)
		fds, perr := ParseDescriptors(oob[:oobn])
		if flags&unix.MSG_CTRUNC != 0 {
			// Descriptors were dropped; the queue no longer matches the frames.
			perr = multierr.Append(perr, fmt.Errorf("%w: ancillary data truncated", ErrTransport))
		}

		t.mu.Lock()
		t.buf = append(t.buf, b[:n]...)
		t.fds = append(t.fds, fds...)
		if err == nil && n == 0 {
			err = io.EOF
		}
		if err = multierr.Append(err, perr); err != nil && t.err == nil {
			t.err = err
		}
		failed := t.err != nil
		t.cond.Broadcast()
		t.mu.Unlock()

		t.wake()
		if failed {
			return
		}
	}
}

func (t *StreamTransport) wake() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *StreamTransport) dispatchLoop(fn func()) {
	for {
		select {
		case <-t.notify:
			fn()
		case <-t.done:
			return
		}
	}
}
