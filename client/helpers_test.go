package client

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"display-rpc/codec"
	"display-rpc/message"
	"display-rpc/protocol"
	"display-rpc/transport"
)

// fakeTransport is a scripted Transport. push queues bytes and descriptors and
// runs the data notification on the calling goroutine, so tests observe the
// receive loop synchronously.
type fakeTransport struct {
	mu      sync.Mutex
	data    []byte
	fds     []int
	recvErr error // Reported once data runs out
	sent    [][]byte
	sendErr error
	notify  func()
	closed  bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) DataAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data) > 0 || f.recvErr != nil
}

func (f *fakeTransport) ReceiveData(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) < len(p) {
		if f.recvErr != nil {
			return fmt.Errorf("%w: %w", transport.ErrTransport, f.recvErr)
		}
		return fmt.Errorf("%w: short read", transport.ErrTransport)
	}
	copy(p, f.data)
	f.data = f.data[len(p):]
	return nil
}

func (f *fakeTransport) ReceiveFileDescriptors(fds []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fds) < len(fds) {
		return transport.ErrMissingDescriptors
	}
	copy(fds, f.fds)
	f.fds = f.fds[len(fds):]
	return nil
}

func (f *fakeTransport) RegisterDataReceivedNotification(fn func()) {
	f.mu.Lock()
	f.notify = fn
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) push(data []byte, fds ...int) {
	f.mu.Lock()
	f.data = append(f.data, data...)
	f.fds = append(f.fds, fds...)
	fn := f.notify
	f.mu.Unlock()
	fn()
}

// fail makes every further receive fail with err and notifies.
func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.recvErr = err
	fn := f.notify
	f.mu.Unlock()
	fn()
}

func (f *fakeTransport) sentInvocations(t *testing.T) []message.Invocation {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	c := codec.GetCodec(codec.CodecTypeCBOR)
	var out []message.Invocation
	for _, frame := range f.sent {
		var inv message.Invocation
		require.NoError(t, c.Decode(frame[protocol.HeaderSize:], &inv))
		out = append(out, inv)
	}
	return out
}

var testCodec = codec.GetCodec(codec.CodecTypeCBOR)

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := testCodec.Encode(v)
	require.NoError(t, err)
	return data
}

func frameOf(t *testing.T, result *message.Result) []byte {
	t.Helper()
	frame, err := protocol.EncodeFrame(encode(t, result))
	require.NoError(t, err)
	return frame
}

func responseTo(t *testing.T, id uint32, payload any) *message.Result {
	t.Helper()
	return &message.Result{
		ID:               &id,
		Response:         encode(t, payload),
		FdsOnSideChannel: message.PendingFds(payload),
	}
}

func eventRecord(t *testing.T, seq *message.EventSequence) []byte {
	t.Helper()
	return encode(t, seq)
}

// completion records the outcomes of a CompletionFunc.
type completion struct {
	mu    sync.Mutex
	errs  []error
	ready chan struct{}
}

func newCompletion() *completion {
	return &completion{ready: make(chan struct{}, 1)}
}

func (c *completion) complete(err error) {
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *completion) calls() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func (c *completion) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-c.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("completion never ran")
	}
	calls := c.calls()
	require.Len(t, calls, 1)
	return calls[0]
}

// pipe returns a pipe; descriptors sent in place of the write end can be
// checked for closure by reading EOF from the read end.
func pipe(t *testing.T) (r, w int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	t.Cleanup(func() { unix.Close(p[0]) })
	return p[0], p[1]
}

// requireClosed asserts that every copy of the write end of the pipe read
// by r has been closed.
func requireClosed(t *testing.T, r int) {
	t.Helper()
	require.NoError(t, unix.SetNonblock(r, true))
	n, err := unix.Read(r, make([]byte, 1))
	require.NoError(t, err, "write end still open")
	require.Zero(t, n)
}

type recordingSurface struct {
	mu     sync.Mutex
	events []message.InputEvent
}

func (s *recordingSurface) HandleEvent(ev *message.InputEvent) {
	s.mu.Lock()
	s.events = append(s.events, *ev)
	s.mu.Unlock()
}

func (s *recordingSurface) received() []message.InputEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]message.InputEvent(nil), s.events...)
}
