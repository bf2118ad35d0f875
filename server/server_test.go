package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"display-rpc/codec"
	"display-rpc/message"
	"display-rpc/middleware"
	"display-rpc/protocol"
	"display-rpc/transport"
)

type Echo struct {
	queued atomic.Int32
}

func (e *Echo) Echo(_ context.Context, args *message.SurfaceID, reply *message.SurfaceID) error {
	*reply = *args
	return nil
}

func (e *Echo) Fail(_ context.Context, _ *message.Void, _ *message.Void) error {
	return errors.New("no luck")
}

// Announce queues an event for the reply it is about to send.
func (e *Echo) Announce(ctx context.Context, _ *message.Void, _ *message.Void) error {
	ss, _ := SessionFrom(ctx)
	e.queued.Add(1)
	return ss.QueueEvent(&message.EventSequence{
		LifecycleEvent: &message.LifecycleEvent{NewState: message.LifecycleWillSuspend},
	})
}

func (e *Echo) AllocBuffer(_ context.Context, _ *message.Void, b *message.Buffer) error {
	buf, err := allocateBuffer(7, 4, 4, message.PixelFormatARGB8888)
	if err != nil {
		return err
	}
	*b = *buf
	return nil
}

func (e *Echo) Stall(ctx context.Context, _ *message.Void, _ *message.Void) error {
	time.Sleep(300 * time.Millisecond)
	return nil
}

// peer is the client end of a session, speaking raw frames.
type peer struct {
	t     *testing.T
	conn  *net.UnixConn
	codec codec.Codec
	id    uint32
}

func newPeer(t *testing.T, s *Server) (*peer, *Session) {
	t.Helper()
	left, right, err := transport.SocketPair()
	require.NoError(t, err)
	t.Cleanup(func() { left.Close() })
	return &peer{t: t, conn: left, codec: s.codec}, s.ServeConn(right)
}

func (p *peer) call(method string, params any) uint32 {
	p.t.Helper()
	p.id++
	inv := &message.Invocation{ID: p.id, MethodName: method}
	if params != nil {
		data, err := p.codec.Encode(params)
		require.NoError(p.t, err)
		inv.Parameters = data
	}
	body, err := p.codec.Encode(inv)
	require.NoError(p.t, err)
	require.NoError(p.t, protocol.Encode(p.conn, body))
	return p.id
}

// next reads one frame and the descriptors that rode with it.
func (p *peer) next() (*message.Result, []int) {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	header := make([]byte, protocol.HeaderSize)
	oob := make([]byte, unix.CmsgSpace(16*4))
	n, oobn, _, _, err := p.conn.ReadMsgUnix(header, oob)
	require.NoError(p.t, err)
	if n < len(header) {
		_, err = io.ReadFull(p.conn, header[n:])
		require.NoError(p.t, err)
	}
	fds, err := transport.ParseDescriptors(oob[:oobn])
	require.NoError(p.t, err)

	length, err := protocol.DecodeHeader(header)
	require.NoError(p.t, err)
	body := make([]byte, length)
	_, err = io.ReadFull(p.conn, body)
	require.NoError(p.t, err)

	result, err := protocol.DecodeBody(body, length, p.codec)
	require.NoError(p.t, err)
	return result, fds
}

func newTestServer(t *testing.T) *Server {
	s := NewServer(WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, s.Register(&Echo{}))
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func TestWireName(t *testing.T) {
	cases := map[string]string{
		"Connect":                 "connect",
		"CreateSurface":           "create_surface",
		"NextBuffer":              "next_buffer",
		"DRMAuthMagic":            "drm_auth_magic",
		"NewFdsForTrustedClients": "new_fds_for_trusted_clients",
		"Screencast2Buffer":       "screencast2_buffer",
		"ID":                      "id",
	}
	for in, want := range cases {
		assert.Equal(t, want, wireName(in), in)
	}
}

func TestRegister(t *testing.T) {
	s := NewServer()
	assert.Error(t, s.Register(Echo{}), "non-pointer receiver")
	assert.Error(t, s.Register(&struct{}{}), "no methods")
	require.NoError(t, s.Register(&Echo{}))
	assert.Error(t, s.Register(&Echo{}), "duplicate methods")
	assert.Contains(t, s.methods, "alloc_buffer")
}

func TestDispatch(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	reply := s.dispatch(ctx, &message.Invocation{MethodName: "warp"})
	assert.Contains(t, reply.Error, "unknown method")

	reply = s.dispatch(ctx, &message.Invocation{MethodName: "echo", Parameters: []byte{0xff, 0x00}})
	assert.Contains(t, reply.Error, "bad parameters")

	reply = s.dispatch(ctx, &message.Invocation{MethodName: "fail"})
	assert.Equal(t, "no luck", reply.Error)

	params, err := s.codec.Encode(&message.SurfaceID{Value: 9})
	require.NoError(t, err)
	reply = s.dispatch(ctx, &message.Invocation{MethodName: "echo", Parameters: params})
	assert.Empty(t, reply.Error)
	assert.Equal(t, &message.SurfaceID{Value: 9}, reply.Value)
}

func TestRoundTrip(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	id := p.call("echo", &message.SurfaceID{Value: 5})
	result, fds := p.next()
	assert.Empty(t, fds)
	require.True(t, result.HasID())
	assert.Equal(t, id, result.CallID())
	assert.Empty(t, result.Error)

	var got message.SurfaceID
	require.NoError(t, p.codec.Decode(result.Response, &got))
	assert.Equal(t, int32(5), got.Value)

	id = p.call("fail", nil)
	result, _ = p.next()
	assert.Equal(t, id, result.CallID())
	assert.Equal(t, "no luck", result.Error)
}

func TestReplyDescriptorsTravelOnSideChannel(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	p.call("alloc_buffer", nil)
	result, fds := p.next()
	require.Len(t, fds, 1)
	defer transport.CloseDescriptors(fds...)
	assert.Equal(t, int32(1), result.FdsOnSideChannel)

	var b message.Buffer
	require.NoError(t, p.codec.Decode(result.Response, &b))
	assert.Empty(t, b.Fd)
	assert.Equal(t, int32(1), b.FdsOnSideChannel)

	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fds[0], &st))
	assert.Equal(t, int64(4*4*4), st.Size)
}

func TestQueuedEventsRideOnNextReply(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	id := p.call("announce", nil)
	result, _ := p.next()
	assert.Equal(t, id, result.CallID())
	require.Len(t, result.Events, 1)

	var seq message.EventSequence
	require.NoError(t, p.codec.Decode(result.Events[0], &seq))
	require.NotNil(t, seq.LifecycleEvent)
	assert.Equal(t, message.LifecycleWillSuspend, seq.LifecycleEvent.NewState)

	p.call("echo", &message.SurfaceID{})
	result, _ = p.next()
	assert.Empty(t, result.Events)
}

func TestSendEventAndBroadcast(t *testing.T) {
	s := newTestServer(t)
	a, sa := newPeer(t, s)
	b, _ := newPeer(t, s)

	seq := &message.EventSequence{TrustSessionEvent: &message.TrustSessionEvent{NewState: message.TrustSessionStarted}}
	require.NoError(t, sa.SendEvent(seq))
	result, _ := a.next()
	assert.False(t, result.HasID())
	assert.Len(t, result.Events, 1)

	require.NoError(t, s.Broadcast(seq, sa))
	result, _ = b.next()
	assert.False(t, result.HasID())
	assert.Len(t, result.Events, 1)
}

func TestMiddlewareWrapsDispatch(t *testing.T) {
	s := newTestServer(t)
	seen := make(chan string, 4)
	s.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, inv *message.Invocation) *message.Reply {
			seen <- inv.MethodName
			return next(ctx, inv)
		}
	})
	s.Use(middleware.TimeoutMiddleware(50 * time.Millisecond))

	p, _ := newPeer(t, s)
	p.call("echo", &message.SurfaceID{})
	result, _ := p.next()
	assert.Empty(t, result.Error)

	p.call("stall", nil)
	result, _ = p.next()
	assert.Equal(t, middleware.ErrTimedOut, result.Error)
	assert.Equal(t, "echo", <-seen)
	assert.Equal(t, "stall", <-seen)
}

func TestSessionCloseRunsHooks(t *testing.T) {
	s := newTestServer(t)
	_, ss := newPeer(t, s)

	var closed atomic.Int32
	ss.OnClose(func() { closed.Add(1) })
	require.Len(t, s.Sessions(), 1)

	require.NoError(t, ss.Close())
	require.NoError(t, ss.Close())
	assert.Equal(t, int32(1), closed.Load())
	assert.Empty(t, s.Sessions())
	assert.ErrorIs(t, ss.SendEvent(&message.EventSequence{}), transport.ErrClosed)
}

func TestPeerHangupEndsSession(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	require.NoError(t, p.conn.Close())
	require.Eventually(t, func() bool { return len(s.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	p.call("stall", nil)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, s.Shutdown(2*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Empty(t, s.Sessions())

	result, _ := p.next()
	assert.Empty(t, result.Error)
}

func TestShutdownTimeout(t *testing.T) {
	s := newTestServer(t)
	p, _ := newPeer(t, s)

	p.call("stall", nil)
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, s.Shutdown(10*time.Millisecond), ErrShutdownTimeout)
}
