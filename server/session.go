package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"display-rpc/message"
	"display-rpc/protocol"
	"display-rpc/transport"
)

// Session is one client connection.
//
// All request goroutines of a session share its write lock, so frames, and the
// descriptors riding with them, never interleave.
type Session struct {
	id     string
	server *Server
	conn   *net.UnixConn
	logger *zap.Logger

	writeMu sync.Mutex
	queued  [][]byte // Event sequences waiting for the next reply; guarded by writeMu

	closed  atomic.Bool
	closeMu sync.Mutex
	onClose []func()
}

func newSession(s *Server, conn *net.UnixConn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		server: s,
		conn:   conn,
		logger: s.logger.With(zap.String("session", id)),
	}
}

func (ss *Session) ID() string {
	return ss.id
}

type sessionKey struct{}

func withSession(ctx context.Context, ss *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, ss)
}

// SessionFrom returns the session a call arrived on.
func SessionFrom(ctx context.Context) (*Session, bool) {
	ss, ok := ctx.Value(sessionKey{}).(*Session)
	return ss, ok
}

// OnClose registers fn to run once when the session ends.
func (ss *Session) OnClose(fn func()) {
	ss.closeMu.Lock()
	ss.onClose = append(ss.onClose, fn)
	ss.closeMu.Unlock()
}

// SendEvent pushes seq to the client in an envelope of its own.
func (ss *Session) SendEvent(seq *message.EventSequence) error {
	data, err := ss.server.codec.Encode(seq)
	if err != nil {
		return fmt.Errorf("encode event sequence: %w", err)
	}
	return ss.write(&message.Result{Events: [][]byte{data}}, nil)
}

// QueueEvent holds seq back and delivers it with the next reply, ahead of that
// reply's completion.
func (ss *Session) QueueEvent(seq *message.EventSequence) error {
	data, err := ss.server.codec.Encode(seq)
	if err != nil {
		return fmt.Errorf("encode event sequence: %w", err)
	}
	ss.writeMu.Lock()
	ss.queued = append(ss.queued, data)
	ss.writeMu.Unlock()
	return nil
}

// Close ends the session and runs its close hooks.
func (ss *Session) Close() error {
	if ss.closed.Swap(true) {
		return nil
	}
	err := ss.conn.Close()
	ss.server.removeSession(ss)

	ss.closeMu.Lock()
	hooks := ss.onClose
	ss.onClose = nil
	ss.closeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	ss.logger.Debug("session closed")
	return err
}

// readLoop reads frames sequentially; a single reader per connection is what
// keeps frame boundaries intact. Each invocation is served on its own
// goroutine so a slow call does not hold up the rest.
func (ss *Session) readLoop() {
	defer ss.server.loops.Done()
	defer ss.Close()
	for {
		body, err := protocol.Decode(ss.conn)
		if err != nil {
			if !ss.closed.Load() {
				ss.logger.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		ss.server.wg.Add(1)
		go ss.server.handleRequest(ss, body)
	}
}

// reply frames the outcome of call id. Descriptors in the reply value travel
// on the side channel and are closed here once sent.
func (ss *Session) reply(id uint32, reply *message.Reply) error {
	result := &message.Result{ID: &id, Error: reply.Error}

	var fds []int
	if reply.Value != nil {
		if reply.Error != "" {
			// A failed call carries no descriptors.
			transport.CloseDescriptors(message.MoveToSideChannel(reply.Value)...)
		} else {
			fds = message.MoveToSideChannel(reply.Value)
		}
		data, err := ss.server.codec.Encode(reply.Value)
		if err != nil {
			transport.CloseDescriptors(fds...)
			fds = nil
			result.Error = fmt.Sprintf("encode response: %v", err)
		} else {
			result.Response = data
		}
	}
	result.FdsOnSideChannel = int32(len(fds))
	return ss.write(result, fds)
}

// write sends result with fds attached and any queued events prepended, then
// closes fds. A reply too large for a frame is replaced by an error reply so
// the caller still completes.
func (ss *Session) write(result *message.Result, fds []int) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()

	if result.HasID() && len(ss.queued) > 0 {
		result.Events = append(ss.queued, result.Events...)
		ss.queued = nil
	}

	frame, err := ss.server.frameFor(result)
	if err != nil && result.HasID() {
		ss.logger.Warn("reply does not fit a frame", zap.Uint32("id", result.CallID()), zap.Error(err))
		transport.CloseDescriptors(fds...)
		fds = nil
		frame, err = ss.server.frameFor(&message.Result{ID: result.ID, Error: err.Error()})
	}
	if err != nil {
		return multierr.Append(err, transport.CloseDescriptors(fds...))
	}

	if ss.closed.Load() {
		return multierr.Append(transport.ErrClosed, transport.CloseDescriptors(fds...))
	}
	err = transport.WriteMessage(ss.conn, frame, fds)
	return multierr.Append(err, transport.CloseDescriptors(fds...))
}
