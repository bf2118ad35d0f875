// Package server implements a reference display server speaking the client
// protocol: method registration, a middleware chain, parallel request
// processing, descriptor passing, event push, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → Session.readLoop (single goroutine reads frames)
//	  → for each invocation: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → dispatch (reflect.Call)
//	      → MoveToSideChannel → Codec.Encode → sendmsg(frame, SCM_RIGHTS)
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"display-rpc/codec"
	"display-rpc/message"
	"display-rpc/middleware"
	"display-rpc/protocol"
	"display-rpc/registry"
)

// DefaultServiceName is the registry service display servers advertise under.
const DefaultServiceName = "display"

// ErrShutdownTimeout is returned by Shutdown when in-flight calls outlive the timeout.
var ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing requests to finish")

// Server serves display clients on AF_UNIX stream sockets.
type Server struct {
	codec   codec.Codec
	logger  *zap.Logger
	methods map[string]*methodType // Wire name → method

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	listener *net.UnixListener
	wg       sync.WaitGroup // In-flight requests
	loops    sync.WaitGroup // Session read loops
	shutdown atomic.Bool

	mu       sync.Mutex
	sessions map[string]*Session

	registry registry.Registry // nil when not advertising
	service  string
	endpoint registry.Endpoint
}

type Option func(*Server)

func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithServiceName sets the registry service the server advertises under.
func WithServiceName(name string) Option {
	return func(s *Server) { s.service = name }
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		codec:    codec.GetCodec(codec.CodecTypeCBOR),
		logger:   zap.NewNop(),
		methods:  make(map[string]*methodType),
		sessions: make(map[string]*Session),
		service:  DefaultServiceName,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.dispatch
	return s
}

// Register adds the methods of rcvr. Method names share one namespace across
// all registered receivers.
func (s *Server) Register(rcvr any) error {
	methods, err := scanMethods(rcvr)
	if err != nil {
		return err
	}
	for name, m := range methods {
		if _, dup := s.methods[name]; dup {
			return fmt.Errorf("server: method %s already registered", name)
		}
		s.methods[name] = m
	}
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are
// added and must all be added before serving starts.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)
}

// ListenAndServe listens on the socket at path, replacing a stale socket file,
// and serves until Shutdown.
func (s *Server) ListenAndServe(path string, reg registry.Registry) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return err
	}
	return s.Serve(l, reg)
}

// Serve accepts sessions on l until Shutdown. When reg is non-nil the
// listener's socket path is advertised in it for the server's lifetime.
func (s *Server) Serve(l *net.UnixListener, reg registry.Registry) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	if reg != nil {
		s.registry = reg
		s.endpoint = registry.Endpoint{
			ID:      uuid.NewString(),
			Addr:    l.Addr().String(),
			Weight:  10,
			Version: "1",
		}
		if err := reg.Register(context.Background(), s.service, s.endpoint, 10); err != nil {
			return fmt.Errorf("advertise endpoint: %w", err)
		}
	}

	s.logger.Info("serving", zap.String("addr", l.Addr().String()), zap.Stringer("codec", s.codec.Type()))
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			// Closing the listener in Shutdown surfaces here.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.ServeConn(conn)
	}
}

// ServeConn starts a session on an already connected socket.
func (s *Server) ServeConn(conn *net.UnixConn) *Session {
	ss := newSession(s, conn)
	s.mu.Lock()
	s.sessions[ss.id] = ss
	s.mu.Unlock()

	s.logger.Debug("session started", zap.String("session", ss.id))
	s.loops.Add(1)
	go ss.readLoop()
	return ss
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, ss := range s.sessions {
		out = append(out, ss)
	}
	return out
}

// Broadcast pushes seq to every live session except skip, which may be nil.
func (s *Server) Broadcast(seq *message.EventSequence, skip *Session) error {
	var err error
	for _, ss := range s.Sessions() {
		if ss != skip {
			err = multierr.Append(err, ss.SendEvent(seq))
		}
	}
	return err
}

func (s *Server) removeSession(ss *Session) {
	s.mu.Lock()
	delete(s.sessions, ss.id)
	s.mu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the registry, so clients stop picking this server
//  2. Close the listener
//  3. Wait for in-flight requests, up to timeout
//  4. Close every session and wait for its read loop to end
func (s *Server) Shutdown(timeout time.Duration) error {
	var err error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		err = multierr.Append(err, s.registry.Deregister(ctx, s.service, s.endpoint.ID))
		cancel()
	}

	// The flag goes up before the listener closes, so Serve sees it.
	s.shutdown.Store(true)
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		err = multierr.Append(err, l.Close())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		err = multierr.Append(err, ErrShutdownTimeout)
	}

	for _, ss := range s.Sessions() {
		err = multierr.Append(err, ss.Close())
	}
	s.loops.Wait()
	return err
}

// handleRequest decodes one invocation, runs it through the middleware chain,
// and writes the reply.
func (s *Server) handleRequest(ss *Session, body []byte) {
	defer s.wg.Done()

	var inv message.Invocation
	if err := s.codec.Decode(body, &inv); err != nil {
		ss.logger.Warn("dropping undecodable invocation", zap.Error(err))
		return
	}

	reply := s.handler(withSession(context.Background(), ss), &inv)
	if err := ss.reply(inv.ID, reply); err != nil {
		ss.logger.Warn("reply failed", zap.Uint32("id", inv.ID), zap.String("method", inv.MethodName),
			zap.Error(err))
	}
}

// dispatch is the innermost handler: look the method up, decode its
// parameters, and call it.
func (s *Server) dispatch(ctx context.Context, inv *message.Invocation) *message.Reply {
	m, ok := s.methods[inv.MethodName]
	if !ok {
		return &message.Reply{Error: fmt.Sprintf("unknown method %q", inv.MethodName)}
	}

	argv := reflect.New(m.ArgType)
	replyv := reflect.New(m.ReplyType)
	if len(inv.Parameters) > 0 {
		if err := s.codec.Decode(inv.Parameters, argv.Interface()); err != nil {
			return &message.Reply{Error: fmt.Sprintf("%s: bad parameters: %v", inv.MethodName, err)}
		}
	}

	if err := m.Call(ctx, argv, replyv); err != nil {
		return &message.Reply{Value: replyv.Interface(), Error: err.Error()}
	}
	return &message.Reply{Value: replyv.Interface()}
}

// frameFor encodes result into a frame, or reports why it cannot be sent.
func (s *Server) frameFor(result *message.Result) ([]byte, error) {
	body, err := s.codec.Encode(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return protocol.EncodeFrame(body)
}
