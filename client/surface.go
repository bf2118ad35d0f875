package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"display-rpc/message"
	"display-rpc/transport"
)

// surfaceEventBacklog is how many input events a surface without a handler
// buffers before it starts dropping them.
const surfaceEventBacklog = 64

// ClientSurface is a surface owned by a Connection. Input events reach it
// either through the handler set with SetEventHandler or, without one, through
// the Events channel.
type ClientSurface struct {
	conn *Connection
	id   message.SurfaceID

	mu      sync.Mutex
	info    message.Surface // Without its buffer
	buffer  *message.Buffer // Current buffer; its descriptors are ours
	handler func(*message.InputEvent)
	events  chan *message.InputEvent
	dropped uint64
}

func newClientSurface(conn *Connection, s *message.Surface) *ClientSurface {
	info := *s
	info.Buffer = nil
	return &ClientSurface{
		conn:   conn,
		id:     s.ID,
		info:   info,
		buffer: s.Buffer,
		events: make(chan *message.InputEvent, surfaceEventBacklog),
	}
}

func (s *ClientSurface) ID() int32 {
	return s.id.Value
}

// Info returns the surface attributes the server reported at creation.
func (s *ClientSurface) Info() message.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Buffer returns the current buffer. Its descriptors stay owned by the surface
// and are closed when the next buffer replaces it.
func (s *ClientSurface) Buffer() *message.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

// NextBuffer submits the current buffer and takes the next one.
func (s *ClientSurface) NextBuffer(ctx context.Context) (*message.Buffer, error) {
	var b message.Buffer
	if err := s.conn.Call(ctx, message.MethodNextBuffer, &s.id, &b); err != nil {
		return nil, err
	}
	if b.Error != "" {
		transport.CloseDescriptors(message.Descriptors(&b)...)
		return nil, &RemoteError{Method: message.MethodNextBuffer, Msg: b.Error}
	}

	s.mu.Lock()
	old := s.buffer
	s.buffer = &b
	s.mu.Unlock()
	if old != nil {
		transport.CloseDescriptors(message.Descriptors(old)...)
	}
	return &b, nil
}

// Release destroys the surface on the server and stops routing events to it.
func (s *ClientSurface) Release(ctx context.Context) error {
	s.conn.surfaces.Erase(s.id.Value)
	err := s.conn.voidCall(ctx, message.MethodReleaseSurface, &s.id)

	s.mu.Lock()
	fds := message.Descriptors(&s.info)
	if s.buffer != nil {
		fds = append(fds, message.Descriptors(s.buffer)...)
		s.buffer = nil
	}
	s.info.Fd = nil
	s.mu.Unlock()
	return multierr.Append(err, transport.CloseDescriptors(fds...))
}

// SetEventHandler routes input events to fn instead of the Events channel.
// fn runs on the connection's receive goroutine.
func (s *ClientSurface) SetEventHandler(fn func(*message.InputEvent)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// Events delivers input events while no handler is set.
func (s *ClientSurface) Events() <-chan *message.InputEvent {
	return s.events
}

// Dropped returns how many events overflowed the Events backlog.
func (s *ClientSurface) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *ClientSurface) HandleEvent(ev *message.InputEvent) {
	s.mu.Lock()
	fn := s.handler
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
		return
	}

	select {
	case s.events <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}
