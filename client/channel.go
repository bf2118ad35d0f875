// Package client implements the client side of a display-server connection.
//
// The Channel multiplexes any number of concurrent calls over one transport.
// Each call gets a unique id; the transport's notification goroutine runs the
// receive loop, which reads frames and routes every envelope two ways:
//
//	goroutine-1 ──CallMethod(id=1)──┐
//	goroutine-2 ──CallMethod(id=2)──┼──► frame ──► Transport ──► server
//	goroutine-3 ──CallMethod(id=3)──┘
//
//	receive loop ◄── frame ── Result{id=2, events, fds}
//	   ├─► events ──► display sink / lifecycle sink / surface map
//	   └─► id=2   ──► PendingCalls ──► decode + descriptors ──► goroutine-2's completion
//
// Anything that goes wrong while acting on an envelope that decoded cleanly is
// reported, counted in Stats, and skipped. Anything that breaks the frame
// stream itself disconnects the channel, and disconnection completes every
// outstanding call with ErrDisconnected.
package client

import (
	"fmt"
	"sync"
	"sync/atomic"

	"display-rpc/codec"
	"display-rpc/message"
	"display-rpc/protocol"
	"display-rpc/transport"
)

// ChannelConfig wires a Channel to its collaborators. Nil fields get defaults:
// the CBOR codec, NullReport, and sinks that discard what they receive.
type ChannelConfig struct {
	Codec        codec.Codec
	Report       Report
	Surfaces     SurfaceMap
	Display      DisplayConfigSink
	Lifecycle    LifecycleSink
	TrustSession TrustSessionSink
}

// Stats counts the anomalies the channel swallowed.
type Stats struct {
	ResultProcessingFailures uint64 // Every isolated failure while acting on a decoded envelope
	EventParseFailures       uint64 // Raw input events that did not parse
	DroppedInputEvents       uint64 // Input events naming no live surface
	UnknownCallIDs           uint64 // Responses that matched no pending call
	DescriptorAnomalies      uint64 // Declared vs. received descriptor mismatches
}

type counters struct {
	resultProcessing atomic.Uint64
	eventParse       atomic.Uint64
	droppedInput     atomic.Uint64
	unknownCallID    atomic.Uint64
	descriptor       atomic.Uint64
}

// Channel is the RPC channel of one display connection.
type Channel struct {
	transport transport.Transport
	codec     codec.Codec
	report    Report
	pending   *PendingCalls
	surfaces  SurfaceMap
	display   DisplayConfigSink
	lifecycle LifecycleSink
	trust     TrustSessionSink

	nextID       atomic.Uint32 // Last assigned call id
	disconnected atomic.Bool   // Flips to true exactly once

	receiving sync.Mutex // Serializes the receive loop; guards header and body
	header    [protocol.HeaderSize]byte
	body      []byte

	stats counters
}

// NewChannel creates a channel over t and registers its receive loop with the
// transport's data notification.
func NewChannel(t transport.Transport, cfg ChannelConfig) *Channel {
	c := &Channel{
		transport: t,
		codec:     cfg.Codec,
		report:    cfg.Report,
		surfaces:  cfg.Surfaces,
		display:   cfg.Display,
		lifecycle: cfg.Lifecycle,
		trust:     cfg.TrustSession,
	}
	if c.codec == nil {
		c.codec = codec.GetCodec(codec.CodecTypeCBOR)
	}
	if c.report == nil {
		c.report = NullReport{}
	}
	if c.surfaces == nil {
		c.surfaces = NewSurfaceMap()
	}
	if c.display == nil {
		c.display = NewDisplayConfiguration()
	}
	if c.lifecycle == nil {
		c.lifecycle = NewLifecycleControl()
	}
	if c.trust == nil {
		c.trust = NewTrustSessionControl()
	}
	c.pending = NewPendingCalls(c.report)
	t.RegisterDataReceivedNotification(c.onMessageAvailable)
	return c
}

// CallMethod issues a remote call and returns once the invocation is handed to
// the transport; it never waits for the response.
//
// complete runs exactly once: with nil after response has been filled in, or
// with the error that ended the call. It may run on the receive goroutine, so
// it must not block on another call's completion. The returned error repeats
// failures that are known before CallMethod returns (encoding, oversized
// frame, transport failure, already disconnected).
func (c *Channel) CallMethod(method string, params, response any, complete CompletionFunc) error {
	if c.disconnected.Load() {
		complete(ErrDisconnected)
		return ErrDisconnected
	}

	inv, err := c.invocationFor(method, params)
	if err != nil {
		complete(err)
		return err
	}
	c.report.InvocationRequested(inv)

	// Only save details after serialization succeeds, and register before
	// sending so the response can never overtake its registration.
	if err := c.pending.SaveCompletionDetails(inv, response, complete); err != nil {
		return err
	}
	return c.sendMessage(inv)
}

// NotifyDisconnected marks the channel disconnected, raises
// LifecycleConnectionLost once, and completes every pending call with
// ErrDisconnected. Safe to call any number of times from any goroutine.
func (c *Channel) NotifyDisconnected() {
	if !c.disconnected.Swap(true) {
		c.report.ConnectionLost()
		c.guard(nil, func() error {
			c.lifecycle.CallLifecycleEventHandler(message.LifecycleConnectionLost)
			return nil
		})
	}
	c.pending.ForceCompletion(ErrDisconnected)
}

// Disconnected reports whether the channel has lost its connection.
func (c *Channel) Disconnected() bool {
	return c.disconnected.Load()
}

// Pending returns the number of calls awaiting a response.
func (c *Channel) Pending() int {
	return c.pending.Len()
}

// Stats returns the counts of anomalies the channel absorbed without
// disconnecting.
func (c *Channel) Stats() Stats {
	return Stats{
		ResultProcessingFailures: c.stats.resultProcessing.Load(),
		EventParseFailures:       c.stats.eventParse.Load(),
		DroppedInputEvents:       c.stats.droppedInput.Load(),
		UnknownCallIDs:           c.stats.unknownCallID.Load(),
		DescriptorAnomalies:      c.stats.descriptor.Load(),
	}
}

func (c *Channel) invocationFor(method string, params any) (*message.Invocation, error) {
	if params == nil {
		params = &message.Void{}
	}
	data, err := c.codec.Encode(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s parameters: %w", method, err)
	}
	return &message.Invocation{
		ID:         c.nextID.Add(1),
		MethodName: method,
		Parameters: data,
	}, nil
}

// sendMessage frames and writes inv. A frame that cannot be built never
// reaches the transport, so the stream stays intact and only this call fails.
// A transport failure fails this call, then disconnects the channel.
func (c *Channel) sendMessage(inv *message.Invocation) error {
	body, err := c.codec.Encode(inv)
	if err != nil {
		err = fmt.Errorf("encode invocation: %w", err)
		c.report.InvocationFailed(inv, err)
		c.pending.Fail(inv.ID, err)
		return err
	}
	frame, err := protocol.EncodeFrame(body)
	if err != nil {
		c.report.InvocationFailed(inv, err)
		c.pending.Fail(inv.ID, err)
		return err
	}

	if err := c.transport.Send(frame); err != nil {
		c.report.InvocationFailed(inv, err)
		c.pending.Fail(inv.ID, err)
		c.NotifyDisconnected()
		return err
	}
	c.report.InvocationSucceeded(inv)
	return nil
}

// onMessageAvailable is the receive loop. It runs on the transport's
// notification goroutine and drains every frame that is available.
func (c *Channel) onMessageAvailable() {
	c.receiving.Lock()
	defer c.receiving.Unlock()

	for !c.disconnected.Load() && c.transport.DataAvailable() {
		result, err := c.readMessage()
		if err != nil {
			// The frame boundary is lost; nothing after this can be trusted.
			c.report.ResultReceiptFailed(err)
			c.NotifyDisconnected()
			return
		}
		c.report.ResultReceiptSucceeded(result)
		c.processResult(result)
	}
}

func (c *Channel) readMessage() (*message.Result, error) {
	if err := c.transport.ReceiveData(c.header[:]); err != nil {
		return nil, err
	}
	size, err := protocol.DecodeHeader(c.header[:])
	if err != nil {
		return nil, err
	}
	if cap(c.body) < size {
		c.body = make([]byte, size)
	}
	c.body = c.body[:size]
	if err := c.transport.ReceiveData(c.body); err != nil {
		return nil, err
	}
	return protocol.DecodeBody(c.body, size, c.codec)
}

// guard runs fn, turning an error or a panic into a counted, reported
// processing failure.
func (c *Channel) guard(result *message.Result, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.processingFailed(result, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := fn(); err != nil {
		c.processingFailed(result, err)
	}
}

func (c *Channel) processingFailed(result *message.Result, err error) {
	if result == nil {
		result = &message.Result{}
	}
	c.stats.resultProcessing.Add(1)
	c.report.ResultProcessingFailed(result, err)
}
