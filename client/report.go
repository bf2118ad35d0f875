package client

import (
	"go.uber.org/zap"

	"display-rpc/message"
)

// Report is the channel's diagnostics sink. Every anomaly the channel
// swallows to keep the receive loop alive passes through here.
type Report interface {
	InvocationRequested(inv *message.Invocation)
	InvocationSucceeded(inv *message.Invocation)
	InvocationFailed(inv *message.Invocation, err error)

	ResultReceiptSucceeded(result *message.Result)
	ResultReceiptFailed(err error)
	ResultProcessingFailed(result *message.Result, err error)

	EventParsingSucceeded(ev *message.InputEvent)
	EventParsingFailed(ev *message.Event, err error)
	UnknownCallID(id uint32)
	FileDescriptorsReceived(kind message.ShapeKind, fds []int)
	ConnectionLost()
}

// NewLoggingReport returns a Report that writes to logger.
func NewLoggingReport(logger *zap.Logger) Report {
	return &loggingReport{logger: logger.Named("rpc")}
}

type loggingReport struct {
	logger *zap.Logger
}

func (r *loggingReport) InvocationRequested(inv *message.Invocation) {
	r.logger.Debug("invocation requested", zap.Uint32("id", inv.ID), zap.String("method", inv.MethodName),
		zap.Int("size", len(inv.Parameters)))
}

func (r *loggingReport) InvocationSucceeded(inv *message.Invocation) {
	r.logger.Debug("invocation sent", zap.Uint32("id", inv.ID), zap.String("method", inv.MethodName))
}

func (r *loggingReport) InvocationFailed(inv *message.Invocation, err error) {
	r.logger.Error("invocation failed", zap.Uint32("id", inv.ID), zap.String("method", inv.MethodName), zap.Error(err))
}

func (r *loggingReport) ResultReceiptSucceeded(result *message.Result) {
	if ce := r.logger.Check(zap.DebugLevel, "result received"); ce != nil {
		fields := []zap.Field{zap.Int("events", len(result.Events)), zap.Int32("fds", result.FdsOnSideChannel)}
		if result.HasID() {
			fields = append(fields, zap.Uint32("id", result.CallID()))
		}
		ce.Write(fields...)
	}
}

func (r *loggingReport) ResultReceiptFailed(err error) {
	r.logger.Error("result receipt failed", zap.Error(err))
}

func (r *loggingReport) ResultProcessingFailed(result *message.Result, err error) {
	r.logger.Warn("result processing failed", zap.Uint32("id", result.CallID()), zap.Bool("has_id", result.HasID()),
		zap.Error(err))
}

func (r *loggingReport) EventParsingSucceeded(ev *message.InputEvent) {
	r.logger.Debug("input event", zap.Uint32("type", uint32(ev.Type)), zap.Int32("surface", ev.SurfaceID))
}

func (r *loggingReport) EventParsingFailed(ev *message.Event, err error) {
	r.logger.Warn("event parsing failed", zap.Int("size", len(ev.Raw)), zap.Error(err))
}

func (r *loggingReport) UnknownCallID(id uint32) {
	r.logger.Warn("response for unknown call", zap.Uint32("id", id))
}

func (r *loggingReport) FileDescriptorsReceived(kind message.ShapeKind, fds []int) {
	r.logger.Debug("file descriptors received", zap.Stringer("shape", kind), zap.Ints("fds", fds))
}

func (r *loggingReport) ConnectionLost() {
	r.logger.Info("connection lost")
}

// NullReport discards everything.
type NullReport struct{}

func (NullReport) InvocationRequested(*message.Invocation)          {}
func (NullReport) InvocationSucceeded(*message.Invocation)          {}
func (NullReport) InvocationFailed(*message.Invocation, error)      {}
func (NullReport) ResultReceiptSucceeded(*message.Result)           {}
func (NullReport) ResultReceiptFailed(error)                        {}
func (NullReport) ResultProcessingFailed(*message.Result, error)    {}
func (NullReport) EventParsingSucceeded(*message.InputEvent)        {}
func (NullReport) EventParsingFailed(*message.Event, error)         {}
func (NullReport) UnknownCallID(uint32)                             {}
func (NullReport) FileDescriptorsReceived(message.ShapeKind, []int) {}
func (NullReport) ConnectionLost()                                  {}
