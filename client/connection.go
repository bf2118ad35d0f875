package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"display-rpc/codec"
	"display-rpc/message"
	"display-rpc/transport"
)

// Options configures a Connection.
type Options struct {
	Codec  codec.Codec // Defaults to CBOR
	Report Report      // Defaults to a logging report when Logger is set
	Logger *zap.Logger
}

// Connection is an application's session with the display server: one
// transport, one Channel, and the client-side state the server pushes to it.
type Connection struct {
	transport transport.Transport
	channel   *Channel
	logger    *zap.Logger

	surfaces  *ConnectionSurfaceMap
	display   *DisplayConfiguration
	lifecycle *LifecycleControl
	trust     *TrustSessionControl

	mu       sync.Mutex
	platform *message.Platform
	formats  []message.PixelFormat

	closeOnce sync.Once
	closeErr  error
}

// Connect runs the connect handshake over t. On failure t is closed.
func Connect(ctx context.Context, t transport.Transport, appName string, opts Options) (*Connection, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	report := opts.Report
	if report == nil {
		report = NewLoggingReport(logger)
	}

	c := &Connection{
		transport: t,
		logger:    logger.With(zap.String("app", appName)),
		surfaces:  NewSurfaceMap(),
		display:   NewDisplayConfiguration(),
		lifecycle: NewLifecycleControl(),
		trust:     NewTrustSessionControl(),
	}
	c.channel = NewChannel(t, ChannelConfig{
		Codec:        opts.Codec,
		Report:       report,
		Surfaces:     c.surfaces,
		Display:      c.display,
		Lifecycle:    c.lifecycle,
		TrustSession: c.trust,
	})

	var resp message.Connection
	err := c.Call(ctx, message.MethodConnect, &message.ConnectParameters{ApplicationName: appName}, &resp)
	if err == nil && resp.Error != "" {
		transport.CloseDescriptors(message.Descriptors(&resp)...)
		err = &RemoteError{Method: message.MethodConnect, Msg: resp.Error}
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("connect %q: %w", appName, err)
	}

	c.platform = resp.Platform
	c.formats = resp.SurfacePixelFormat
	if resp.DisplayConfiguration != nil {
		c.display.UpdateConfiguration(resp.DisplayConfiguration)
	}
	c.logger.Info("connected", zap.Int("platform_fds", len(message.Descriptors(&resp))),
		zap.Int("pixel_formats", len(resp.SurfacePixelFormat)))
	return c, nil
}

// Call issues method and waits for its completion or for ctx to end.
//
// When ctx ends first the call stays registered; if its response arrives
// later, any descriptors it carried are closed.
func (c *Connection) Call(ctx context.Context, method string, params, response any) error {
	done := make(chan error, 1)
	if err := c.channel.CallMethod(method, params, response, func(err error) { done <- err }); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err == nil {
				transport.CloseDescriptors(message.Descriptors(response)...)
			}
		}()
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// CreateSurface creates a surface and starts routing its input events to it.
func (c *Connection) CreateSurface(ctx context.Context, params message.SurfaceParameters) (*ClientSurface, error) {
	var s message.Surface
	if err := c.Call(ctx, message.MethodCreateSurface, &params, &s); err != nil {
		return nil, err
	}
	if s.Error != "" {
		transport.CloseDescriptors(message.Descriptors(&s)...)
		return nil, &RemoteError{Method: message.MethodCreateSurface, Msg: s.Error}
	}

	surface := newClientSurface(c, &s)
	c.surfaces.Insert(s.ID.Value, surface)
	c.logger.Debug("surface created", zap.Int32("surface", s.ID.Value), zap.String("name", params.SurfaceName),
		zap.Int32("width", s.Width), zap.Int32("height", s.Height))
	return surface, nil
}

// DRMAuthMagic asks the server to authenticate a DRM magic cookie and returns
// its status code.
func (c *Connection) DRMAuthMagic(ctx context.Context, magic uint32) (int32, error) {
	var status message.DRMAuthMagicStatus
	if err := c.Call(ctx, message.MethodDRMAuthMagic, &message.DRMMagic{Magic: magic}, &status); err != nil {
		return 0, err
	}
	if status.Error != "" {
		return status.StatusCode, &RemoteError{Method: message.MethodDRMAuthMagic, Msg: status.Error}
	}
	return status.StatusCode, nil
}

// ConfigureDisplay applies cfg and records the configuration the server
// settled on.
func (c *Connection) ConfigureDisplay(ctx context.Context, cfg *message.DisplayConfiguration) error {
	var applied message.DisplayConfiguration
	if err := c.Call(ctx, message.MethodConfigureDisplay, cfg, &applied); err != nil {
		return err
	}
	if applied.Error != "" {
		return &RemoteError{Method: message.MethodConfigureDisplay, Msg: applied.Error}
	}
	c.display.UpdateConfiguration(&applied)
	return nil
}

// CreateScreencast starts capturing params.Region. The returned Screencast
// holds the first capture buffer; its descriptors belong to the caller.
func (c *Connection) CreateScreencast(ctx context.Context, params message.ScreencastParameters) (*message.Screencast, error) {
	var sc message.Screencast
	if err := c.Call(ctx, message.MethodCreateScreencast, &params, &sc); err != nil {
		return nil, err
	}
	if sc.Error != "" {
		transport.CloseDescriptors(message.Descriptors(&sc)...)
		return nil, &RemoteError{Method: message.MethodCreateScreencast, Msg: sc.Error}
	}
	return &sc, nil
}

// ScreencastBuffer captures the next frame of screencast id.
func (c *Connection) ScreencastBuffer(ctx context.Context, id message.ScreencastID) (*message.Buffer, error) {
	var sc message.Screencast
	if err := c.Call(ctx, message.MethodScreencastBuffer, &id, &sc); err != nil {
		return nil, err
	}
	if sc.Error != "" || sc.Buffer == nil {
		transport.CloseDescriptors(message.Descriptors(&sc)...)
		return nil, &RemoteError{Method: message.MethodScreencastBuffer, Msg: sc.Error}
	}
	return sc.Buffer, nil
}

func (c *Connection) ReleaseScreencast(ctx context.Context, id message.ScreencastID) error {
	return c.voidCall(ctx, message.MethodReleaseScreencast, &id)
}

// NewFdsForTrustedClients asks for n pre-authenticated sockets to hand to
// helper processes. The descriptors belong to the caller.
func (c *Connection) NewFdsForTrustedClients(ctx context.Context, n int32) ([]int, error) {
	var s message.SocketFD
	if err := c.Call(ctx, message.MethodNewFdsForTrustedClients, &message.SocketFDRequest{Number: n}, &s); err != nil {
		return nil, err
	}
	return message.Descriptors(&s), nil
}

// StartTrustSession starts a trust session rooted at basePID.
func (c *Connection) StartTrustSession(ctx context.Context, basePID int32) (message.TrustSessionState, error) {
	var ts message.TrustSession
	params := &message.TrustSessionParameters{BasePID: basePID}
	if err := c.Call(ctx, message.MethodStartTrustSession, params, &ts); err != nil {
		return message.TrustSessionStopped, err
	}
	if ts.Error != "" {
		return ts.State, &RemoteError{Method: message.MethodStartTrustSession, Msg: ts.Error}
	}
	return ts.State, nil
}

// AddTrustedSession adds pid to the running trust session and reports whether
// the server accepted it.
func (c *Connection) AddTrustedSession(ctx context.Context, pid int32) (bool, error) {
	var res message.TrustSessionAddResult
	if err := c.Call(ctx, message.MethodAddTrustedSession, &message.TrustedSession{PID: pid}, &res); err != nil {
		return false, err
	}
	return res.Result == 1, nil
}

func (c *Connection) StopTrustSession(ctx context.Context) error {
	var ts message.TrustSession
	if err := c.Call(ctx, message.MethodStopTrustSession, nil, &ts); err != nil {
		return err
	}
	if ts.Error != "" {
		return &RemoteError{Method: message.MethodStopTrustSession, Msg: ts.Error}
	}
	return nil
}

// Disconnect tells the server the session is over, then closes the connection.
func (c *Connection) Disconnect(ctx context.Context) error {
	err := c.voidCall(ctx, message.MethodDisconnect, nil)
	return multierr.Append(err, c.Close())
}

// Close tears the connection down without telling the server. Pending calls
// complete with ErrDisconnected. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
		c.channel.NotifyDisconnected()

		c.mu.Lock()
		platform := c.platform
		c.platform = nil
		c.mu.Unlock()
		if platform != nil {
			c.closeErr = multierr.Append(c.closeErr, transport.CloseDescriptors(message.Descriptors(platform)...))
		}
	})
	return c.closeErr
}

// Platform returns the platform package received at connect. Its descriptors
// stay owned by the connection.
func (c *Connection) Platform() *message.Platform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.platform
}

func (c *Connection) SurfacePixelFormats() []message.PixelFormat {
	return c.formats
}

// DisplayConfiguration returns a copy of the latest display configuration.
func (c *Connection) DisplayConfiguration() *message.DisplayConfiguration {
	return c.display.Configuration()
}

func (c *Connection) SetLifecycleEventHandler(fn func(message.LifecycleState)) {
	c.lifecycle.SetLifecycleEventHandler(fn)
}

func (c *Connection) SetDisplayConfigChangeHandler(fn func()) {
	c.display.SetChangeHandler(fn)
}

func (c *Connection) SetTrustSessionEventHandler(fn func(message.TrustSessionState)) {
	c.trust.SetTrustSessionEventHandler(fn)
}

func (c *Connection) TrustSessionState() message.TrustSessionState {
	return c.trust.State()
}

func (c *Connection) Stats() Stats {
	return c.channel.Stats()
}

func (c *Connection) voidCall(ctx context.Context, method string, params any) error {
	var v message.Void
	if err := c.Call(ctx, method, params, &v); err != nil {
		return err
	}
	if v.Error != "" {
		return &RemoteError{Method: method, Msg: v.Error}
	}
	return nil
}
