package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"display-rpc/message"
)

var (
	errNoSession         = errors.New("call outside a session")
	errUnknownSurface    = errors.New("unknown surface")
	errUnknownScreencast = errors.New("unknown screencast")
	errNoTrustSession    = errors.New("no trust session")
)

// DisplayService is a software display server: it hands out memfd-backed
// buffers and keeps per-session surfaces, screencasts, and trust sessions.
type DisplayService struct {
	server *Server
	logger *zap.Logger

	mu       sync.Mutex
	config   *message.DisplayConfiguration
	sessions map[string]*displaySession
	nextID   int32
}

type displaySession struct {
	app         string
	surfaces    map[int32]*message.SurfaceParameters
	screencasts map[uint32]*message.ScreencastParameters
	buffers     int32 // Last buffer id handed out
	trust       message.TrustSessionState
	trusted     []int32
}

// NewDisplayService creates the service and registers it with s.
func NewDisplayService(s *Server) (*DisplayService, error) {
	d := &DisplayService{
		server:   s,
		logger:   s.logger.Named("display"),
		config:   DefaultDisplayConfiguration(),
		sessions: make(map[string]*displaySession),
	}
	if err := s.Register(d); err != nil {
		return nil, err
	}
	return d, nil
}

// DefaultDisplayConfiguration is one card driving one connected 1080p output.
func DefaultDisplayConfiguration() *message.DisplayConfiguration {
	return &message.DisplayConfiguration{
		Cards: []message.DisplayCard{{CardID: 1, MaxSimultaneous: 2}},
		Outputs: []message.DisplayOutput{{
			OutputID:      1,
			CardID:        1,
			Type:          11, // HDMI-A
			PixelFormat:   []message.PixelFormat{message.PixelFormatARGB8888, message.PixelFormatXRGB8888},
			CurrentFormat: message.PixelFormatXRGB8888,
			Modes: []message.DisplayMode{
				{HorizontalResolution: 1920, VerticalResolution: 1080, RefreshRate: 60},
				{HorizontalResolution: 1280, VerticalResolution: 720, RefreshRate: 60},
			},
			CurrentMode:      0,
			PreferredMode:    0,
			Connected:        true,
			Used:             true,
			PhysicalWidthMM:  527,
			PhysicalHeightMM: 296,
		}},
	}
}

func (d *DisplayService) session(ctx context.Context) (*Session, *displaySession, error) {
	ss, ok := SessionFrom(ctx)
	if !ok {
		return nil, nil, errNoSession
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ds, ok := d.sessions[ss.ID()]
	if !ok {
		return nil, nil, fmt.Errorf("session %s has not connected", ss.ID())
	}
	return ss, ds, nil
}

func (d *DisplayService) Connect(ctx context.Context, params *message.ConnectParameters, conn *message.Connection) error {
	ss, ok := SessionFrom(ctx)
	if !ok {
		return errNoSession
	}

	platform, err := platformPackage()
	if err != nil {
		return err
	}

	d.mu.Lock()
	if _, dup := d.sessions[ss.ID()]; dup {
		d.mu.Unlock()
		closeFds(platform.Fd)
		return errors.New("already connected")
	}
	d.sessions[ss.ID()] = &displaySession{
		app:         params.ApplicationName,
		surfaces:    make(map[int32]*message.SurfaceParameters),
		screencasts: make(map[uint32]*message.ScreencastParameters),
	}
	conn.DisplayConfiguration = d.config.Clone()
	d.mu.Unlock()

	ss.OnClose(func() { d.forget(ss) })
	conn.Platform = platform
	conn.SurfacePixelFormat = []message.PixelFormat{
		message.PixelFormatABGR8888, message.PixelFormatXBGR8888,
		message.PixelFormatARGB8888, message.PixelFormatXRGB8888,
	}
	d.logger.Info("client connected", zap.String("session", ss.ID()), zap.String("app", params.ApplicationName))
	return nil
}

func (d *DisplayService) Disconnect(ctx context.Context, _ *message.Void, _ *message.Void) error {
	ss, _, err := d.session(ctx)
	if err != nil {
		return err
	}
	d.forget(ss)
	return nil
}

func (d *DisplayService) forget(ss *Session) {
	d.mu.Lock()
	ds, ok := d.sessions[ss.ID()]
	delete(d.sessions, ss.ID())
	d.mu.Unlock()
	if ok {
		d.logger.Info("client gone", zap.String("session", ss.ID()), zap.String("app", ds.app),
			zap.Int("surfaces", len(ds.surfaces)))
	}
}

func (d *DisplayService) CreateSurface(ctx context.Context, params *message.SurfaceParameters, s *message.Surface) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	if params.Width <= 0 || params.Height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", params.Width, params.Height)
	}
	if bytesPerPixel(params.PixelFormat) == 0 {
		return fmt.Errorf("unsupported pixel format %d", params.PixelFormat)
	}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	p := *params
	ds.surfaces[id] = &p
	ds.buffers++
	bufferID := ds.buffers
	d.mu.Unlock()

	buf, err := allocateBuffer(bufferID, params.Width, params.Height, params.PixelFormat)
	if err != nil {
		d.mu.Lock()
		delete(ds.surfaces, id)
		d.mu.Unlock()
		return err
	}

	*s = message.Surface{
		ID:          message.SurfaceID{Value: id},
		Width:       params.Width,
		Height:      params.Height,
		PixelFormat: params.PixelFormat,
		BufferUsage: params.BufferUsage,
		Buffer:      buf,
	}
	return nil
}

func (d *DisplayService) NextBuffer(ctx context.Context, id *message.SurfaceID, b *message.Buffer) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	params, ok := ds.surfaces[id.Value]
	ds.buffers++
	bufferID := ds.buffers
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %d", errUnknownSurface, id.Value)
	}

	buf, err := allocateBuffer(bufferID, params.Width, params.Height, params.PixelFormat)
	if err != nil {
		return err
	}
	*b = *buf
	return nil
}

func (d *DisplayService) ReleaseSurface(ctx context.Context, id *message.SurfaceID, _ *message.Void) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := ds.surfaces[id.Value]; !ok {
		return fmt.Errorf("%w %d", errUnknownSurface, id.Value)
	}
	delete(ds.surfaces, id.Value)
	return nil
}

// DRMAuthMagic accepts every non-zero cookie; zero fails with -EINVAL.
func (d *DisplayService) DRMAuthMagic(ctx context.Context, magic *message.DRMMagic, status *message.DRMAuthMagicStatus) error {
	if _, _, err := d.session(ctx); err != nil {
		return err
	}
	if magic.Magic == 0 {
		status.StatusCode = -int32(unix.EINVAL)
	}
	return nil
}

// ConfigureDisplay validates cfg against the known outputs, applies it, and
// pushes the new configuration to every other session.
func (d *DisplayService) ConfigureDisplay(ctx context.Context, cfg *message.DisplayConfiguration, applied *message.DisplayConfiguration) error {
	ss, _, err := d.session(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	next := d.config.Clone()
	for _, want := range cfg.Outputs {
		i := outputIndex(next, want.OutputID)
		if i < 0 {
			d.mu.Unlock()
			return fmt.Errorf("unknown output %d", want.OutputID)
		}
		out := &next.Outputs[i]
		if int(want.CurrentMode) >= len(out.Modes) {
			d.mu.Unlock()
			return fmt.Errorf("output %d has no mode %d", want.OutputID, want.CurrentMode)
		}
		out.CurrentMode = want.CurrentMode
		out.Used = want.Used
		out.PositionX = want.PositionX
		out.PositionY = want.PositionY
		out.PowerMode = want.PowerMode
		out.Orientation = want.Orientation
		if want.CurrentFormat != message.PixelFormatInvalid {
			out.CurrentFormat = want.CurrentFormat
		}
	}
	d.config = next
	*applied = *next.Clone()
	d.mu.Unlock()

	if err := d.server.Broadcast(&message.EventSequence{DisplayConfiguration: next.Clone()}, ss); err != nil {
		d.logger.Warn("display configuration broadcast incomplete", zap.Error(err))
	}
	return nil
}

func (d *DisplayService) CreateScreencast(ctx context.Context, params *message.ScreencastParameters, sc *message.Screencast) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	if params.Width == 0 || params.Height == 0 || params.Region.Width == 0 || params.Region.Height == 0 {
		return errors.New("invalid screencast size")
	}
	if bytesPerPixel(params.PixelFormat) == 0 {
		return fmt.Errorf("unsupported pixel format %d", params.PixelFormat)
	}

	d.mu.Lock()
	d.nextID++
	id := uint32(d.nextID)
	p := *params
	ds.screencasts[id] = &p
	ds.buffers++
	bufferID := ds.buffers
	d.mu.Unlock()

	buf, err := allocateBuffer(bufferID, int32(params.Width), int32(params.Height), params.PixelFormat)
	if err != nil {
		return err
	}
	*sc = message.Screencast{ScreencastID: message.ScreencastID{Value: id}, Buffer: buf}
	return nil
}

func (d *DisplayService) ScreencastBuffer(ctx context.Context, id *message.ScreencastID, sc *message.Screencast) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	params, ok := ds.screencasts[id.Value]
	ds.buffers++
	bufferID := ds.buffers
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %d", errUnknownScreencast, id.Value)
	}

	buf, err := allocateBuffer(bufferID, int32(params.Width), int32(params.Height), params.PixelFormat)
	if err != nil {
		return err
	}
	*sc = message.Screencast{ScreencastID: *id, Buffer: buf}
	return nil
}

func (d *DisplayService) ReleaseScreencast(ctx context.Context, id *message.ScreencastID, _ *message.Void) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := ds.screencasts[id.Value]; !ok {
		return fmt.Errorf("%w %d", errUnknownScreencast, id.Value)
	}
	delete(ds.screencasts, id.Value)
	return nil
}

// NewFdsForTrustedClients opens req.Number fresh sessions on socket pairs and
// hands the client ends back.
func (d *DisplayService) NewFdsForTrustedClients(ctx context.Context, req *message.SocketFDRequest, s *message.SocketFD) error {
	if _, _, err := d.session(ctx); err != nil {
		return err
	}
	if req.Number < 0 || req.Number > 32 {
		return fmt.Errorf("cannot open %d sockets", req.Number)
	}

	var fds []int32
	for i := int32(0); i < req.Number; i++ {
		fd, err := d.openTrustedSocket()
		if err != nil {
			closeFds(fds)
			return err
		}
		fds = append(fds, int32(fd))
	}
	s.Fd = fds
	return nil
}

func (d *DisplayService) openTrustedSocket() (int, error) {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socketpair: %w", err)
	}
	f := os.NewFile(uintptr(pair[1]), "trusted-client")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(pair[0])
		return -1, err
	}
	d.server.ServeConn(conn.(*net.UnixConn))
	return pair[0], nil
}

func (d *DisplayService) StartTrustSession(ctx context.Context, params *message.TrustSessionParameters, ts *message.TrustSession) error {
	ss, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	if params.BasePID <= 0 {
		return fmt.Errorf("invalid base pid %d", params.BasePID)
	}

	d.mu.Lock()
	if ds.trust == message.TrustSessionStarted {
		d.mu.Unlock()
		return errors.New("trust session already started")
	}
	ds.trust = message.TrustSessionStarted
	ds.trusted = []int32{params.BasePID}
	d.mu.Unlock()

	ts.State = message.TrustSessionStarted
	return ss.QueueEvent(&message.EventSequence{
		TrustSessionEvent: &message.TrustSessionEvent{NewState: message.TrustSessionStarted},
	})
}

func (d *DisplayService) AddTrustedSession(ctx context.Context, session *message.TrustedSession, res *message.TrustSessionAddResult) error {
	_, ds, err := d.session(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if ds.trust != message.TrustSessionStarted || session.PID <= 0 {
		return nil
	}
	ds.trusted = append(ds.trusted, session.PID)
	res.Result = 1
	return nil
}

func (d *DisplayService) StopTrustSession(ctx context.Context, _ *message.Void, ts *message.TrustSession) error {
	ss, ds, err := d.session(ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if ds.trust != message.TrustSessionStarted {
		d.mu.Unlock()
		return errNoTrustSession
	}
	ds.trust = message.TrustSessionStopped
	ds.trusted = nil
	d.mu.Unlock()

	ts.State = message.TrustSessionStopped
	return ss.QueueEvent(&message.EventSequence{
		TrustSessionEvent: &message.TrustSessionEvent{NewState: message.TrustSessionStopped},
	})
}

// InjectInput pushes ev to the session owning ss.
func (d *DisplayService) InjectInput(ss *Session, ev *message.InputEvent) error {
	return ss.SendEvent(&message.EventSequence{Events: []message.Event{message.NewInputEventRecord(ev)}})
}

// SetLifecycle pushes a lifecycle change to every session.
func (d *DisplayService) SetLifecycle(state message.LifecycleState) error {
	return d.server.Broadcast(&message.EventSequence{LifecycleEvent: &message.LifecycleEvent{NewState: state}}, nil)
}

// Configuration returns a copy of the current display configuration.
func (d *DisplayService) Configuration() *message.DisplayConfiguration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Clone()
}

func outputIndex(cfg *message.DisplayConfiguration, id uint32) int {
	for i := range cfg.Outputs {
		if cfg.Outputs[i].OutputID == id {
			return i
		}
	}
	return -1
}

func bytesPerPixel(f message.PixelFormat) int32 {
	switch f {
	case message.PixelFormatABGR8888, message.PixelFormatXBGR8888,
		message.PixelFormatARGB8888, message.PixelFormatXRGB8888:
		return 4
	case message.PixelFormatBGR888:
		return 3
	}
	return 0
}

// allocateBuffer backs a buffer with an anonymous memfd of stride*height bytes.
func allocateBuffer(id, width, height int32, format message.PixelFormat) (*message.Buffer, error) {
	stride := width * bytesPerPixel(format)
	fd, err := unix.MemfdCreate(fmt.Sprintf("display-buffer-%d", id), unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(stride)*int64(height)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate buffer: %w", err)
	}
	return &message.Buffer{
		SideChannel: message.SideChannel{Fd: []int32{int32(fd)}},
		BufferID:    id,
		Stride:      stride,
		Width:       width,
		Height:      height,
	}, nil
}

// platformPackage stands in for a DRM device node with an empty memfd.
func platformPackage() (*message.Platform, error) {
	fd, err := unix.MemfdCreate("display-platform", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	return &message.Platform{
		SideChannel: message.SideChannel{Fd: []int32{int32(fd)}},
		Data:        []int32{1}, // Card id
	}, nil
}

func closeFds(fds []int32) {
	for _, fd := range fds {
		unix.Close(int(fd))
	}
}
