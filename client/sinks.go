package client

import (
	"sync"

	"display-rpc/message"
)

// LifecycleSink receives lifecycle state changes, including the one
// LifecycleConnectionLost the channel raises itself.
type LifecycleSink interface {
	CallLifecycleEventHandler(state message.LifecycleState)
}

// DisplayConfigSink receives pushed display configurations.
type DisplayConfigSink interface {
	UpdateConfiguration(cfg *message.DisplayConfiguration)
}

// TrustSessionSink receives trust-session state changes.
type TrustSessionSink interface {
	CallTrustSessionEventHandler(state message.TrustSessionState)
}

// Surface is anything that accepts input events routed by surface id.
type Surface interface {
	HandleEvent(ev *message.InputEvent)
}

// SurfaceMap looks surfaces up by id. WithSurfaceDo applies fn to the live
// surface and reports whether one was found.
type SurfaceMap interface {
	WithSurfaceDo(id int32, fn func(Surface)) bool
}

// LifecycleControl holds the application's lifecycle handler.
type LifecycleControl struct {
	mu      sync.Mutex
	handler func(message.LifecycleState)
}

func NewLifecycleControl() *LifecycleControl {
	return &LifecycleControl{}
}

func (l *LifecycleControl) SetLifecycleEventHandler(fn func(message.LifecycleState)) {
	l.mu.Lock()
	l.handler = fn
	l.mu.Unlock()
}

func (l *LifecycleControl) CallLifecycleEventHandler(state message.LifecycleState) {
	l.mu.Lock()
	fn := l.handler
	l.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// TrustSessionControl holds the handler for trust-session state events.
type TrustSessionControl struct {
	mu      sync.Mutex
	state   message.TrustSessionState
	handler func(message.TrustSessionState)
}

func NewTrustSessionControl() *TrustSessionControl {
	return &TrustSessionControl{}
}

func (t *TrustSessionControl) SetTrustSessionEventHandler(fn func(message.TrustSessionState)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *TrustSessionControl) CallTrustSessionEventHandler(state message.TrustSessionState) {
	t.mu.Lock()
	t.state = state
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *TrustSessionControl) State() message.TrustSessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// DisplayConfiguration keeps the most recent display configuration.
type DisplayConfiguration struct {
	mu       sync.Mutex
	config   *message.DisplayConfiguration
	onChange func()
}

func NewDisplayConfiguration() *DisplayConfiguration {
	return &DisplayConfiguration{}
}

func (d *DisplayConfiguration) UpdateConfiguration(cfg *message.DisplayConfiguration) {
	d.mu.Lock()
	d.config = cfg.Clone()
	fn := d.onChange
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SetChangeHandler installs fn, called after every update.
func (d *DisplayConfiguration) SetChangeHandler(fn func()) {
	d.mu.Lock()
	d.onChange = fn
	d.mu.Unlock()
}

// Configuration returns a copy of the current configuration, nil before the first update.
func (d *DisplayConfiguration) Configuration() *message.DisplayConfiguration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config.Clone()
}

// ConnectionSurfaceMap is the surface map of one connection.
type ConnectionSurfaceMap struct {
	mu       sync.RWMutex
	surfaces map[int32]Surface
}

func NewSurfaceMap() *ConnectionSurfaceMap {
	return &ConnectionSurfaceMap{surfaces: make(map[int32]Surface)}
}

func (m *ConnectionSurfaceMap) Insert(id int32, s Surface) {
	m.mu.Lock()
	m.surfaces[id] = s
	m.mu.Unlock()
}

func (m *ConnectionSurfaceMap) Erase(id int32) {
	m.mu.Lock()
	delete(m.surfaces, id)
	m.mu.Unlock()
}

// WithSurfaceDo runs fn under the read lock, so Erase waits for in-flight
// deliveries to the surface being removed.
func (m *ConnectionSurfaceMap) WithSurfaceDo(id int32, fn func(Surface)) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.surfaces[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}
