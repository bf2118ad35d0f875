package message

// ShapeKind tags the payload shapes that take part in descriptor transfer.
// The set is closed: a payload that is not one of these shapes (or does not
// nest one) is ShapePlain and never carries descriptors.
type ShapeKind int

const (
	ShapePlain ShapeKind = iota
	ShapeSurface
	ShapeBuffer
	ShapePlatform
	ShapeSocketFD
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeSurface:
		return "surface"
	case ShapeBuffer:
		return "buffer"
	case ShapePlatform:
		return "platform"
	case ShapeSocketFD:
		return "socket_fd"
	}
	return "plain"
}

// FdCarrier is implemented by every payload shape that can hold descriptors.
//
// On the wire the descriptors themselves are absent: the sender moves them to
// the socket's ancillary data and records how many it moved in the pending
// count. The receiver reads that many descriptors from the same receive and
// puts them back.
type FdCarrier interface {
	Kind() ShapeKind
	PendingFds() int32
	SetPendingFds(n int32)
	Descriptors() []int32
	SetDescriptors(fds []int32)
}

// SideChannel holds the descriptor fields shared by all fd-bearing shapes.
// It is embedded, so its fields appear inline in the serialized shape.
type SideChannel struct {
	Fd               []int32 `json:"fd,omitempty"`
	FdsOnSideChannel int32   `json:"fds_on_side_channel,omitempty"`
}

func (s *SideChannel) PendingFds() int32          { return s.FdsOnSideChannel }
func (s *SideChannel) SetPendingFds(n int32)      { s.FdsOnSideChannel = n }
func (s *SideChannel) Descriptors() []int32       { return s.Fd }
func (s *SideChannel) SetDescriptors(fds []int32) { s.Fd = fds }

func (b *Buffer) Kind() ShapeKind   { return ShapeBuffer }
func (s *Surface) Kind() ShapeKind  { return ShapeSurface }
func (p *Platform) Kind() ShapeKind { return ShapePlatform }
func (s *SocketFD) Kind() ShapeKind { return ShapeSocketFD }

// Shapes returns the descriptor carriers of payload v, outer shape first and
// nested shapes after it. The order is the order descriptors travel in.
func Shapes(v any) []FdCarrier {
	var carriers []FdCarrier
	switch p := v.(type) {
	case *Buffer:
		if p != nil {
			carriers = append(carriers, p)
		}
	case *Surface:
		if p != nil {
			carriers = append(carriers, p)
			if p.Buffer != nil {
				carriers = append(carriers, p.Buffer)
			}
		}
	case *Screencast:
		if p != nil && p.Buffer != nil {
			carriers = append(carriers, p.Buffer)
		}
	case *Platform:
		if p != nil {
			carriers = append(carriers, p)
		}
	case *Connection:
		if p != nil && p.Platform != nil {
			carriers = append(carriers, p.Platform)
		}
	case *SocketFD:
		if p != nil {
			carriers = append(carriers, p)
		}
	}
	return carriers
}

// KindOf returns the shape of payload v; parents report the shape they nest.
func KindOf(v any) ShapeKind {
	switch v.(type) {
	case *Buffer, *Screencast:
		return ShapeBuffer
	case *Surface:
		return ShapeSurface
	case *Platform, *Connection:
		return ShapePlatform
	case *SocketFD:
		return ShapeSocketFD
	}
	return ShapePlain
}

// PendingFds sums the pending descriptor counts over all shapes of v.
func PendingFds(v any) int32 {
	var n int32
	for _, c := range Shapes(v) {
		n += c.PendingFds()
	}
	return n
}

// Descriptors collects every descriptor held by the shapes of v, in transfer order.
func Descriptors(v any) []int {
	var fds []int
	for _, c := range Shapes(v) {
		for _, fd := range c.Descriptors() {
			fds = append(fds, int(fd))
		}
	}
	return fds
}

// MoveToSideChannel strips the descriptors out of v's shapes and records their
// counts as pending. It returns the stripped descriptors in transfer order.
func MoveToSideChannel(v any) []int {
	var fds []int
	for _, c := range Shapes(v) {
		held := c.Descriptors()
		for _, fd := range held {
			fds = append(fds, int(fd))
		}
		c.SetPendingFds(int32(len(held)))
		c.SetDescriptors(nil)
	}
	return fds
}
