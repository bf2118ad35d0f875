package message

// PixelFormat values follow the server's enumeration.
type PixelFormat int32

const (
	PixelFormatInvalid PixelFormat = iota
	PixelFormatABGR8888
	PixelFormatXBGR8888
	PixelFormatARGB8888
	PixelFormatXRGB8888
	PixelFormatBGR888
)

// BufferUsage selects how the server allocates a surface's buffers.
type BufferUsage int32

const (
	BufferUsageHardware BufferUsage = 1
	BufferUsageSoftware BufferUsage = 2
)

type ConnectParameters struct {
	ApplicationName string `json:"application_name"`
}

// Connection is the response to connect.
type Connection struct {
	Platform             *Platform             `json:"platform,omitempty"`
	DisplayConfiguration *DisplayConfiguration `json:"display_configuration,omitempty"`
	SurfacePixelFormat   []PixelFormat         `json:"surface_pixel_format,omitempty"`
	Error                string                `json:"error,omitempty"`
}

// Platform is the graphics platform package; its descriptors are typically a
// DRM device node.
type Platform struct {
	SideChannel
	Data []int32 `json:"data,omitempty"`
}

type SurfaceParameters struct {
	SurfaceName string      `json:"surface_name"`
	Width       int32       `json:"width"`
	Height      int32       `json:"height"`
	PixelFormat PixelFormat `json:"pixel_format"`
	BufferUsage BufferUsage `json:"buffer_usage"`
	OutputID    uint32      `json:"output_id,omitempty"`
}

type SurfaceID struct {
	Value int32 `json:"value"`
}

// Surface is the response to create_surface. Its first buffer is nested.
type Surface struct {
	SideChannel
	ID          SurfaceID   `json:"id"`
	Width       int32       `json:"width"`
	Height      int32       `json:"height"`
	PixelFormat PixelFormat `json:"pixel_format"`
	BufferUsage BufferUsage `json:"buffer_usage"`
	Buffer      *Buffer     `json:"buffer,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Buffer describes one graphics buffer; its descriptors are the buffer memory.
type Buffer struct {
	SideChannel
	BufferID int32   `json:"buffer_id"`
	Data     []int32 `json:"data,omitempty"`
	Stride   int32   `json:"stride"`
	Flags    int32   `json:"flags,omitempty"`
	Width    int32   `json:"width"`
	Height   int32   `json:"height"`
	Error    string  `json:"error,omitempty"`
}

type DRMMagic struct {
	Magic uint32 `json:"magic"`
}

type DRMAuthMagicStatus struct {
	StatusCode int32  `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

type ScreencastParameters struct {
	Region      Rectangle   `json:"region"`
	Width       uint32      `json:"width"`
	Height      uint32      `json:"height"`
	PixelFormat PixelFormat `json:"pixel_format"`
}

type ScreencastID struct {
	Value uint32 `json:"value"`
}

// Screencast is the response to create_screencast and screencast_buffer.
type Screencast struct {
	ScreencastID ScreencastID `json:"screencast_id"`
	Buffer       *Buffer      `json:"buffer,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type Rectangle struct {
	Left   int32  `json:"left"`
	Top    int32  `json:"top"`
	Width  uint32 `json:"width"`
	Height uint32 `json:"height"`
}

type SocketFDRequest struct {
	Number int32 `json:"number"`
}

// SocketFD carries pre-connected sockets a trusted helper hands to its clients.
type SocketFD struct {
	SideChannel
}

type TrustSessionParameters struct {
	BasePID int32 `json:"base_pid"`
}

type TrustedSession struct {
	PID int32 `json:"pid"`
}

type TrustSession struct {
	State TrustSessionState `json:"state"`
	Error string            `json:"error,omitempty"`
}

type TrustSessionAddResult struct {
	Result int32 `json:"result"` // 1 when the session was added
}
