// Package message defines the structures exchanged between a display client and
// the display server.
//
// Two envelopes travel on the wire, each serialized by the codec layer and
// wrapped in a protocol frame:
//
//   - Invocation: client → server, one remote call.
//   - Result:     server → client, an optional call response plus any number of
//     pushed event sequences, and the count of file descriptors that rode
//     along on the socket's ancillary channel.
//
// Everything else in this package is payload: parameter and response shapes
// that are serialized into Invocation.Parameters and Result.Response.
package message

// Method names as they appear in Invocation.MethodName.
const (
	MethodConnect                 = "connect"
	MethodDisconnect              = "disconnect"
	MethodCreateSurface           = "create_surface"
	MethodNextBuffer              = "next_buffer"
	MethodReleaseSurface          = "release_surface"
	MethodDRMAuthMagic            = "drm_auth_magic"
	MethodConfigureDisplay        = "configure_display"
	MethodCreateScreencast        = "create_screencast"
	MethodScreencastBuffer        = "screencast_buffer"
	MethodReleaseScreencast       = "release_screencast"
	MethodNewFdsForTrustedClients = "new_fds_for_trusted_clients"
	MethodStartTrustSession       = "start_trust_session"
	MethodAddTrustedSession       = "add_trusted_session"
	MethodStopTrustSession        = "stop_trust_session"
)

// Invocation carries a single remote call.
type Invocation struct {
	ID         uint32 `json:"id"`          // Unique among the caller's outstanding calls
	MethodName string `json:"method_name"` // e.g. "create_surface"
	Parameters []byte `json:"parameters"`  // Serialized parameter payload
}

// Result is the envelope of every server → client frame.
//
//   - Response to a call: ID is set, Response holds the serialized payload.
//   - Pushed events:      ID is nil, Events holds serialized EventSequences.
//   - Both at once:       events are delivered first, then the call completes.
type Result struct {
	ID               *uint32  `json:"id,omitempty"`
	Response         []byte   `json:"response,omitempty"`
	Events           [][]byte `json:"events,omitempty"`
	FdsOnSideChannel int32    `json:"fds_on_side_channel,omitempty"` // Total descriptors sent with this frame
	Error            string   `json:"error,omitempty"`               // Server-level failure for call ID
}

// HasID reports whether the envelope completes a call.
func (r *Result) HasID() bool {
	return r.ID != nil
}

// CallID returns the call id, or zero for an events-only envelope.
func (r *Result) CallID() uint32 {
	if r.ID == nil {
		return 0
	}
	return *r.ID
}

// Reply is a server-side handler outcome before it is framed into a Result.
// Value is the response payload; descriptors in its fd-bearing shapes are moved
// to the ancillary channel when the reply is written.
type Reply struct {
	Value any
	Error string
}

// Void is the payload of calls that return nothing.
type Void struct {
	Error string `json:"error,omitempty"`
}
