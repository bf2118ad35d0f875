package message

import (
	"encoding/binary"
	"fmt"
	"math"
)

// LifecycleState is the connection-health state pushed by the server. The
// client raises LifecycleConnectionLost itself when the channel dies.
type LifecycleState int32

const (
	LifecycleResumed LifecycleState = iota
	LifecycleWillSuspend
	LifecycleConnectionLost
)

func (s LifecycleState) String() string {
	switch s {
	case LifecycleResumed:
		return "resumed"
	case LifecycleWillSuspend:
		return "will_suspend"
	case LifecycleConnectionLost:
		return "connection_lost"
	}
	return fmt.Sprintf("lifecycle(%d)", int32(s))
}

type TrustSessionState int32

const (
	TrustSessionStopped TrustSessionState = iota
	TrustSessionStarted
)

func (s TrustSessionState) String() string {
	if s == TrustSessionStarted {
		return "started"
	}
	return "stopped"
}

// EventSequence is one serialized record inside Result.Events. Any
// combination of its fields may be present.
type EventSequence struct {
	DisplayConfiguration *DisplayConfiguration `json:"display_configuration,omitempty"`
	LifecycleEvent       *LifecycleEvent       `json:"lifecycle_event,omitempty"`
	TrustSessionEvent    *TrustSessionEvent    `json:"trust_session_event,omitempty"`
	Events               []Event               `json:"event,omitempty"`
}

type LifecycleEvent struct {
	NewState LifecycleState `json:"new_state"`
}

type TrustSessionEvent struct {
	NewState TrustSessionState `json:"new_state"`
}

// Event wraps one raw input event, see InputEvent.
type Event struct {
	Raw []byte `json:"raw,omitempty"`
}

type EventType uint32

const (
	EventTypeKey EventType = iota
	EventTypeMotion
	EventTypeSurface
	EventTypeResize
)

// InputEventSize is the size of a raw input event on the wire. Records of any
// other size are rejected rather than guessed at.
const InputEventSize = 48

// InputEvent is a raw input event routed to the surface it names.
//
// Raw layout, big-endian:
//
//	0     4     8     12    16    20    24    28    32  36  40         48
//	┌─────┬─────┬─────┬─────┬─────┬─────┬─────┬─────┬───┬───┬──────────┐
//	│type │surf │dev  │act  │key  │scan │mods │ptrs │ x │ y │timestamp │
//	└─────┴─────┴─────┴─────┴─────┴─────┴─────┴─────┴───┴───┴──────────┘
type InputEvent struct {
	Type         EventType
	SurfaceID    int32
	DeviceID     int32
	Action       int32
	KeyCode      int32
	ScanCode     int32
	Modifiers    uint32
	PointerCount uint32
	X, Y         float32
	Timestamp    int64 // nanoseconds
}

func (e *InputEvent) MarshalBinary() ([]byte, error) {
	buf := make([]byte, InputEventSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.SurfaceID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(e.DeviceID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(e.Action))
	binary.BigEndian.PutUint32(buf[16:20], uint32(e.KeyCode))
	binary.BigEndian.PutUint32(buf[20:24], uint32(e.ScanCode))
	binary.BigEndian.PutUint32(buf[24:28], e.Modifiers)
	binary.BigEndian.PutUint32(buf[28:32], e.PointerCount)
	binary.BigEndian.PutUint32(buf[32:36], math.Float32bits(e.X))
	binary.BigEndian.PutUint32(buf[36:40], math.Float32bits(e.Y))
	binary.BigEndian.PutUint64(buf[40:48], uint64(e.Timestamp))
	return buf, nil
}

func (e *InputEvent) UnmarshalBinary(data []byte) error {
	if len(data) != InputEventSize {
		return fmt.Errorf("message: raw input event is %d bytes, want %d", len(data), InputEventSize)
	}
	e.Type = EventType(binary.BigEndian.Uint32(data[0:4]))
	e.SurfaceID = int32(binary.BigEndian.Uint32(data[4:8]))
	e.DeviceID = int32(binary.BigEndian.Uint32(data[8:12]))
	e.Action = int32(binary.BigEndian.Uint32(data[12:16]))
	e.KeyCode = int32(binary.BigEndian.Uint32(data[16:20]))
	e.ScanCode = int32(binary.BigEndian.Uint32(data[20:24]))
	e.Modifiers = binary.BigEndian.Uint32(data[24:28])
	e.PointerCount = binary.BigEndian.Uint32(data[28:32])
	e.X = math.Float32frombits(binary.BigEndian.Uint32(data[32:36]))
	e.Y = math.Float32frombits(binary.BigEndian.Uint32(data[36:40]))
	e.Timestamp = int64(binary.BigEndian.Uint64(data[40:48]))
	return nil
}

// NewInputEventRecord wraps e as an Event ready to append to a sequence.
func NewInputEventRecord(e *InputEvent) Event {
	raw, _ := e.MarshalBinary()
	return Event{Raw: raw}
}
