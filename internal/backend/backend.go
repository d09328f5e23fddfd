// Package backend defines the platform capability a session consumes:
// producing screen frames, replaying input events, and enumerating
// monitors. Concrete implementations are selected at startup; the
// session only ever sees the Backend interface.
package backend

import (
	"encoding/binary"
	"fmt"
)

// Backend is the capability set a session drives.
//
// CaptureScreen may return an empty frame on transient failure but
// must never block indefinitely. ProcessInput returns false (not an
// error) when the action is unsupported on the running platform; such
// failures are logged by the caller, never fatal. Monitors returns a
// read-only snapshot of the current display topology.
type Backend interface {
	CaptureScreen() ([]byte, error)
	ProcessInput(ev Event) bool
	Monitors() []Monitor
}

// Monitor describes one display in the topology snapshot.
type Monitor struct {
	ID        int  `json:"id"`
	X         int  `json:"x"`
	Y         int  `json:"y"`
	Width     int  `json:"width"`
	Height    int  `json:"height"`
	IsPrimary bool `json:"is_primary"`
}

// EventType discriminates input events.
type EventType uint8

const (
	MouseMove EventType = iota
	MouseDown
	MouseUp
	KeyDown
	KeyUp
)

// Event is one remote input action. Data carries the button for mouse
// events and the key code for keyboard events.
type Event struct {
	Type EventType
	X    int32
	Y    int32
	Data int32
}

// EventSize is the fixed encoded length of an Event.
const EventSize = 13

// EncodeEvent packs ev into its fixed 13-byte wire form:
// type(1) + x(4) + y(4) + data(4), little-endian.
func EncodeEvent(ev Event) []byte {
	buf := make([]byte, 0, EventSize)
	buf = append(buf, byte(ev.Type))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ev.X))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ev.Y))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ev.Data))
	return buf
}

// DecodeEvent unpacks an event from its wire form.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) < EventSize {
		return Event{}, fmt.Errorf("backend: event too short: %d bytes, want %d", len(data), EventSize)
	}
	return Event{
		Type: EventType(data[0]),
		X:    int32(binary.LittleEndian.Uint32(data[1:5])),
		Y:    int32(binary.LittleEndian.Uint32(data[5:9])),
		Data: int32(binary.LittleEndian.Uint32(data[9:13])),
	}, nil
}
