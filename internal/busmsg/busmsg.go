// Package busmsg defines the guest message-bus vocabulary spec §3 and §4.1
// describe: a msgpack-encoded array of uint32 with a leading tag. Both
// internal/router (decodes inbound, serializes outbound) and internal/peer
// (builds outbound input vectors) import this package so the tag values
// live in exactly one place, the way the teacher keeps ServerMessage/
// ClientMessage type bytes in encoding_types.go rather than scattered
// across handlers.go and server.go.
package busmsg

// Tag is the leading element of every vector exchanged over the guest
// message bus.
type Tag uint32

const (
	DisplayUpdate         Tag = 1
	DisplaySwitch         Tag = 2
	Mouse                 Tag = 3
	Keyboard              Tag = 4
	DisplayUpdateComplete Tag = 5
	Shutdown              Tag = 6
)

func (t Tag) String() string {
	switch t {
	case DisplayUpdate:
		return "DISPLAY_UPDATE"
	case DisplaySwitch:
		return "DISPLAY_SWITCH"
	case Mouse:
		return "MOUSE"
	case Keyboard:
		return "KEYBOARD"
	case DisplayUpdateComplete:
		return "DISPLAY_UPDATE_COMPLETE"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// MouseVector builds the outbound [MOUSE, x, y, flags] vector (spec §4.3,
// "Input handling").
func MouseVector(x, y, flags uint32) []uint32 {
	return []uint32{uint32(Mouse), x, y, flags}
}

// KeyboardVector builds the outbound [KEYBOARD, keycode, flags] vector.
func KeyboardVector(keycode, flags uint32) []uint32 {
	return []uint32{uint32(Keyboard), keycode, flags}
}

// DisplayUpdateCompleteVector acknowledges a DISPLAY_UPDATE in the legacy
// per-peer-push design (spec §4.2: "in the legacy per-peer-push design,
// reply with a DISPLAY_UPDATE_COMPLETE acknowledgement").
func DisplayUpdateCompleteVector() []uint32 {
	return []uint32{uint32(DisplayUpdateComplete)}
}
