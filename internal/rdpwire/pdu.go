package rdpwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PDUType tags every frame this package exchanges, the same role
// EncodingType/ClientMessageType/ServerMessageType play in the teacher's
// encoding_types.go.
type PDUType byte

const (
	PDUCapabilities PDUType = iota + 1
	PDUDesktopResize
	PDUSurfaceBits
	PDUBitmapUpdate
	PDUMouseEvent
	PDUKeyboardEvent
	PDUFrameAcknowledge
	PDURefreshRect
	PDUSuppressOutput
)

// writeFrame writes a length-prefixed, typed frame: [type byte][uint32
// length][payload]. Every PDU in this package is framed this way instead
// of a bespoke self-describing format, the same flat convention the
// teacher's Rectangle.Write/Read uses (fixed fields in a fixed order, no
// TLV).
func writeFrame(w io.Writer, typ PDUType, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, typ); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads the next typed frame, bounding the payload so a
// malformed length can't exhaust memory.
func readFrame(r io.Reader) (PDUType, []byte, error) {
	var typ PDUType
	if err := binary.Read(r, binary.BigEndian, &typ); err != nil {
		return 0, nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return 0, nil, err
	}
	if n > 64<<20 {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return typ, payload, nil
}

// Rect mirrors region.Rect's field shape so callers don't need to import
// internal/region just to build a RefreshRect list.
type Rect struct{ X, Y, W, H uint16 }

// CapabilitiesPDU carries the client's Capabilities announcement inbound.
type CapabilitiesPDU struct{ Capabilities }

func (p CapabilitiesPDU) Write(w io.Writer) error {
	buf := make([]byte, 0, 16+len(p.ClientBuild))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(p.ColorDepth))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], p.MultifragMaxRequestSize)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:2], p.DesktopWidth)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], p.DesktopHeight)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, []byte(p.ClientBuild)...)
	return writeFrame(w, PDUCapabilities, buf)
}

func ReadCapabilities(payload []byte) (Capabilities, error) {
	if len(payload) < 12 {
		return Capabilities{}, fmt.Errorf("short capabilities payload")
	}
	return Capabilities{
		ColorDepth:              int(binary.BigEndian.Uint32(payload[0:4])),
		MultifragMaxRequestSize: binary.BigEndian.Uint32(payload[4:8]),
		DesktopWidth:            binary.BigEndian.Uint16(payload[8:10]),
		DesktopHeight:           binary.BigEndian.Uint16(payload[10:12]),
		ClientBuild:             string(payload[12:]),
	}, nil
}

// DesktopResizePDU notifies the client of a new desktop geometry.
type DesktopResizePDU struct {
	Width, Height uint16
}

func (p DesktopResizePDU) Write(w io.Writer) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], p.Width)
	binary.BigEndian.PutUint16(buf[2:4], p.Height)
	return writeFrame(w, PDUDesktopResize, buf)
}

// SurfaceBitsCmd is one surface-bits update, wrapped in
// SurfaceFrameBits(first, last, frameId) framing when frame acks are on
// (spec §4.3 step 7).
type SurfaceBitsCmd struct {
	Rect            Rect
	Codec           byte // 0 = RemoteFX, 1 = NSC
	SkipCompression bool
	First, Last     bool
	FrameAckEnabled bool
	FrameID         uint32
	Data            []byte
}

func (c SurfaceBitsCmd) Write(w io.Writer) error {
	buf := make([]byte, 0, 20+len(c.Data))
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[:2], c.Rect.X)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], c.Rect.Y)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], c.Rect.W)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], c.Rect.H)
	buf = append(buf, tmp[:2]...)
	flags := byte(0)
	if c.SkipCompression {
		flags |= 1
	}
	if c.First {
		flags |= 2
	}
	if c.Last {
		flags |= 4
	}
	if c.FrameAckEnabled {
		flags |= 8
	}
	buf = append(buf, c.Codec, flags)
	binary.BigEndian.PutUint32(tmp[:], c.FrameID)
	buf = append(buf, tmp[:]...)
	buf = append(buf, c.Data...)
	return writeFrame(w, PDUSurfaceBits, buf)
}

// BitmapTile is one 64x64 (or edge-cropped) tile in a BITMAP_UPDATE record.
type BitmapTile struct {
	Rect       Rect
	BPP        byte
	Compressed bool
	Data       []byte
}

// BitmapUpdatePDU packs tile descriptors for the planar/interleaved path
// (spec §4.3 step 7, "Else:").
type BitmapUpdatePDU struct {
	Tiles []BitmapTile
}

func (p BitmapUpdatePDU) Write(w io.Writer) error {
	buf := make([]byte, 0, 64)
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[:2], uint16(len(p.Tiles)))
	buf = append(buf, tmp[:2]...)
	for _, t := range p.Tiles {
		binary.BigEndian.PutUint16(tmp[:2], t.Rect.X)
		buf = append(buf, tmp[:2]...)
		binary.BigEndian.PutUint16(tmp[:2], t.Rect.Y)
		buf = append(buf, tmp[:2]...)
		binary.BigEndian.PutUint16(tmp[:2], t.Rect.W)
		buf = append(buf, tmp[:2]...)
		binary.BigEndian.PutUint16(tmp[:2], t.Rect.H)
		buf = append(buf, tmp[:2]...)
		flags := t.BPP
		if t.Compressed {
			flags |= 0x80
		}
		buf = append(buf, flags)
		binary.BigEndian.PutUint32(tmp[:], uint32(len(t.Data)))
		buf = append(buf, tmp[:]...)
		buf = append(buf, t.Data...)
	}
	return writeFrame(w, PDUBitmapUpdate, buf)
}

// MouseEvent / KeyboardEvent are inbound input PDUs, translated by the Peer
// into the outbound vectors spec §4.3 ("Input handling") describes.
type MouseEvent struct{ X, Y, Flags uint16 }
type KeyboardEvent struct{ KeyCode, Flags uint16 }

func ReadMouseEvent(payload []byte) (MouseEvent, error) {
	if len(payload) < 6 {
		return MouseEvent{}, fmt.Errorf("short mouse event")
	}
	return MouseEvent{
		X:     binary.BigEndian.Uint16(payload[0:2]),
		Y:     binary.BigEndian.Uint16(payload[2:4]),
		Flags: binary.BigEndian.Uint16(payload[4:6]),
	}, nil
}

func ReadKeyboardEvent(payload []byte) (KeyboardEvent, error) {
	if len(payload) < 4 {
		return KeyboardEvent{}, fmt.Errorf("short keyboard event")
	}
	return KeyboardEvent{
		KeyCode: binary.BigEndian.Uint16(payload[0:2]),
		Flags:   binary.BigEndian.Uint16(payload[2:4]),
	}, nil
}

// FrameAcknowledge is the inbound SurfaceFrameAcknowledge(frameId) PDU.
func ReadFrameAcknowledge(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("short frame acknowledge")
	}
	return binary.BigEndian.Uint32(payload[0:4]), nil
}

// RefreshRect is the inbound client-driven region refresh list.
func ReadRefreshRect(payload []byte) ([]Rect, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("short refresh rect")
	}
	n := binary.BigEndian.Uint16(payload[0:2])
	payload = payload[2:]
	rects := make([]Rect, 0, n)
	for i := 0; i < int(n); i++ {
		if len(payload) < 8 {
			return nil, fmt.Errorf("truncated refresh rect list")
		}
		rects = append(rects, Rect{
			X: binary.BigEndian.Uint16(payload[0:2]),
			Y: binary.BigEndian.Uint16(payload[2:4]),
			W: binary.BigEndian.Uint16(payload[4:6]),
			H: binary.BigEndian.Uint16(payload[6:8]),
		})
		payload = payload[8:]
	}
	return rects, nil
}

// ReadPDU reads the next frame and returns its type and raw payload; the
// Peer dispatches on Type the way RDPListener::processIncomingMessage
// dispatches on the leading tag in the original source.
func ReadPDU(r io.Reader) (PDUType, []byte, error) {
	return readFrame(r)
}

// WritePDU writes a typed, length-prefixed frame with an arbitrary raw
// payload. The typed PDU structs above cover every outbound message this
// package's production code emits; WritePDU exists for the inbound-only
// types (mouse/keyboard/frame-ack/refresh-rect) that only a connecting
// client would normally write, so tests can still construct them.
func WritePDU(w io.Writer, typ PDUType, payload []byte) error {
	return writeFrame(w, typ, payload)
}
