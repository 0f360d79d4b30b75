package peer

import (
	"encoding/binary"
	"testing"

	"github.com/datto/rdpmux/internal/framebuffer"
	"github.com/datto/rdpmux/internal/rdpwire"
)

func capabilitiesPayload(colorDepth int, multifrag uint32, w, h uint16, build string) []byte {
	buf := make([]byte, 0, 12+len(build))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(colorDepth))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], multifrag)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:2], w)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], h)
	buf = append(buf, tmp[:2]...)
	buf = append(buf, []byte(build)...)
	return buf
}

func newTestPeer() (*Peer, *fakeConn) {
	conn := newFakeConn()
	var outboundVecs [][]uint32
	p := New(conn, false, &fakeView{r: 10, g: 20, b: 30, a: 255}, func(vec []uint32) {
		outboundVecs = append(outboundVecs, vec)
	})
	p.Resize(256, 128, framebuffer.FormatA8R8G8B8)
	return p, conn
}

func TestCapabilitiesDriveActivationAndFullRefresh(t *testing.T) {
	p, conn := newTestPeer()

	payload := capabilitiesPayload(32, 0x3F0000, 256, 128, "FreeRDP")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}

	if p.State() != rdpwire.StateActivated {
		t.Fatalf("expected ACTIVATED after capabilities+postConnect, got %v", p.State())
	}
	if !p.Active() {
		t.Fatal("expected peer to be active after activation")
	}
	if conn.Writer.Len() == 0 {
		t.Fatal("expected the full-refresh activation to emit at least one PDU")
	}
}

func TestColorDepth24ClampsTo16(t *testing.T) {
	p, _ := newTestPeer()
	payload := capabilitiesPayload(24, 0x3F0000, 256, 128, "FreeRDP")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}
	p.mu.Lock()
	depth := p.settings.ColorDepth
	p.mu.Unlock()
	if depth != 16 {
		t.Fatalf("expected ColorDepth 24 to clamp to 16, got %d", depth)
	}
}

func TestSmallMultifragDisablesNSC(t *testing.T) {
	p, _ := newTestPeer()
	p.mu.Lock()
	p.settings.NSCEnabled = true
	p.mu.Unlock()

	payload := capabilitiesPayload(32, 0x1000, 256, 128, "FreeRDP")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}
	p.mu.Lock()
	nsc := p.settings.NSCEnabled
	p.mu.Unlock()
	if nsc {
		t.Fatal("expected small MultifragMaxRequestSize to disable NSC")
	}
}

func TestThinClientQuirkDisablesRemoteFX(t *testing.T) {
	p, _ := newTestPeer()
	payload := capabilitiesPayload(32, 0x3F0000, 256, 128, "Wyse Thin Client v9")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}
	p.mu.Lock()
	rfx := p.settings.RemoteFXEnabled
	p.mu.Unlock()
	if rfx {
		t.Fatal("expected the Wyse quirk entry to disable RemoteFX")
	}
}

func TestMouseEventTranslatesToOutboundVector(t *testing.T) {
	conn := newFakeConn()
	var got []uint32
	p := New(conn, false, &fakeView{}, func(vec []uint32) { got = vec })
	p.Resize(64, 64, framebuffer.FormatA8R8G8B8)

	payload := make([]byte, 6)
	binary.BigEndian.PutUint16(payload[0:2], 12)
	binary.BigEndian.PutUint16(payload[2:4], 34)
	binary.BigEndian.PutUint16(payload[4:6], 1)
	if err := p.dispatch(rdpwire.PDUMouseEvent, payload); err != nil {
		t.Fatalf("dispatch mouse event: %v", err)
	}
	if len(got) != 4 || got[1] != 12 || got[2] != 34 || got[3] != 1 {
		t.Fatalf("unexpected outbound vector: %v", got)
	}
}

func TestFrameAcknowledgeUpdatesEncoder(t *testing.T) {
	p, _ := newTestPeer()
	p.mu.Lock()
	p.encoder.CreateFrameID()
	p.encoder.CreateFrameID()
	p.mu.Unlock()

	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, 2)
	if err := p.dispatch(rdpwire.PDUFrameAcknowledge, payload); err != nil {
		t.Fatalf("dispatch frame ack: %v", err)
	}
	p.mu.Lock()
	last := p.encoder.LastAckFrameID()
	p.mu.Unlock()
	if last != 2 {
		t.Fatalf("expected lastAckFrameId=2, got %d", last)
	}
}

func TestResizeWhileActivatedTriggersResizingState(t *testing.T) {
	p, conn := newTestPeer()
	payload := capabilitiesPayload(32, 0x3F0000, 256, 128, "FreeRDP")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}
	if p.State() != rdpwire.StateActivated {
		t.Fatalf("expected ACTIVATED, got %v", p.State())
	}

	conn.Writer.Reset()
	p.Resize(640, 480, framebuffer.FormatA8R8G8B8)

	if p.State() != rdpwire.StateResizing {
		t.Fatalf("expected RESIZING after mid-session resize, got %v", p.State())
	}
	if p.Active() {
		t.Fatal("peer should be inactive immediately after RESIZING")
	}
	if conn.Writer.Len() == 0 {
		t.Fatal("expected a DesktopResize PDU to be written")
	}
}

func TestRefreshRectFlushesAccumulatedDirtyRegion(t *testing.T) {
	p, conn := newTestPeer()
	payload := capabilitiesPayload(32, 0x3F0000, 256, 128, "FreeRDP")
	if err := p.dispatch(rdpwire.PDUCapabilities, payload); err != nil {
		t.Fatalf("dispatch capabilities: %v", err)
	}
	conn.Writer.Reset()

	refresh := make([]byte, 0, 10)
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], 1)
	refresh = append(refresh, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], 0)
	refresh = append(refresh, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], 0)
	refresh = append(refresh, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], 32)
	refresh = append(refresh, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[:], 32)
	refresh = append(refresh, tmp[:]...)

	if err := p.dispatch(rdpwire.PDURefreshRect, refresh); err != nil {
		t.Fatalf("dispatch refresh rect: %v", err)
	}
	if conn.Writer.Len() == 0 {
		t.Fatal("expected refresh rect to emit a surface update")
	}
}
