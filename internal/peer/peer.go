// Package peer implements the Peer Session (spec §4.3, component C4): the
// protocol state machine, input translation and surface-update emission for
// one accepted RDP connection. It plays the role the teacher's ServerConn
// plays for one accepted VNC connection (server.go's serve loop, handlers.go's
// message dispatch) but driven by internal/rdpwire's PDUs instead of RFB
// ClientMessage/ServerMessage, and backed by internal/tileenc instead of an
// Encoding.
package peer

import (
	"fmt"
	"sync"

	"github.com/datto/rdpmux/internal/busmsg"
	"github.com/datto/rdpmux/internal/codec"
	"github.com/datto/rdpmux/internal/framebuffer"
	"github.com/datto/rdpmux/internal/rdpmuxerr"
	"github.com/datto/rdpmux/internal/rdpmuxlog"
	"github.com/datto/rdpmux/internal/rdpwire"
	"github.com/datto/rdpmux/internal/region"
	"github.com/datto/rdpmux/internal/tileenc"
)

// OutboundFunc enqueues a translated input vector onto the Listener's
// outbound path toward the guest message bus (spec §4.3, "Input handling";
// the vector itself is built with internal/busmsg).
type OutboundFunc func(vec []uint32)

// View is the subset of *framebuffer.View a Peer needs. Defined as an
// interface so faketransport.go can substitute a fixed-pixel stand-in for
// peer_test.go without opening real shared memory, the same reason the
// teacher's mock_conn.go implements Conn instead of wrapping a real
// net.Conn.
type View interface {
	CopyRect(srcX, srcY, w, h int, dst []byte, dstFmt framebuffer.EncodeFormat, dstStride int) error
}

// Peer wraps one accepted RDP connection.
type Peer struct {
	mu sync.Mutex

	conn     rdpwire.Conn
	outbound OutboundFunc
	view     View

	settings rdpwire.Settings
	caps     rdpwire.Capabilities
	state    rdpwire.State

	dirty   *region.Set
	encoder *tileenc.Encoder
	tileBuf []byte

	surfaceWidth, surfaceHeight uint16
	format                      framebuffer.Format
	active                      bool
}

// New allocates a Peer in the INIT state with settings seeded per spec
// §4.3: color depth 32, RemoteFX on, NSC off, TLS on, NLA off unless
// authenticate, frame-marker on.
func New(conn rdpwire.Conn, authenticate bool, view View, outbound OutboundFunc) *Peer {
	return &Peer{
		conn:     conn,
		outbound: outbound,
		view:     view,
		settings: rdpwire.DefaultSettings(authenticate),
		state:    rdpwire.StateInit,
		dirty:    region.NewSet(0, 0),
		encoder:  tileenc.New(),
	}
}

func (p *Peer) State() rdpwire.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Resize updates the surface geometry the Peer renders into. Called by the
// Listener both once at accept time and again whenever the guest's
// DISPLAY_SWITCH changes dimensions (spec §4.2, "Resize detection"). When
// the Peer is already ACTIVATED this drives the RESIZING transition (spec
// §4.3): send DesktopResize, recreate the encoder and tile buffer, and drop
// back to pre-ACTIVATED until the client re-activates.
func (p *Peer) Resize(width, height uint16, format framebuffer.Format) {
	p.mu.Lock()
	if width == p.surfaceWidth && height == p.surfaceHeight && format == p.format {
		p.mu.Unlock()
		return
	}
	p.surfaceWidth, p.surfaceHeight, p.format = width, height, format
	p.dirty.SetBounds(width, height)

	wasActivated := p.state == rdpwire.StateActivated
	if wasActivated {
		p.state = rdpwire.StateResizing
		p.active = false
		p.resetEncoderLocked()
	}
	p.mu.Unlock()

	if wasActivated {
		if err := (rdpwire.DesktopResizePDU{Width: width, Height: height}).Write(p.conn); err != nil {
			rdpmuxlog.Warnf("peer: failed to send desktop resize: %v", err)
			return
		}
		_ = p.conn.Flush()
	}
}

// Run drives the per-connection read loop: the "Peer main loop" of spec
// §4.3, simplified from its wait-on-soonest-of-three-handles shape into a
// single blocking read per iteration, since internal/rdpwire's Conn has no
// separate virtual-channel handle to multiplex against.
func (p *Peer) Run() error {
	defer p.terminate()
	for {
		typ, payload, err := rdpwire.ReadPDU(p.conn)
		if err != nil {
			return fmt.Errorf("%w: read pdu: %v", rdpmuxerr.ErrTransport, err)
		}
		if err := p.dispatch(typ, payload); err != nil {
			rdpmuxlog.Warnf("peer: dropping malformed pdu %v: %v", typ, err)
		}
	}
}

func (p *Peer) dispatch(typ rdpwire.PDUType, payload []byte) error {
	switch typ {
	case rdpwire.PDUCapabilities:
		caps, err := rdpwire.ReadCapabilities(payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.caps = caps
		p.state = rdpwire.StateCapabilitiesNegotiated
		p.mu.Unlock()
		p.postConnect()
		return nil

	case rdpwire.PDUMouseEvent:
		ev, err := rdpwire.ReadMouseEvent(payload)
		if err != nil {
			return err
		}
		p.outbound(busmsg.MouseVector(uint32(ev.X), uint32(ev.Y), uint32(ev.Flags)))
		return nil

	case rdpwire.PDUKeyboardEvent:
		ev, err := rdpwire.ReadKeyboardEvent(payload)
		if err != nil {
			return err
		}
		p.outbound(busmsg.KeyboardVector(uint32(ev.KeyCode), uint32(ev.Flags)))
		return nil

	case rdpwire.PDUFrameAcknowledge:
		id, err := rdpwire.ReadFrameAcknowledge(payload)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.encoder.Acknowledge(id)
		p.mu.Unlock()
		return nil

	case rdpwire.PDURefreshRect:
		rects, err := rdpwire.ReadRefreshRect(payload)
		if err != nil {
			return err
		}
		for _, r := range rects {
			p.dirty.UnionRect(region.Rect{X: r.X, Y: r.Y, W: r.W, H: r.H})
		}
		return p.EmitSurfaceUpdate(region.Rect{})

	case rdpwire.PDUSuppressOutput:
		rdpmuxlog.Debugf("peer: suppress/restore output, %d byte payload", len(payload))
		return nil

	default:
		rdpmuxlog.Debugf("peer: dropping unknown pdu type %v", typ)
		return nil
	}
}

// postConnect implements spec §4.3's POST_CONNECT step: clamp ColorDepth,
// disable NSC for clients with a small MultifragMaxRequestSize, resize to
// match the Listener's current surface if the client asked for something
// else, then proceed straight to activation.
func (p *Peer) postConnect() {
	p.mu.Lock()
	depth := p.caps.ColorDepth
	if depth == 24 {
		depth = 16
	}
	p.settings.ColorDepth = depth
	if p.caps.MultifragMaxRequestSize < 0x3F0000 {
		p.settings.NSCEnabled = false
	}
	needsResize := p.caps.DesktopWidth != p.surfaceWidth || p.caps.DesktopHeight != p.surfaceHeight
	w, h := p.surfaceWidth, p.surfaceHeight
	p.state = rdpwire.StatePostConnect
	p.mu.Unlock()

	if needsResize && w > 0 && h > 0 {
		if err := (rdpwire.DesktopResizePDU{Width: w, Height: h}).Write(p.conn); err != nil {
			rdpmuxlog.Warnf("peer: failed to send desktop resize: %v", err)
		}
		_ = p.conn.Flush()
	}
	p.activate()
}

// activate implements spec §4.3's ACTIVATED step: apply thin-client quirks,
// (re)initialize the encoder for the current surface size, then perform a
// full refresh.
func (p *Peer) activate() {
	p.mu.Lock()
	remoteFX, nsc := p.settings.RemoteFXEnabled, p.settings.NSCEnabled
	applyQuirks(p.caps.ClientBuild, &remoteFX, &nsc)
	p.settings.RemoteFXEnabled, p.settings.NSCEnabled = remoteFX, nsc

	p.resetEncoderLocked()
	p.state = rdpwire.StateActivated
	p.active = true
	full := region.Rect{X: 0, Y: 0, W: p.surfaceWidth, H: p.surfaceHeight}
	p.mu.Unlock()

	if err := p.EmitSurfaceUpdate(full); err != nil {
		rdpmuxlog.Warnf("peer: full refresh on activate failed: %v", err)
	}
}

// resetEncoderLocked re-initializes the encoder grid and tile buffer for
// the current surface size. Caller holds p.mu.
func (p *Peer) resetEncoderLocked() {
	w, h := int(p.surfaceWidth), int(p.surfaceHeight)
	cs := codecSettingsFromWire(p.settings)
	p.encoder.Reset(w, h, cs)
	p.encoder.Prepare(codec.RemoteFXKind|codec.NSCKind|codec.PlanarKind|codec.InterleavedKind, cs)
	if _, dst, ok := p.format.SourceMapping(); ok {
		p.encoder.SetPixelFormat(dst)
	}

	bufW, bufH := alignUp(w, 16), alignUp(h, 4)
	if bufW < 1 {
		bufW = 1
	}
	if bufH < 1 {
		bufH = 1
	}
	p.tileBuf = make([]byte, bufW*bufH*4)
}

// EmitSurfaceUpdate runs spec §4.3's seven-step surface-update-emission
// algorithm. rect may be the zero Rect to mean "flush the peer's
// accumulated dirty region without adding anything new" (the client-driven
// refresh-rect call site does this; the Listener's frame tick passes the
// extents it took from its own dirty region).
func (p *Peer) EmitSurfaceUpdate(rect region.Rect) error {
	p.mu.Lock()
	if !rect.Empty() {
		p.dirty.UnionRect(rect)
	}
	if !p.active || p.surfaceWidth == 0 || p.surfaceHeight == 0 {
		p.mu.Unlock()
		return nil
	}
	extents := p.dirty.Extents()
	p.dirty.Clear()
	p.mu.Unlock()

	if extents.Empty() {
		return nil
	}

	x, y, w, h := int(extents.X), int(extents.Y), int(extents.W), int(extents.H)

	p.mu.Lock()
	_, dstFmt, ok := p.format.SourceMapping()
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: no source mapping for pixel format", rdpmuxerr.ErrProtocol)
	}
	if w*h*4 > len(p.tileBuf) {
		p.mu.Unlock()
		return fmt.Errorf("%w: dirty rect exceeds tile buffer capacity", rdpmuxerr.ErrResource)
	}
	stride := w * 4
	if err := p.view.CopyRect(x, y, w, h, p.tileBuf, dstFmt, stride); err != nil {
		p.mu.Unlock()
		return err
	}
	pixels := p.tileBuf[:stride*h]

	var frameID uint32
	if p.settings.FrameAckEnabled {
		frameID = p.encoder.CreateFrameID()
	}
	settings := p.settings
	p.mu.Unlock()

	switch {
	case settings.RemoteFXEnabled:
		return p.emitRemoteFX(extents, pixels, stride, frameID, settings)
	case settings.NSCEnabled:
		return p.emitNSC(extents, pixels, stride, frameID, settings)
	default:
		return p.emitTiles(extents, pixels, stride, settings)
	}
}

func (p *Peer) emitRemoteFX(rect region.Rect, pixels []byte, stride int, frameID uint32, settings rdpwire.Settings) error {
	maxChunk := int(settings.MultifragMaxRequestSize)
	msgs, err := p.encoder.RFX().Compress(pixels, int(rect.W), int(rect.H), stride, maxChunk)
	if err != nil {
		return fmt.Errorf("%w: remotefx compress: %v", rdpmuxerr.ErrProtocol, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, msg := range msgs {
		cmd := rdpwire.SurfaceBitsCmd{
			Rect:            rdpwire.Rect{X: rect.X, Y: rect.Y, W: rect.W, H: rect.H},
			Codec:           0,
			SkipCompression: true,
			First:           i == 0,
			Last:            i == len(msgs)-1,
			FrameAckEnabled: settings.FrameAckEnabled,
			FrameID:         frameID,
			Data:            msg,
		}
		if err := cmd.Write(p.conn); err != nil {
			return fmt.Errorf("%w: write surface bits: %v", rdpmuxerr.ErrTransport, err)
		}
	}
	return p.conn.Flush()
}

func (p *Peer) emitNSC(rect region.Rect, pixels []byte, stride int, frameID uint32, settings rdpwire.Settings) error {
	msgs, err := p.encoder.NSC().Compress(pixels, int(rect.W), int(rect.H), stride, int(settings.MultifragMaxRequestSize))
	if err != nil {
		return fmt.Errorf("%w: nsc compress: %v", rdpmuxerr.ErrProtocol, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cmd := rdpwire.SurfaceBitsCmd{
		Rect:            rdpwire.Rect{X: rect.X, Y: rect.Y, W: rect.W, H: rect.H},
		Codec:           1,
		SkipCompression: true,
		First:           true,
		Last:            true,
		FrameAckEnabled: settings.FrameAckEnabled,
		FrameID:         frameID,
		Data:            msgs[0],
	}
	if err := cmd.Write(p.conn); err != nil {
		return fmt.Errorf("%w: write surface bits: %v", rdpmuxerr.ErrTransport, err)
	}
	return p.conn.Flush()
}

// emitTiles is spec §4.3 step 7's "Else" branch: split the dirty rectangle
// into 64x64 tiles, compress each with Interleaved (color depth < 32) or
// Planar, and greedily pack BITMAP_UPDATE records bounded by
// MultifragMaxRequestSize.
func (p *Peer) emitTiles(rect region.Rect, pixels []byte, stride int, settings rdpwire.Settings) error {
	bpp := settings.ColorDepth / 8
	if bpp < 1 {
		bpp = 4
	}
	useInterleaved := settings.ColorDepth < 32
	maxChunk := int(settings.MultifragMaxRequestSize)
	if maxChunk <= 0 {
		maxChunk = 0x3F0000
	}

	var tiles []rdpwire.BitmapTile
	batchSize := 0

	flush := func() error {
		if len(tiles) == 0 {
			return nil
		}
		pdu := rdpwire.BitmapUpdatePDU{Tiles: tiles}
		p.mu.Lock()
		err := pdu.Write(p.conn)
		if err == nil {
			err = p.conn.Flush()
		}
		p.mu.Unlock()
		tiles = nil
		batchSize = 0
		if err != nil {
			return fmt.Errorf("%w: write bitmap update: %v", rdpmuxerr.ErrTransport, err)
		}
		return nil
	}

	for ty := 0; ty < int(rect.H); ty += 64 {
		th := 64
		if ty+th > int(rect.H) {
			th = int(rect.H) - ty
		}
		for tx := 0; tx < int(rect.W); tx += 64 {
			tw := 64
			if tx+tw > int(rect.W) {
				tw = int(rect.W) - tx
			}
			tileOff := ty*stride + tx*4

			var encoded []byte
			var err error
			if useInterleaved {
				encoded, err = p.encoder.Interleaved().CompressTile(pixels[tileOff:], tw, th, stride, bpp)
			} else {
				encoded, err = p.encoder.Planar().CompressTile(pixels[tileOff:], tw, th, stride, bpp)
			}
			if err != nil {
				return fmt.Errorf("%w: tile compress: %v", rdpmuxerr.ErrProtocol, err)
			}

			if batchSize+len(encoded) > maxChunk && len(tiles) > 0 {
				if err := flush(); err != nil {
					return err
				}
			}
			tiles = append(tiles, rdpwire.BitmapTile{
				Rect:       rdpwire.Rect{X: rect.X + uint16(tx), Y: rect.Y + uint16(ty), W: uint16(tw), H: uint16(th)},
				BPP:        byte(settings.ColorDepth),
				Compressed: true,
				Data:       encoded,
			})
			batchSize += len(encoded)
		}
	}
	return flush()
}

// Terminate implements spec §4.3's TERMINATED step: it is exported so the
// Listener can force-close a peer (shutdown, VM teardown) without waiting
// for a transport failure to unwind Run.
func (p *Peer) Terminate() {
	_ = p.conn.Close()
}

func (p *Peer) terminate() {
	p.mu.Lock()
	p.state = rdpwire.StateTerminated
	p.active = false
	p.mu.Unlock()
	_ = p.conn.Close()
}

func codecSettingsFromWire(s rdpwire.Settings) codec.Settings {
	return codec.Settings{
		ColorLossLevel:           2,
		ChromaSubsamplingAllowed: true,
		DynamicColorFidelity:     false,
		FrameMarkerEnabled:       s.FrameMarkerEnabled,
		DrawAllowSkipAlpha:       true,
	}
}

func alignUp(v, n int) int {
	if v <= 0 {
		return 0
	}
	return (v + n - 1) &^ (n - 1)
}
