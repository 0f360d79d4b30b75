// Package tileenc implements the Tile Encoder (spec §4.4, component C1):
// per-peer codec state, the 64x64 tile grid, frame-id/ack bookkeeping and
// frame-rate adaptation. It drives the internal/codec backends without
// knowing their bitstream details, the way a teacher Rectangle's EncType
// picks an Encoding implementation (encoding_types.go's Rectangle.Read)
// without the rest of the protocol caring how that encoding works.
package tileenc

import (
	"fmt"

	"github.com/datto/rdpmux/internal/codec"
	"github.com/datto/rdpmux/internal/framebuffer"
)

const (
	maxTileSize  = 64
	scratchBytes = maxTileSize * maxTileSize * 4
)

// Encoder is the per-peer tile encoder state (spec §3, "Tile Encoder
// State").
type Encoder struct {
	width, height int
	format        framebuffer.EncodeFormat
	codecs        codec.Kind

	gridWidth, gridHeight int
	scratch               []byte

	rfx         *codec.RFX
	nsc         *codec.NSC
	planar      *codec.Planar
	interleaved *codec.Interleaved

	frameID        uint32
	lastAckFrameID uint32
	fps            int
	maxFps         int
	frameAck       bool
}

// New seeds fps=16, maxFps=32, format=XRGB32, empty codec set, per spec §4.4.
func New() *Encoder {
	return &Encoder{
		format:   framebuffer.EncXRGB32,
		fps:      16,
		maxFps:   32,
		frameAck: true,
	}
}

// Prepare lazily initializes contexts for any newly requested codec;
// idempotent for codecs already enabled (spec §4.4).
func (e *Encoder) Prepare(requested codec.Kind, settings codec.Settings) {
	newlyRequested := requested &^ e.codecs
	if newlyRequested&codec.RemoteFXKind != 0 {
		if e.rfx == nil {
			e.rfx = codec.NewRFX()
		}
		e.rfx.Prepare(settings)
	}
	if newlyRequested&codec.NSCKind != 0 {
		if e.nsc == nil {
			e.nsc = codec.NewNSC()
		}
		e.nsc.Prepare(settings)
	}
	if newlyRequested&codec.PlanarKind != 0 {
		if e.planar == nil {
			e.planar = codec.NewPlanar()
		}
		e.planar.Prepare(settings)
	}
	if newlyRequested&codec.InterleavedKind != 0 {
		if e.interleaved == nil {
			e.interleaved = codec.NewInterleaved()
		}
		e.interleaved.Prepare(settings)
	}
	e.codecs |= requested
}

// Reset tears down the grid and contexts and re-initializes the grid with
// max tile size 64x64 (spec §4.4). gridWidth/gridHeight satisfy testable
// property 4: ceil(w/64) x ceil(h/64).
func (e *Encoder) Reset(width, height int, settings codec.Settings) {
	e.width, e.height = width, height
	e.gridWidth = ceilDiv(width, maxTileSize)
	e.gridHeight = ceilDiv(height, maxTileSize)
	e.scratch = make([]byte, scratchBytes)

	enabled := e.codecs
	e.codecs = 0
	e.rfx = nil
	e.nsc = nil
	e.planar = nil
	e.interleaved = nil
	if enabled != 0 {
		e.Prepare(enabled, settings)
	}
}

// SetPixelFormat updates the internal format tag reported by Format.
// Prepare and Reset do not read it, and the codec backends are not
// configured from it.
func (e *Encoder) SetPixelFormat(f framebuffer.EncodeFormat) { e.format = f }

func (e *Encoder) Format() framebuffer.EncodeFormat { return e.format }
func (e *Encoder) GridSize() (int, int)             { return e.gridWidth, e.gridHeight }
func (e *Encoder) Codecs() codec.Kind               { return e.codecs }

// CreateFrameID applies the fps adaptation rule (spec §4.3 "Frame-rate
// adaptation") then increments and returns frameId. This is the sole
// producer-side backpressure mechanism (spec §4.3): slow clients (high
// inflight counts) shrink fps.
func (e *Encoder) CreateFrameID() uint32 {
	inflight := e.frameID - e.lastAckFrameID
	if inflight > 1 {
		e.fps = (100 / (int(inflight) + 1)) * e.maxFps / 100
	} else {
		e.fps = e.fps + 2
		if e.fps > e.maxFps {
			e.fps = e.maxFps
		}
	}
	if e.fps < 1 {
		e.fps = 1
	}
	e.frameID++
	return e.frameID
}

// Acknowledge records the client's SurfaceFrameAcknowledge(frameId).
func (e *Encoder) Acknowledge(frameID uint32) {
	if frameID > e.lastAckFrameID {
		e.lastAckFrameID = frameID
	}
}

// InflightFrames returns frameId - lastAckFrameId (spec §4.4).
func (e *Encoder) InflightFrames() uint32 { return e.frameID - e.lastAckFrameID }

// PreferredFPS returns the current adapted fps (spec §4.4).
func (e *Encoder) PreferredFPS() int { return e.fps }

func (e *Encoder) FrameAckEnabled() bool     { return e.frameAck }
func (e *Encoder) SetFrameAckEnabled(v bool) { e.frameAck = v }

func (e *Encoder) LastAckFrameID() uint32 { return e.lastAckFrameID }
func (e *Encoder) FrameID() uint32        { return e.frameID }

// RFX, NSC, Planar, Interleaved expose the prepared backends so internal/peer
// can drive them per spec §4.3 step 7 without reaching into internal/codec
// directly.
func (e *Encoder) RFX() *codec.RFX                 { return e.rfx }
func (e *Encoder) NSC() *codec.NSC                 { return e.nsc }
func (e *Encoder) Planar() *codec.Planar           { return e.planar }
func (e *Encoder) Interleaved() *codec.Interleaved { return e.interleaved }

// Scratch returns the shared scratch byte stream sized for one 64x64 tile
// (spec §4.4: "scratch stream size 64*64*4").
func (e *Encoder) Scratch() []byte { return e.scratch }

func ceilDiv(n, d int) int {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}

// CompareRegions is the optional compare helper (spec §4.4): given two
// equal-geometry buffers, scan in 16x16 cells comparing cell_width*4 bytes
// per row and return the smallest rectangle covering all unequal cells,
// clipped to the buffer. Used for dirty-region inference when no dirty
// hint is available.
func CompareRegions(a, b []byte, width, height, stride int) (x1, y1, x2, y2 int, changed bool) {
	if len(a) != len(b) {
		return 0, 0, 0, 0, true
	}
	x1, y1 = width, height
	x2, y2 = 0, 0
	cellBytes := 16 * 4
	for cy := 0; cy < height; cy += 16 {
		ch := 16
		if cy+ch > height {
			ch = height - cy
		}
		for cx := 0; cx < width; cx += 16 {
			cw := 16
			if cx+cw > width {
				cw = width - cx
			}
			rowBytes := cw * 4
			if rowBytes > cellBytes {
				rowBytes = cellBytes
			}
			same := true
			for r := 0; r < ch && same; r++ {
				off := (cy+r)*stride + cx*4
				if off+rowBytes > len(a) {
					same = false
					break
				}
				for i := 0; i < rowBytes; i++ {
					if a[off+i] != b[off+i] {
						same = false
						break
					}
				}
			}
			if !same {
				changed = true
				if cx < x1 {
					x1 = cx
				}
				if cy < y1 {
					y1 = cy
				}
				if cx+cw > x2 {
					x2 = cx + cw
				}
				if cy+ch > y2 {
					y2 = cy + ch
				}
			}
		}
	}
	if !changed {
		return 0, 0, 0, 0, false
	}
	return x1, y1, x2, y2, true
}

func (e *Encoder) String() string {
	return fmt.Sprintf("Encoder{%dx%d grid=%dx%d codecs=%d fps=%d frameId=%d ack=%d}",
		e.width, e.height, e.gridWidth, e.gridHeight, e.codecs, e.fps, e.frameID, e.lastAckFrameID)
}
