// Package codec is the "library the core calls" spec.md §1 scopes the
// RemoteFX/NSC/planar/interleaved compressors out to. The backends satisfy
// the RectCompressor/TileCompressor interfaces; the tile encoder
// (internal/tileenc) holds one concrete instance of each backend and
// internal/peer calls them directly. This is the same
// separation the teacher keeps between an Encoding implementation
// (encoding_zlib.go, encoding_hextile.go, encoding_rre.go) and the
// Rectangle/Conn plumbing that calls it.
//
// None of the four backends here reproduce their real RDP bitstreams
// (RLGR3 for RemoteFX, the NSC wavelet transform, MS-RDPEGDI planar/
// interleaved run codes) bit-for-bit — spec.md explicitly treats those as
// an external library's concern. Instead each backend reuses a pattern
// already present in the teacher: RemoteFX and NSC entropy-code a raw
// rectangle through compress/zlib the way encoding_zlib.go wraps
// zlib.NewReader/Writer around raw pixel data, and Planar/Interleaved
// run-length encode the way encoding_hextile.go and encoding_rre.go fill
// same-colored runs.
package codec

// Settings is copied out of rdpwire.Settings by the tile encoder when it
// prepares a codec (spec §4.4 "prepare"): color-loss level, chroma
// subsampling, dynamic color fidelity and frame-marker flags feed NSC;
// DrawAllowSkipAlpha feeds Planar.
type Settings struct {
	ColorLossLevel           int
	ChromaSubsamplingAllowed bool
	DynamicColorFidelity     bool
	FrameMarkerEnabled       bool
	DrawAllowSkipAlpha       bool
}

// RectCompressor compresses one arbitrarily sized rectangle of XRGB32/
// XBGR32 pixels into one or more codec messages. RemoteFX splits the
// rectangle by rows to keep messages within maxChunk bytes (see
// RFX.Compress); NSC always returns a single message and does not apply
// maxChunk. RemoteFX and NSC implement this.
type RectCompressor interface {
	Prepare(s Settings)
	Reset()
	Compress(pixels []byte, width, height, stride int, maxChunk int) ([][]byte, error)
}

// TileCompressor compresses a single tile (up to 64x64) for the
// BITMAP_UPDATE path (spec §4.3 step 7, "Else:"). Planar and Interleaved
// implement this.
type TileCompressor interface {
	Prepare(s Settings)
	Reset()
	CompressTile(pixels []byte, width, height, stride, bpp int) ([]byte, error)
}

// Kind identifies which of the four codec bitmasks a backend belongs to,
// matching spec §3's "enabled codec bitmask {RemoteFX, NSC, Planar,
// Interleaved}".
type Kind uint8

const (
	RemoteFXKind Kind = 1 << iota
	NSCKind
	PlanarKind
	InterleavedKind
)
