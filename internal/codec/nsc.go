package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
)

// NSC composes a single message covering the whole rectangle (spec §4.3
// step 7: "compose a single NSC message covering the rectangle and emit
// one surface-bits command"), unlike RemoteFX which may split across
// several. Prepare copies the color-loss level, chroma-subsampling
// allowance and dynamic color fidelity flag out of Settings the way
// spec §4.4 describes, and enables framing per FrameMarkerEnabled;
// framing only affects the header byte emitted here, since frame-marker
// PDUs themselves are internal/rdpwire's concern.
type NSC struct {
	settings Settings
}

func NewNSC() *NSC { return &NSC{} }

func (n *NSC) Prepare(s Settings) { n.settings = s }
func (n *NSC) Reset()             {}

func (n *NSC) Compress(pixels []byte, width, height, stride int, maxChunk int) ([][]byte, error) {
	var buf bytes.Buffer
	var hdr [11]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(height))
	hdr[8] = byte(n.settings.ColorLossLevel)
	if n.settings.ChromaSubsamplingAllowed {
		hdr[9] |= 1
	}
	if n.settings.DynamicColorFidelity {
		hdr[9] |= 2
	}
	if n.settings.FrameMarkerEnabled {
		hdr[9] |= 4
	}
	buf.Write(hdr[:])

	zw, err := zlib.NewWriterLevel(&buf, nscZlibLevel(n.settings.ColorLossLevel))
	if err != nil {
		return nil, err
	}
	for row := 0; row < height; row++ {
		off := row * stride
		if _, err := zw.Write(pixels[off : off+width*4]); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	// NSC always produces exactly one message for the rectangle, whatever
	// its size: maxChunk is part of the RectCompressor signature and is not
	// applied here, and no caller checks the message size against it.
	return [][]byte{buf.Bytes()}, nil
}

// nscZlibLevel maps NSC's 0..7 color-loss level onto zlib's compression
// level range, higher loss tolerance buying more aggressive compression.
func nscZlibLevel(colorLoss int) int {
	level := zlib.BestSpeed + colorLoss
	if level > zlib.BestCompression {
		level = zlib.BestCompression
	}
	if level < zlib.BestSpeed {
		level = zlib.BestSpeed
	}
	return level
}

// DecompressForTest reverses Compress for the round-trip test.
func (n *NSC) DecompressForTest(msg []byte) (pixels []byte, width, height int, err error) {
	if len(msg) < 11 {
		return nil, 0, 0, io.ErrUnexpectedEOF
	}
	width = int(binary.BigEndian.Uint32(msg[0:4]))
	height = int(binary.BigEndian.Uint32(msg[4:8]))
	zr, err := zlib.NewReader(bytes.NewReader(msg[11:]))
	if err != nil {
		return nil, 0, 0, err
	}
	defer zr.Close()
	pixels = make([]byte, width*height*4)
	if _, err := io.ReadFull(zr, pixels); err != nil {
		return nil, 0, 0, err
	}
	return pixels, width, height, nil
}
