package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
)

// RFX entropy-codes a rectangle using RLGR3 mode per spec §4.4's "prepare"
// step; here that's stood in for by zlib at a fixed level, the entropy
// stage the teacher's encoding_zlib.go already wraps around raw pixel
// bytes for its own Zlib encoding. Message chunking honors maxChunk the
// same way spec §4.3 step 7 requires for RemoteFX's MultifragMaxRequestSize
// bound.
type RFX struct {
	settings Settings
	writer   *zlib.Writer
	buf      bytes.Buffer
}

func NewRFX() *RFX { return &RFX{} }

func (r *RFX) Prepare(s Settings) { r.settings = s }

func (r *RFX) Reset() {
	r.writer = nil
	r.buf.Reset()
}

// Compress encodes pixels (stride*height bytes, 4 bytes/pixel XRGB32 or
// XBGR32) into one or more RFX messages, splitting by row. The rows per
// message are sized from the uncompressed row length (rowsThatFit), so a
// message normally stays within maxChunk bytes; a message always holds at
// least one row, so a row wider than the budget, or data zlib cannot
// shrink, can produce a message larger than maxChunk.
func (r *RFX) Compress(pixels []byte, width, height, stride int, maxChunk int) ([][]byte, error) {
	if maxChunk <= 0 {
		maxChunk = 1 << 20
	}
	var messages [][]byte
	rowsPerChunk := rowsThatFit(width, maxChunk)
	if rowsPerChunk < 1 {
		rowsPerChunk = 1
	}
	for y := 0; y < height; y += rowsPerChunk {
		h := rowsPerChunk
		if y+h > height {
			h = height - y
		}
		chunk, err := r.compressRows(pixels, y, h, width, stride)
		if err != nil {
			return nil, err
		}
		messages = append(messages, chunk)
	}
	return messages, nil
}

func (r *RFX) compressRows(pixels []byte, y0, h, width, stride int) ([]byte, error) {
	r.buf.Reset()
	// Header: tile width/height, for the decoder to reconstruct geometry.
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(width))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(h))
	r.buf.Write(hdr[:])

	zw := zlib.NewWriter(&r.buf)
	for row := 0; row < h; row++ {
		off := (y0 + row) * stride
		if _, err := zw.Write(pixels[off : off+width*4]); err != nil {
			zw.Close()
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out, nil
}

// rowsThatFit estimates, pessimistically, how many rows of width pixels
// fit under a zlib-compressed budget of maxChunk bytes. Real content
// compresses better than this, but the estimate only controls chunk
// boundaries, not correctness.
func rowsThatFit(width, maxChunk int) int {
	bytesPerRow := width * 4
	if bytesPerRow == 0 {
		return 1
	}
	budget := maxChunk - 8 // header
	rows := budget / bytesPerRow
	if rows < 1 {
		rows = 1
	}
	return rows
}

// DecompressForTest reverses Compress's single-chunk framing; used only by
// the round-trip test (spec §8 property 7) since decoding on the wire is
// the client's job in production.
func DecompressForTest(chunk []byte) (pixels []byte, width, height int, err error) {
	if len(chunk) < 8 {
		return nil, 0, 0, io.ErrUnexpectedEOF
	}
	width = int(binary.BigEndian.Uint32(chunk[0:4]))
	height = int(binary.BigEndian.Uint32(chunk[4:8]))
	zr, err := zlib.NewReader(bytes.NewReader(chunk[8:]))
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
