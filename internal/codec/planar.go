package codec

// Planar run-length encodes a tile plane-by-plane (R, G, B, then A unless
// DrawAllowSkipAlpha is set, spec §4.4: "Planar honors DrawAllowSkipAlpha
// and always enables RLE"). The run-length scheme mirrors the teacher's
// RRE/Hextile encodings: a run is a repeated byte plus a count, the same
// "background fill then exceptions" shape encoding_rre.go uses for
// same-colored sub-rectangles.
type Planar struct {
	settings Settings
}

func NewPlanar() *Planar { return &Planar{} }

func (p *Planar) Prepare(s Settings) { p.settings = s }
func (p *Planar) Reset()             {}

// CompressTile splits the tile into up to 4 planes and RLE-encodes each.
// Output format: [planeCount byte][per plane: uint32 length][RLE bytes].
func (p *Planar) CompressTile(pixels []byte, width, height, stride, bpp int) ([]byte, error) {
	planeCount := 4
	if p.settings.DrawAllowSkipAlpha {
		planeCount = 3
	}
	out := []byte{byte(planeCount)}
	for plane := 0; plane < planeCount; plane++ {
		planeBytes := extractPlane(pixels, width, height, stride, plane)
		encoded := rleEncode(planeBytes)
		var lenBuf [4]byte
		putUint32(lenBuf[:], uint32(len(encoded)))
		out = append(out, lenBuf[:]...)
		out = append(out, encoded...)
	}
	return out, nil
}

// extractPlane pulls one byte-per-pixel color channel out of a
// 4-bytes-per-pixel XRGB32/XBGR32 buffer: plane 0 = byte offset 0
// (R or B depending on layout), 1, 2, 3 = alpha.
func extractPlane(pixels []byte, width, height, stride, plane int) []byte {
	out := make([]byte, width*height)
	i := 0
	for y := 0; y < height; y++ {
		row := pixels[y*stride : y*stride+width*4]
		for x := 0; x < width; x++ {
			out[i] = row[x*4+plane]
			i++
		}
	}
	return out
}

// rleEncode is a simple run-length scheme: [count byte 1-255][value byte]
// repeated. It is not MS-RDPEGDI's planar RLE bitstream, just a working
// entropy stage in the same spirit encoding_rre.go's background+sub-rect
// runs provide for solid-colored regions.
func rleEncode(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := make([]byte, 0, len(data)/2+2)
	i := 0
	for i < len(data) {
		v := data[i]
		run := 1
		for i+run < len(data) && data[i+run] == v && run < 255 {
			run++
		}
		out = append(out, byte(run), v)
		i += run
	}
	return out
}

func rleDecode(data []byte, want int) []byte {
	out := make([]byte, 0, want)
	for i := 0; i+1 < len(data); i += 2 {
		count, v := data[i], data[i+1]
		for c := byte(0); c < count; c++ {
			out = append(out, v)
		}
	}
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
