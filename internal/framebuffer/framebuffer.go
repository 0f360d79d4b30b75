// Package framebuffer implements the Framebuffer View (spec §4.6, component
// C3): a read-only mapping of the guest's shared-memory framebuffer, plus
// the pixel-format-aware copy_rect operation. The mapping and copy
// operations play the role the teacher's VncCanvas (canvas.go) plays for a
// VNC client's view of the remote desktop — Draw/DrawBytes there blit a
// rectangle of source bytes into a destination buffer under a lock; View's
// CopyRect does the same thing here, generalized to the six guest pixel
// formats in spec.md §6 instead of one canvas pixel format.
package framebuffer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/datto/rdpmux/internal/rdpmuxerr"
)

// Capacity is the fixed mapping size: 4096 x 2048 x 4 bytes, per spec §3.
const (
	MaxWidth  = 4096
	MaxHeight = 2048
	Capacity  = MaxWidth * MaxHeight * 4
)

// Format identifies a guest pixel format by its Pixman numeric code
// (spec §6). Only the six formats in the table are accepted; anything else
// causes the DISPLAY_SWITCH to be logged and ignored by the caller.
type Format uint32

const (
	FormatR8G8B8A8 Format = 0x20028888 // also r8g8b8x8
	FormatA8R8G8B8 Format = 0x20020888 // also x8r8g8b8, aka ARGB32
	FormatR8G8B8   Format = 0x00020888
	FormatB8G8R8   Format = 0x00021888
	FormatR5G6B5   Format = 0x00010565
	FormatX1R5G5B5 Format = 0x00010555
)

// BytesPerPixel returns the guest bpp for a known format, or 0 if unknown.
func (f Format) BytesPerPixel() int {
	switch f {
	case FormatR8G8B8A8, FormatA8R8G8B8:
		return 4
	case FormatR8G8B8, FormatB8G8R8:
		return 3
	case FormatR5G6B5, FormatX1R5G5B5:
		return 2
	default:
		return 0
	}
}

// Known reports whether f is one of the six accepted guest formats.
func (f Format) Known() bool { return f.BytesPerPixel() != 0 }

// EncodeFormat is the tile encoder's internal pixel layout, named the way
// the original RDPMux names its PIXEL_FORMAT_* targets.
type EncodeFormat int

const (
	EncXBGR32 EncodeFormat = iota
	EncXRGB32
)

// SourceMapping returns the (encoder source format, encoder encode format)
// pair for a guest format. The two 4-byte formats map to XBGR32 and
// XRGB32. EncodeFormat has no 24- or 16-bit member, so the 3- and 2-byte
// formats report EncXRGB32 as their source format too; CopyRect converts
// from those guest layouts itself.
func (f Format) SourceMapping() (src, dst EncodeFormat, ok bool) {
	switch f {
	case FormatR8G8B8A8:
		return EncXBGR32, EncXBGR32, true
	case FormatA8R8G8B8:
		return EncXRGB32, EncXRGB32, true
	case FormatR8G8B8, FormatB8G8R8, FormatR5G6B5, FormatX1R5G5B5:
		return EncXRGB32, EncXRGB32, true
	default:
		return 0, 0, false
	}
}

// View is a read-only mapping of a guest's named shared-memory region.
// Safe for concurrent reads: the guest writes without synchronization, and
// View never reads past the fixed-size mapping, so a torn row is possible
// but never an out-of-bounds access (spec §5, "Shared-memory concurrent
// access").
type View struct {
	file   *os.File
	data   []byte
	name   string
	width  uint16
	height uint16
	format Format
}

// Open maps the POSIX shared-memory object named "/<vmID>.rdpmux" (spec
// §6) read-only. On Linux, POSIX shm objects created with shm_open live
// under /dev/shm, so opening that path directly gives the same mapping
// without requiring cgo bindings to shm_open itself.
func Open(vmID int) (*View, error) {
	name := fmt.Sprintf("/%d.rdpmux", vmID)
	path := "/dev/shm" + name
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open shared memory %s: %v", rdpmuxerr.ErrTransport, path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, Capacity, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", rdpmuxerr.ErrTransport, path, err)
	}
	return &View{file: f, data: data, name: name}, nil
}

// Close unmaps the region and closes the backing file descriptor.
func (v *View) Close() error {
	if v.data != nil {
		_ = unix.Munmap(v.data)
		v.data = nil
	}
	if v.file != nil {
		return v.file.Close()
	}
	return nil
}

// Name returns the shared-memory object name this view was opened from.
func (v *View) Name() string { return v.name }

// SetGeometry updates the logical (width, height, format) a DISPLAY_SWITCH
// reports. Invariant: width <= MaxWidth && height <= MaxHeight (spec §3).
func (v *View) SetGeometry(width, height uint16, format Format) error {
	if int(width) > MaxWidth || int(height) > MaxHeight {
		return fmt.Errorf("%w: geometry %dx%d exceeds framebuffer capacity", rdpmuxerr.ErrProtocol, width, height)
	}
	v.width, v.height, v.format = width, height, format
	return nil
}

func (v *View) Width() uint16  { return v.width }
func (v *View) Height() uint16 { return v.height }
func (v *View) Format() Format { return v.format }

// CopyRect copies a w x h rectangle at (srcX, srcY) out of the mapping into
// dst at dstStride, converting from the guest's source pixel layout to the
// destination's XRGB32/XBGR32 layout in one pass. A whole-row fast path
// applies when source and destination strides and widths agree, mirroring
// the teacher's VncCanvas.drawBytes which draw.Draw()s the whole rectangle
// at once when no conversion is needed.
func (v *View) CopyRect(srcX, srcY, w, h int, dst []byte, dstFmt EncodeFormat, dstStride int) error {
	srcBpp := v.format.BytesPerPixel()
	if srcBpp == 0 {
		return fmt.Errorf("%w: unknown source pixel format", rdpmuxerr.ErrProtocol)
	}
	srcStride := int(v.width) * srcBpp
	// No guest format needs a byte swap when it's already 4 bytes wide and
	// maps onto the matching encode format (r8g8b8a8->XBGR32, a8r8g8b8->XRGB32);
	// those two take the whole-row fast path, everything else is converted
	// pixel by pixel.
	identity := srcBpp == 4 &&
		((v.format == FormatA8R8G8B8 && dstFmt == EncXRGB32) ||
			(v.format == FormatR8G8B8A8 && dstFmt == EncXBGR32))

	for row := 0; row < h; row++ {
		srcOff := (srcY+row)*srcStride + srcX*srcBpp
		dstOff := row * dstStride
		if srcOff < 0 || srcOff+w*srcBpp > len(v.data) {
			return fmt.Errorf("%w: copy_rect out of bounds", rdpmuxerr.ErrProtocol)
		}
		srcRow := v.data[srcOff : srcOff+w*srcBpp]
		dstRow := dst[dstOff : dstOff+w*4]
		if identity && srcStride == w*4 && dstStride == w*4 {
			copy(dstRow, srcRow)
			continue
		}
		for col := 0; col < w; col++ {
			px := readPixel(srcRow[col*srcBpp:], srcBpp)
			r, g, b, a := unpack(v.format, px)
			writePixel(dstRow[col*4:], dstFmt, r, g, b, a)
		}
	}
	return nil
}

func readPixel(b []byte, bpp int) uint32 {
	var px uint32
	for i := 0; i < bpp; i++ {
		px |= uint32(b[i]) << (8 * i)
	}
	return px
}

// unpack extracts (r, g, b, a) from a raw pixel value according to the
// guest's format, per the table in spec.md §6.
func unpack(f Format, px uint32) (r, g, b, a byte) {
	switch f {
	case FormatR8G8B8A8:
		return byte(px), byte(px >> 8), byte(px >> 16), byte(px >> 24)
	case FormatA8R8G8B8:
		return byte(px >> 16), byte(px >> 8), byte(px), byte(px >> 24)
	case FormatR8G8B8:
		return byte(px), byte(px >> 8), byte(px >> 16), 0xff
	case FormatB8G8R8:
		return byte(px >> 16), byte(px >> 8), byte(px), 0xff
	case FormatR5G6B5:
		r5 := (px >> 11) & 0x1f
		g6 := (px >> 5) & 0x3f
		b5 := px & 0x1f
		return byte(r5 << 3), byte(g6 << 2), byte(b5 << 3), 0xff
	case FormatX1R5G5B5:
		r5 := (px >> 10) & 0x1f
		g5 := (px >> 5) & 0x1f
		b5 := px & 0x1f
		return byte(r5 << 3), byte(g5 << 3), byte(b5 << 3), 0xff
	default:
		return 0, 0, 0, 0
	}
}

func writePixel(dst []byte, f EncodeFormat, r, g, b, a byte) {
	switch f {
	case EncXBGR32:
		dst[0] = b
		dst[1] = g
		dst[2] = r
		dst[3] = a
	case EncXRGB32:
		dst[0] = r
		dst[1] = g
		dst[2] = b
		dst[3] = a
	}
}
