package peer

import (
	"bytes"
	"errors"
	"net"

	"github.com/datto/rdpmux/internal/framebuffer"
)

// fakeConn is a mock implementation of rdpwire.Conn for tests, adapted from
// the teacher's MockConn (mock_conn.go): a Reader/Writer pair standing in
// for a real net.Conn, with Flush/Close/RemoteAddr as no-ops.
type fakeConn struct {
	Reader *bytes.Buffer
	Writer *bytes.Buffer
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{Reader: &bytes.Buffer{}, Writer: &bytes.Buffer{}}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.Reader == nil {
		return 0, errors.New("fake conn: nil reader")
	}
	return f.Reader.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.Writer == nil {
		return 0, errors.New("fake conn: nil writer")
	}
	return f.Writer.Write(p)
}

func (f *fakeConn) Close() error         { f.closed = true; return nil }
func (f *fakeConn) Flush() error         { return nil }
func (f *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake:0" }

// fakeView is a mock implementation of peer.View backed by a fixed solid
// color, standing in for a real shared-memory mapping the way fakeConn
// stands in for a net.Conn.
type fakeView struct {
	r, g, b, a byte
}

func (v *fakeView) CopyRect(srcX, srcY, w, h int, dst []byte, dstFmt framebuffer.EncodeFormat, dstStride int) error {
	for row := 0; row < h; row++ {
		off := row * dstStride
		for col := 0; col < w; col++ {
			px := dst[off+col*4 : off+col*4+4]
			switch dstFmt {
			case framebuffer.EncXBGR32:
				px[0], px[1], px[2], px[3] = v.b, v.g, v.r, v.a
			default:
				px[0], px[1], px[2], px[3] = v.r, v.g, v.b, v.a
			}
		}
	}
	return nil
}
