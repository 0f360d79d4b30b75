package framebuffer

import "testing"

func TestFormatKnown(t *testing.T) {
	cases := []struct {
		f    Format
		want bool
	}{
		{FormatR8G8B8A8, true},
		{FormatA8R8G8B8, true},
		{FormatR8G8B8, true},
		{FormatB8G8R8, true},
		{FormatR5G6B5, true},
		{FormatX1R5G5B5, true},
		{Format(0xdeadbeef), false},
	}
	for _, c := range cases {
		if got := c.f.Known(); got != c.want {
			t.Errorf("Format(%#x).Known() = %v, want %v", uint32(c.f), got, c.want)
		}
	}
}

func TestCopyRectIdentityFastPath(t *testing.T) {
	v := &View{
		data:   make([]byte, 64*64*4),
		width:  64,
		height: 64,
		format: FormatA8R8G8B8,
	}
	for i := range v.data {
		v.data[i] = byte(i)
	}

	dst := make([]byte, 64*64*4)
	if err := v.CopyRect(0, 0, 64, 64, dst, EncXRGB32, 64*4); err != nil {
		t.Fatalf("CopyRect: %v", err)
	}
	for i := range dst {
		if dst[i] != v.data[i] {
			t.Fatalf("identity copy mismatch at %d: got %d want %d", i, dst[i], v.data[i])
		}
	}
}

func TestCopyRectConvertsR8G8B8(t *testing.T) {
	v := &View{
		data:   []byte{0x11, 0x22, 0x33}, // r, g, b
		width:  1,
		height: 1,
		format: FormatR8G8B8,
	}
	dst := make([]byte, 4)
	if err := v.CopyRect(0, 0, 1, 1, dst, EncXRGB32, 4); err != nil {
		t.Fatalf("CopyRect: %v", err)
	}
	want := []byte{0x11, 0x22, 0x33, 0xff}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("converted pixel mismatch: got %v want %v", dst, want)
		}
	}
}

func TestCopyRectOutOfBounds(t *testing.T) {
	v := &View{data: make([]byte, 16), width: 2, height: 2, format: FormatA8R8G8B8}
	dst := make([]byte, 64)
	if err := v.CopyRect(0, 0, 10, 10, dst, EncXRGB32, 40); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}
