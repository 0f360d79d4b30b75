package region

import "testing"

func TestUnionAndExtentsAligns16(t *testing.T) {
	s := NewSet(1024, 768)
	s.UnionRect(Rect{X: 3, Y: 3, W: 10, H: 10})

	ext := s.Extents()
	if ext.X%16 != 0 || ext.Y%16 != 0 {
		t.Fatalf("extents not 16-aligned on origin: %+v", ext)
	}
	if int(ext.W)%16 != 0 || int(ext.H)%16 != 0 {
		t.Fatalf("extents dims not 16-aligned: %+v", ext)
	}
	if ext.X > 3 || ext.Y > 3 {
		t.Fatalf("extents did not cover original rect: %+v", ext)
	}
}

func TestExtentsClampsToBounds(t *testing.T) {
	s := NewSet(20, 20)
	s.UnionRect(Rect{X: 10, Y: 10, W: 15, H: 15})

	ext := s.Extents()
	if int(ext.X)+int(ext.W) > 20 || int(ext.Y)+int(ext.H) > 20 {
		t.Fatalf("extents escaped bounds: %+v", ext)
	}
}

func TestIdempotentUnion(t *testing.T) {
	s1 := NewSet(1024, 768)
	s1.UnionRect(Rect{X: 0, Y: 0, W: 64, H: 64})

	s2 := NewSet(1024, 768)
	s2.UnionRect(Rect{X: 0, Y: 0, W: 64, H: 64})
	s2.UnionRect(Rect{X: 0, Y: 0, W: 64, H: 64})

	if s1.Extents() != s2.Extents() {
		t.Fatalf("applying the same update twice changed the dirty set: %+v vs %+v", s1.Extents(), s2.Extents())
	}
}

func TestClearEmpties(t *testing.T) {
	s := NewSet(100, 100)
	s.UnionRect(Rect{X: 0, Y: 0, W: 16, H: 16})
	if s.IsEmpty() {
		t.Fatal("expected non-empty set after union")
	}
	s.Clear()
	if !s.IsEmpty() {
		t.Fatal("expected empty set after clear")
	}
}

func TestIntersectRect(t *testing.T) {
	s := NewSet(1024, 768)
	s.UnionRect(Rect{X: 0, Y: 0, W: 100, H: 100})
	s.IntersectRect(Rect{X: 50, Y: 50, W: 100, H: 100})

	ext := s.Extents()
	if ext.X < 48 { // 50 aligned down to 48
		t.Fatalf("intersection lost its lower bound: %+v", ext)
	}
}
