// Package region implements the Dirty-Region Set (spec §4.5, component C2):
// a union of axis-aligned 16-bit rectangles with union_rect, intersect_rect,
// extents, is_empty and clear. The rectangle shape mirrors the teacher's
// Rectangle in encoding_types.go (X, Y, Width, Height uint16) — region
// arithmetic here plays the role the teacher's Rectangle.EncType/Enc fields
// play for encodings, minus the encoding tag, since a dirty region has no
// encoding of its own until the tile encoder gets it.
package region

import "sync"

// Rect is an axis-aligned rectangle with 16-bit coordinates, matching the
// wire representation of DISPLAY_UPDATE's (x, y, w, h) tail.
type Rect struct {
	X, Y, W, H uint16
}

// Empty reports whether the rectangle covers zero area.
func (r Rect) Empty() bool { return r.W == 0 || r.H == 0 }

// x2/y2 return the exclusive right/bottom edge.
func (r Rect) x2() int { return int(r.X) + int(r.W) }
func (r Rect) y2() int { return int(r.Y) + int(r.H) }

func union(a, b Rect) Rect {
	if a.Empty() {
		return b
	}
	if b.Empty() {
		return a
	}
	x1 := min(int(a.X), int(b.X))
	y1 := min(int(a.Y), int(b.Y))
	x2 := max(a.x2(), b.x2())
	y2 := max(a.y2(), b.y2())
	return Rect{X: uint16(x1), Y: uint16(y1), W: uint16(x2 - x1), H: uint16(y2 - y1)}
}

func intersect(a, b Rect) Rect {
	x1 := max(int(a.X), int(b.X))
	y1 := max(int(a.Y), int(b.Y))
	x2 := min(a.x2(), b.x2())
	y2 := min(a.y2(), b.y2())
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: uint16(x1), Y: uint16(y1), W: uint16(x2 - x1), H: uint16(y2 - y1)}
}

func clip(r Rect, w, h uint16) Rect {
	return intersect(r, Rect{W: w, H: h})
}

// Set is a dirty-region set. It tracks only the bounding box of all unioned
// rectangles, which is sufficient for every operation the spec describes
// (union, intersect, extents, clear) — the spec never asks for per-rectangle
// enumeration. The owner (Listener or Peer) is responsible for taking a
// short mutex around each call; Set additionally carries its own mutex so
// it is safe to share between the capture tick and RDP callbacks without
// relying on caller discipline.
type Set struct {
	mu     sync.Mutex
	bounds Rect
	width  uint16
	height uint16
}

// NewSet creates a dirty-region set bounded by the given framebuffer size.
func NewSet(width, height uint16) *Set {
	return &Set{width: width, height: height}
}

// SetBounds updates the clipping bounds, called on DISPLAY_SWITCH /
// resize. Existing dirty extents are re-clipped to the new bounds.
func (s *Set) SetBounds(width, height uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.width, s.height = width, height
	s.bounds = clip(s.bounds, width, height)
}

// UnionRect adds r (clamped to the current bounds) to the dirty set.
func (s *Set) UnionRect(r Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r = clip(r, s.width, s.height)
	s.bounds = union(s.bounds, r)
}

// IntersectRect narrows the dirty set to its intersection with r.
func (s *Set) IntersectRect(r Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = intersect(s.bounds, r)
}

// Extents returns the current bounding rectangle, 16-pixel aligned outward
// and clamped to the framebuffer bounds, satisfying testable property 3.
func (s *Set) Extents() Rect {
	s.mu.Lock()
	defer s.mu.Unlock()
	return align16(s.bounds, s.width, s.height)
}

// IsEmpty reports whether the set currently covers no area.
func (s *Set) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bounds.Empty()
}

// Clear empties the set.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bounds = Rect{}
}

// align16 expands r outward to 16-pixel boundaries on every edge, then
// clamps the result to [0, width) x [0, height), cropping the final tile at
// the framebuffer edge per spec §8 property 3.
func align16(r Rect, width, height uint16) Rect {
	if r.Empty() {
		return Rect{}
	}
	x1 := alignDown16(int(r.X))
	y1 := alignDown16(int(r.Y))
	x2 := alignUp16(r.x2())
	y2 := alignUp16(r.y2())
	if x2 > int(width) {
		x2 = int(width)
	}
	if y2 > int(height) {
		y2 = int(height)
	}
	if x2 <= x1 || y2 <= y1 {
		return Rect{}
	}
	return Rect{X: uint16(x1), Y: uint16(y1), W: uint16(x2 - x1), H: uint16(y2 - y1)}
}

func alignDown16(v int) int { return v &^ 15 }
func alignUp16(v int) int   { return (v + 15) &^ 15 }
