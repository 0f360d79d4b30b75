package tileenc

import (
	"testing"

	"github.com/datto/rdpmux/internal/codec"
)

func TestResetRecomputesGridDimensions(t *testing.T) {
	e := New()
	e.Reset(200, 130, codec.Settings{})
	gw, gh := e.GridSize()
	if gw != 4 || gh != 3 {
		t.Fatalf("expected ceil(200/64)=4, ceil(130/64)=3, got %dx%d", gw, gh)
	}

	e.Reset(64, 64, codec.Settings{})
	gw, gh = e.GridSize()
	if gw != 1 || gh != 1 {
		t.Fatalf("exact multiple of tile size should need exactly 1 cell, got %dx%d", gw, gh)
	}
}

func TestFrameIDMonotonicAndAckNeverExceedsIt(t *testing.T) {
	e := New()
	e.Reset(1024, 768, codec.Settings{})

	var last uint32
	for i := 0; i < 10; i++ {
		id := e.CreateFrameID()
		if id <= last {
			t.Fatalf("frameId must strictly increase, got %d after %d", id, last)
		}
		last = id
		e.Acknowledge(id)
		if e.LastAckFrameID() > e.FrameID() {
			t.Fatalf("lastAckFrameId %d exceeds frameId %d", e.LastAckFrameID(), e.FrameID())
		}
	}
}

func TestFPSConvergesToMaxUnderSteadyAcks(t *testing.T) {
	e := New()
	e.Reset(800, 600, codec.Settings{})
	if e.PreferredFPS() != 16 {
		t.Fatalf("expected seeded fps=16, got %d", e.PreferredFPS())
	}

	for i := 0; i < 20; i++ {
		id := e.CreateFrameID()
		e.Acknowledge(id) // client keeps pace: inflight stays <= 1
	}
	if e.PreferredFPS() != e.maxFps {
		t.Fatalf("fps should converge to maxFps=%d under steady acks, got %d", e.maxFps, e.PreferredFPS())
	}
}

func TestFPSShrinksWhenClientFallsBehind(t *testing.T) {
	e := New()
	e.Reset(800, 600, codec.Settings{})

	// Client never acks: inflight grows without bound, fps should shrink
	// toward 1 rather than climb.
	for i := 0; i < 5; i++ {
		e.CreateFrameID()
	}
	if e.PreferredFPS() >= e.maxFps {
		t.Fatalf("fps should have shrunk with a stalled client, got %d", e.PreferredFPS())
	}
	if e.PreferredFPS() < 1 {
		t.Fatalf("fps must never drop below 1, got %d", e.PreferredFPS())
	}
}

func TestInflightFramesTracksGap(t *testing.T) {
	e := New()
	e.Reset(640, 480, codec.Settings{})

	e.CreateFrameID()
	e.CreateFrameID()
	e.CreateFrameID()
	if got := e.InflightFrames(); got != 3 {
		t.Fatalf("expected 3 unacked frames, got %d", got)
	}
	e.Acknowledge(2)
	if got := e.InflightFrames(); got != 1 {
		t.Fatalf("expected 1 unacked frame after ack of frame 2, got %d", got)
	}
}

func TestCompareRegionsFindsChangedCell(t *testing.T) {
	width, height, stride := 32, 32, 32*4
	a := make([]byte, stride*height)
	b := make([]byte, stride*height)
	copy(b, a)

	// Dirty one pixel inside the cell at grid position (1,1) (pixels 16..31).
	off := 20*stride + 20*4
	b[off] = 0xff

	x1, y1, x2, y2, changed := CompareRegions(a, b, width, height, stride)
	if !changed {
		t.Fatal("expected CompareRegions to detect the change")
	}
	if x1 > 20 || x2 < 21 || y1 > 20 || y2 < 21 {
		t.Fatalf("changed rect %d,%d,%d,%d does not cover dirty pixel (20,20)", x1, y1, x2, y2)
	}
}

func TestCompareRegionsNoChange(t *testing.T) {
	width, height, stride := 16, 16, 16*4
	a := make([]byte, stride*height)
	b := make([]byte, stride*height)
	if _, _, _, _, changed := CompareRegions(a, b, width, height, stride); changed {
		t.Fatal("identical buffers must report no change")
	}
}
