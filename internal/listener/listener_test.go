package listener

import (
	"testing"

	"github.com/datto/rdpmux/internal/busmsg"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	l, err := New(1, "test-uuid", 0, func(vec []uint32) {}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.width, l.height = 640, 480
	l.dirty.SetBounds(640, 480)
	t.Cleanup(func() { _ = l.wire.Close() })
	return l
}

func TestHandleIncomingDisplayUpdateUnionsDirtyRegion(t *testing.T) {
	l := newTestListener(t)
	vec := []uint32{uint32(busmsg.DisplayUpdate), 10, 20, 30, 40}
	l.HandleIncoming(vec)
	if l.dirty.IsEmpty() {
		t.Fatal("expected DISPLAY_UPDATE to mark the dirty region non-empty")
	}
}

func TestHandleIncomingShortDisplayUpdateIsDropped(t *testing.T) {
	l := newTestListener(t)
	l.HandleIncoming([]uint32{uint32(busmsg.DisplayUpdate), 10, 20})
	if !l.dirty.IsEmpty() {
		t.Fatal("a malformed DISPLAY_UPDATE vector must not mutate the dirty region")
	}
}

func TestHandleIncomingShutdownStopsListener(t *testing.T) {
	l := newTestListener(t)
	l.HandleIncoming([]uint32{uint32(busmsg.Shutdown)})
	select {
	case <-l.stop:
	default:
		t.Fatal("expected SHUTDOWN to close the stop channel")
	}
}

func TestHandleIncomingDisplaySwitchWithoutSharedMemoryIsLoggedNotFatal(t *testing.T) {
	l := newTestListener(t)
	// No /dev/shm/1.rdpmux in the test environment: the open must fail
	// gracefully, per spec §4.2's "Shared-memory open failure ... is
	// surfaced once (logged) and the event is dropped".
	l.HandleIncoming([]uint32{uint32(busmsg.DisplaySwitch), 0x20020888, 800, 600})
	if l.view != nil {
		t.Fatal("expected the view to remain nil after a failed shared-memory open")
	}
}

func TestHandleIncomingUnknownTagIsDropped(t *testing.T) {
	l := newTestListener(t)
	l.HandleIncoming([]uint32{99})
	if !l.dirty.IsEmpty() {
		t.Fatal("an unknown tag must not mutate any state")
	}
}

func TestSetAuthenticationToggles(t *testing.T) {
	l := newTestListener(t)
	if l.RequiresAuthentication() {
		t.Fatal("expected authentication off by default")
	}
	l.SetAuthentication(true)
	if !l.RequiresAuthentication() {
		t.Fatal("expected SetAuthentication(true) to take effect")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := newTestListener(t)
	l.Stop()
	l.Stop() // must not panic on double-close
	select {
	case <-l.stop:
	default:
		t.Fatal("expected stop channel closed after Stop")
	}
}

func TestNumConnectedPeersStartsAtZero(t *testing.T) {
	l := newTestListener(t)
	if n := l.NumConnectedPeers(); n != 0 {
		t.Fatalf("expected 0 connected peers initially, got %d", n)
	}
}
