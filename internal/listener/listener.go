// Package listener implements the Listener (spec §4.2, component C5): one
// per guest VM, owning the Framebuffer View, the Dirty-Region Set, the peer
// registry and the TCP accept loop. It plays the role the teacher's Server
// (server.go) plays for one VNC listen address — Serve's accept loop and
// NewServerConn per connection — generalized to also drive a periodic
// frame tick across every connected Peer.
package listener

import (
	"fmt"
	"sync"
	"time"

	"github.com/datto/rdpmux/internal/busmsg"
	"github.com/datto/rdpmux/internal/framebuffer"
	"github.com/datto/rdpmux/internal/peer"
	"github.com/datto/rdpmux/internal/rdpmuxerr"
	"github.com/datto/rdpmux/internal/rdpmuxlog"
	"github.com/datto/rdpmux/internal/rdpwire"
	"github.com/datto/rdpmux/internal/region"
)

// DefaultTickRate is the frame-tick frequency spec §4.2 names ("default
// 30 Hz, adjustable").
const DefaultTickRate = time.Second / 30

// Listener owns one guest VM's RDP surface.
type Listener struct {
	vmID      int
	uuid      string
	wire      *rdpwire.Listener
	tickEvery time.Duration

	authenticate bool
	credPath     string

	mu              sync.Mutex
	view            *framebuffer.View
	dirty           *region.Set
	width           uint16
	height          uint16
	format          framebuffer.Format
	haveFirstSwitch bool

	peers map[*peer.Peer]struct{}

	outbound   func(vec []uint32) // Listener.send toward the VM Router's queue_outbound
	unregister func()             // request the Router forget this uuid/port (spec §9's "request unregister" handle)

	stop chan struct{}
	done chan struct{}
}

// New constructs a Listener bound to port, for the given VM uuid/numeric
// id. outbound is the hook the Listener uses to push input vectors toward
// the VM Router (spec §4.1's queue_outbound). unregister is the hook a
// guest-initiated SHUTDOWN uses to have the Router forget this uuid and
// free its port (spec §4.2's SHUTDOWN entry: "stop the listener loop and
// self-unregister"); it may be nil, in which case SHUTDOWN only stops the
// run loop.
func New(vmID int, uuid string, port uint16, outbound func(vec []uint32), unregister func()) (*Listener, error) {
	wl, err := rdpwire.Listen(port)
	if err != nil {
		return nil, fmt.Errorf("%w: listener port %d: %v", rdpmuxerr.ErrFatal, port, err)
	}
	return &Listener{
		vmID:       vmID,
		uuid:       uuid,
		wire:       wl,
		tickEvery:  DefaultTickRate,
		dirty:      region.NewSet(0, 0),
		peers:      make(map[*peer.Peer]struct{}),
		outbound:   outbound,
		unregister: unregister,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

func (l *Listener) Port() uint16 { return l.wire.Port() }

func (l *Listener) NumConnectedPeers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

func (l *Listener) RequiresAuthentication() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authenticate
}

// SetCredentialPath is the management-surface mutator (spec §4.2).
func (l *Listener) SetCredentialPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credPath = path
}

// SetAuthentication records the authentication flag. Peers accepted after
// the call start with NLA security when it is on and RDP security when it
// is off (rdpwire.DefaultSettings); peers already connected keep their
// settings. The credential path is only stored (SetCredentialPath); this
// package does not open or bind the credential file.
func (l *Listener) SetAuthentication(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authenticate = enabled
}

// HandleIncoming dispatches one decoded guest-bus vector by its leading tag
// (spec §4.2's incoming message handler table).
func (l *Listener) HandleIncoming(vec []uint32) {
	if len(vec) == 0 {
		rdpmuxlog.Warnf("listener %s: dropping empty vector", l.uuid)
		return
	}
	switch busmsg.Tag(vec[0]) {
	case busmsg.DisplayUpdate:
		if len(vec) < 5 {
			rdpmuxlog.Warnf("listener %s: short DISPLAY_UPDATE vector", l.uuid)
			return
		}
		l.dirty.UnionRect(region.Rect{
			X: uint16(vec[1]), Y: uint16(vec[2]), W: uint16(vec[3]), H: uint16(vec[4]),
		})

	case busmsg.DisplaySwitch:
		if len(vec) < 4 {
			rdpmuxlog.Warnf("listener %s: short DISPLAY_SWITCH vector", l.uuid)
			return
		}
		l.handleDisplaySwitch(framebuffer.Format(vec[1]), uint16(vec[2]), uint16(vec[3]))

	case busmsg.Shutdown:
		rdpmuxlog.Infof("listener %s: SHUTDOWN received, unregistering", l.uuid)
		if l.unregister != nil {
			l.unregister()
		} else {
			l.Stop()
		}

	default:
		rdpmuxlog.Debugf("listener %s: dropping unknown tag %d", l.uuid, vec[0])
	}
}

func (l *Listener) handleDisplaySwitch(format framebuffer.Format, width, height uint16) {
	if !format.Known() {
		rdpmuxlog.Warnf("listener %s: ignoring DISPLAY_SWITCH with unknown pixel format %#x", l.uuid, uint32(format))
		return
	}
	l.mu.Lock()
	if !l.haveFirstSwitch {
		v, err := framebuffer.Open(l.vmID)
		if err != nil {
			l.mu.Unlock()
			rdpmuxlog.Errorf("listener %s: shared memory open failed: %v", l.uuid, err)
			return
		}
		l.view = v
		l.haveFirstSwitch = true
	}
	if err := l.view.SetGeometry(width, height, format); err != nil {
		l.mu.Unlock()
		rdpmuxlog.Warnf("listener %s: rejecting geometry %dx%d: %v", l.uuid, width, height, err)
		return
	}
	l.width, l.height, l.format = width, height, format
	l.dirty.SetBounds(width, height)
	peers := l.snapshotPeersLocked()
	l.mu.Unlock()

	for _, p := range peers {
		p.Resize(width, height, format)
	}
}

func (l *Listener) snapshotPeersLocked() []*peer.Peer {
	out := make([]*peer.Peer, 0, len(l.peers))
	for p := range l.peers {
		out = append(out, p)
	}
	return out
}

// Run accepts incoming TCP connections and drives the periodic frame tick,
// waking on the soonest of stop, a new connection or the next tick deadline
// (spec §4.2, "Listener loop").
func (l *Listener) Run() {
	defer close(l.done)

	accepted := make(chan rdpwire.Conn)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			c, err := l.wire.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			accepted <- c
		}
	}()

	ticker := time.NewTicker(l.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			l.closeAllPeers()
			_ = l.wire.Close()
			return
		case err := <-acceptErr:
			rdpmuxlog.Warnf("listener %s: accept loop exiting: %v", l.uuid, err)
			l.closeAllPeers()
			return
		case conn := <-accepted:
			l.spawnPeer(conn)
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Listener) spawnPeer(conn rdpwire.Conn) {
	l.mu.Lock()
	view := l.view
	w, h, format := l.width, l.height, l.format
	auth := l.authenticate
	l.mu.Unlock()

	if view == nil {
		rdpmuxlog.Warnf("listener %s: rejecting connection before first DISPLAY_SWITCH", l.uuid)
		_ = conn.Close()
		return
	}

	p := peer.New(conn, auth, view, l.outbound)
	p.Resize(w, h, format)

	l.mu.Lock()
	l.peers[p] = struct{}{}
	l.mu.Unlock()

	go func() {
		if err := p.Run(); err != nil {
			rdpmuxlog.Debugf("listener %s: peer session ended: %v", l.uuid, err)
		}
		l.mu.Lock()
		delete(l.peers, p)
		l.mu.Unlock()
	}()
}

// tick runs spec §4.2's 5-step frame-tick algorithm.
func (l *Listener) tick() {
	extents := l.dirty.Extents()
	if extents.Empty() {
		return
	}

	// Extents() already clips to the surface rectangle and 16-aligns
	// outward (region.Set tracks its own bounds), so the only remaining
	// step here is clearing the set for the next tick.
	l.dirty.Clear()

	l.mu.Lock()
	peers := l.snapshotPeersLocked()
	l.mu.Unlock()

	for _, p := range peers {
		if err := p.EmitSurfaceUpdate(extents); err != nil {
			rdpmuxlog.Debugf("listener %s: surface update failed: %v", l.uuid, err)
		}
	}
}

func (l *Listener) closeAllPeers() {
	l.mu.Lock()
	peers := l.snapshotPeersLocked()
	l.mu.Unlock()
	for _, p := range peers {
		p.Terminate()
	}
}

// Stop signals the run loop to exit; idempotent.
func (l *Listener) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// Done is closed once Run has fully exited, for callers that need to wait
// out teardown (spec §4.1's unregister_vm, called only after the listener
// has stopped).
func (l *Listener) Done() <-chan struct{} { return l.done }

// Close releases the shared-memory mapping. Safe to call after Stop/Run has
// returned.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.view != nil {
		return l.view.Close()
	}
	return nil
}
