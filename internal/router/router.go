// Package router implements the VM Router (spec §4.1, component C6): the
// single ROUTER-role message socket multiplexing every guest VM's message
// bus, keyed by UUID. It is grounded on the original source's
// RDPServerWorker::run main loop (czmq zsock_new(ZMQ_ROUTER), zpoller_wait,
// msgpack::unpack), translated onto github.com/pebbe/zmq4 and
// github.com/vmihailenco/msgpack/v5, the same entropy/codec-library
// substitution internal/codec makes for RemoteFX/NSC.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/datto/rdpmux/internal/listener"
	"github.com/datto/rdpmux/internal/rdpmuxerr"
	"github.com/datto/rdpmux/internal/rdpmuxlog"
)

// pollTimeout bounds how long the main loop blocks on the socket before
// re-checking the stop flag and draining the outbound queue (spec §4.1:
// "poll socket with a short timeout (<=10 ms)").
const pollTimeout = 10 * time.Millisecond

// outboundItem is one entry in the unbounded outbound FIFO (spec §4.1's
// queue_outbound).
type outboundItem struct {
	vec  []uint32
	uuid string
}

// Router owns the guest message bus socket and the UUID-keyed listener and
// identity maps.
type Router struct {
	socket   *zmq4.Socket
	basePort uint16

	mu         sync.Mutex
	ports      map[uint16]bool
	listeners  map[string]*listener.Listener
	identities map[string]string // uuid -> last-seen zmq identity

	qmu   sync.Mutex
	queue []outboundItem

	stop chan struct{}
}

// New binds a ROUTER socket at ipc://socketPath. basePort is where
// register_vm starts probing for a free listener port.
func New(socketPath string, basePort uint16) (*Router, error) {
	sock, err := zmq4.NewSocket(zmq4.ROUTER)
	if err != nil {
		return nil, fmt.Errorf("%w: create router socket: %v", rdpmuxerr.ErrFatal, err)
	}
	if err := sock.Bind("ipc://" + socketPath); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: bind router socket %s: %v", rdpmuxerr.ErrFatal, socketPath, err)
	}
	return &Router{
		socket:     sock,
		basePort:   basePort,
		ports:      make(map[uint16]bool),
		listeners:  make(map[string]*listener.Listener),
		identities: make(map[string]string),
		stop:       make(chan struct{}),
	}, nil
}

// RegisterVM implements spec §4.1's register_vm: pick a free port starting
// at the configured base, construct a Listener, run it on a dedicated
// goroutine, and insert it into the UUID map.
func (r *Router) RegisterVM(uuid string, numericID int, credentialPath string, portHint uint16) bool {
	r.mu.Lock()
	if _, exists := r.listeners[uuid]; exists {
		r.mu.Unlock()
		rdpmuxlog.Warnf("router: register_vm(%s) called but VM already registered", uuid)
		return false
	}
	r.mu.Unlock()

	port, l, err := r.allocateListener(uuid, numericID, portHint)
	if err != nil {
		rdpmuxlog.Errorf("router: register_vm(%s) failed: %v", uuid, err)
		return false
	}
	if credentialPath != "" {
		l.SetCredentialPath(credentialPath)
	}

	r.mu.Lock()
	r.ports[port] = true
	r.listeners[uuid] = l
	r.mu.Unlock()

	go l.Run()
	return true
}

// allocateListener picks the smallest free port p >= the search start such
// that p is not already held by this Router AND binding actually succeeds,
// fixing the original source's off-by-one (it tested membership of i+1 but
// allocated i, so the bound port and the recorded port could disagree).
func (r *Router) allocateListener(uuid string, numericID int, portHint uint16) (uint16, *listener.Listener, error) {
	start := r.basePort
	if portHint != 0 {
		start = portHint
	}
	for p := uint32(start); p < 65536; p++ {
		port := uint16(p)
		r.mu.Lock()
		taken := r.ports[port]
		r.mu.Unlock()
		if taken {
			continue
		}
		l, err := listener.New(numericID, uuid, port,
			func(vec []uint32) { r.QueueOutbound(vec, uuid) },
			func() { r.UnregisterVM(uuid, port) },
		)
		if err != nil {
			continue
		}
		return port, l, nil
	}
	return 0, nil, fmt.Errorf("%w: no free port below 65536", rdpmuxerr.ErrResource)
}

// Listener returns the listener registered for uuid, for the management
// surface to export a per-VM D-Bus object once registration succeeds
// (spec §4.7).
func (r *Router) Listener(uuid string) (*listener.Listener, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[uuid]
	return l, ok
}

// UnregisterVM implements spec §4.1's unregister_vm: idempotent. It stops
// the listener's run loop, waits for it to fully exit (releasing the TCP
// port and tearing down every peer), then closes the shared-memory
// mapping — the full teardown cascade spec §3's VM Record lifecycle and
// spec §7's Ctrl-C behavior both require.
func (r *Router) UnregisterVM(uuid string, port uint16) {
	r.mu.Lock()
	l, ok := r.listeners[uuid]
	delete(r.listeners, uuid)
	delete(r.identities, uuid)
	delete(r.ports, port)
	r.mu.Unlock()

	if !ok {
		return
	}

	l.Stop()
	<-l.Done()
	if err := l.Close(); err != nil {
		rdpmuxlog.Warnf("router: failed to close listener %s: %v", uuid, err)
	}
}

// Shutdown releases every registered VM: each listener is stopped, waited
// out and closed the same way UnregisterVM tears down a single VM (spec
// §7: "On Ctrl-C the process releases all listeners and peers, each
// unregistering itself in turn"). Call before or alongside Stop.
func (r *Router) Shutdown() {
	r.mu.Lock()
	ports := make(map[string]uint16, len(r.listeners))
	for uuid, l := range r.listeners {
		ports[uuid] = l.Port()
	}
	r.mu.Unlock()

	for uuid, port := range ports {
		r.UnregisterVM(uuid, port)
	}
}

// Send implements spec §4.1's send: look up the last-seen identity for
// uuid, serialize vec, and write the 3-frame message. Dropping and logging
// is permitted if no identity is known yet.
func (r *Router) Send(vec []uint32, uuid string) {
	r.mu.Lock()
	identity, ok := r.identities[uuid]
	r.mu.Unlock()
	if !ok {
		rdpmuxlog.Warnf("router: dropping outbound message for %s: no identity seen yet", uuid)
		return
	}

	payload, err := msgpack.Marshal(vec)
	if err != nil {
		rdpmuxlog.Errorf("router: failed to serialize outbound vector for %s: %v", uuid, err)
		return
	}

	if _, err := r.socket.SendMessage(identity, uuid, payload); err != nil {
		rdpmuxlog.Errorf("router: failed to send message to %s: %v", uuid, err)
	}
}

// QueueOutbound implements spec §4.1's queue_outbound: push onto an
// unbounded FIFO drained by the main loop.
func (r *Router) QueueOutbound(vec []uint32, uuid string) {
	r.qmu.Lock()
	r.queue = append(r.queue, outboundItem{vec: vec, uuid: uuid})
	r.qmu.Unlock()
}

func (r *Router) drainOutbound() {
	r.qmu.Lock()
	items := r.queue
	r.queue = nil
	r.qmu.Unlock()
	for _, item := range items {
		r.Send(item.vec, item.uuid)
	}
}

// Run is the main loop of spec §4.1: drain outbound, poll with a short
// timeout, decode and dispatch one inbound message per wake.
func (r *Router) Run() {
	poller := zmq4.NewPoller()
	poller.Add(r.socket, zmq4.POLLIN)

	for {
		select {
		case <-r.stop:
			rdpmuxlog.Infof("router: main loop stopping")
			return
		default:
		}

		r.drainOutbound()

		polled, err := poller.Poll(pollTimeout)
		if err != nil {
			rdpmuxlog.Errorf("router: poll failed, escalating: %v", err)
			return
		}
		if len(polled) == 0 {
			continue
		}

		frames, err := r.socket.RecvMessageBytes(0)
		if err != nil {
			rdpmuxlog.Warnf("router: recv failed: %v", err)
			continue
		}
		r.handleFrames(frames)
	}
}

// handleFrames decodes one [identity, uuid, payload] message and routes it
// to the matching Listener (spec §4.1's main loop step (d)). The
// listener_map lookup is confirmed before the identity map is written, so a
// stray UUID can never plant a phantom identity entry.
func (r *Router) handleFrames(frames [][]byte) {
	if len(frames) != 3 {
		rdpmuxlog.Warnf("router: dropping malformed message: expected 3 frames, got %d", len(frames))
		return
	}
	identity, uuidBytes, payload := frames[0], frames[1], frames[2]
	uuid := string(uuidBytes)

	r.mu.Lock()
	l, ok := r.listeners[uuid]
	if ok {
		r.identities[uuid] = string(identity)
	}
	r.mu.Unlock()

	if !ok {
		rdpmuxlog.Errorf("router: listener with uuid %s does not exist", uuid)
		return
	}

	var vec []uint32
	if err := msgpack.Unmarshal(payload, &vec); err != nil {
		rdpmuxlog.Errorf("router: msgpack decode failed for %s: %v", uuid, err)
		return
	}
	l.HandleIncoming(vec)
}

// Stop signals Run to exit on its next iteration.
func (r *Router) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Close releases the router socket. Call after Run has returned.
func (r *Router) Close() error {
	return r.socket.Close()
}
