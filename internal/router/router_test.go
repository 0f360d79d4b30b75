package router

import (
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/datto/rdpmux/internal/busmsg"
	"github.com/datto/rdpmux/internal/listener"
)

func newTestRouter() *Router {
	return &Router{
		basePort:   40000,
		ports:      make(map[uint16]bool),
		listeners:  make(map[string]*listener.Listener),
		identities: make(map[string]string),
		stop:       make(chan struct{}),
	}
}

func TestAllocateListenerSkipsTakenPorts(t *testing.T) {
	r := newTestRouter()
	r.ports[40000] = true
	r.ports[40001] = true

	port, l, err := r.allocateListener("vm-1", 1, 0)
	if err != nil {
		t.Fatalf("allocateListener: %v", err)
	}
	defer l.Close()
	if port == 40000 || port == 40001 {
		t.Fatalf("expected a port other than the two taken ones, got %d", port)
	}
	if port < 40000 {
		t.Fatalf("expected port >= basePort 40000, got %d", port)
	}
}

func TestAllocateListenerHonorsPortHint(t *testing.T) {
	r := newTestRouter()
	port, l, err := r.allocateListener("vm-1", 1, 45000)
	if err != nil {
		t.Fatalf("allocateListener: %v", err)
	}
	defer l.Close()
	if port < 45000 {
		t.Fatalf("expected allocateListener to start searching at the hinted port, got %d", port)
	}
}

func TestRegisterVMRejectsDuplicateUUID(t *testing.T) {
	r := newTestRouter()
	if !r.RegisterVM("vm-1", 1, "", 0) {
		t.Fatal("expected first register_vm to succeed")
	}
	defer r.listeners["vm-1"].Stop()

	if r.RegisterVM("vm-1", 1, "", 0) {
		t.Fatal("expected a duplicate register_vm for the same uuid to fail")
	}
}

func TestUnregisterVMIsIdempotent(t *testing.T) {
	r := newTestRouter()
	r.UnregisterVM("never-registered", 12345)
	r.UnregisterVM("never-registered", 12345)
}

func TestUnregisterVMWaitsForListenerTeardownAndFreesPort(t *testing.T) {
	r := newTestRouter()
	if !r.RegisterVM("vm-1", 1, "", 0) {
		t.Fatal("expected register_vm to succeed")
	}
	r.mu.Lock()
	port := r.listeners["vm-1"].Port()
	r.mu.Unlock()

	r.UnregisterVM("vm-1", port)

	r.mu.Lock()
	_, listenerStillPresent := r.listeners["vm-1"]
	_, portStillHeld := r.ports[port]
	r.mu.Unlock()
	if listenerStillPresent {
		t.Fatal("expected UnregisterVM to remove the listener entry")
	}
	if portStillHeld {
		t.Fatal("expected UnregisterVM to free the port")
	}

	if !r.RegisterVM("vm-3", 3, "", port) {
		t.Fatal("expected the freed port to be reusable by a new registration")
	}
	r.mu.Lock()
	reusedPort := r.listeners["vm-3"].Port()
	r.mu.Unlock()
	if reusedPort != port {
		t.Fatalf("expected port %d to be reused, got %d", port, reusedPort)
	}
}

func TestHandleFramesShutdownVectorSelfUnregisters(t *testing.T) {
	r := newTestRouter()
	if !r.RegisterVM("vm-1", 1, "", 0) {
		t.Fatal("expected register_vm to succeed")
	}

	vec := []uint32{uint32(busmsg.Shutdown)}
	payload, err := msgpack.Marshal(vec)
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}
	r.handleFrames([][]byte{[]byte("identity-1"), []byte("vm-1"), payload})

	r.mu.Lock()
	_, ok := r.listeners["vm-1"]
	r.mu.Unlock()
	if ok {
		t.Fatal("expected a SHUTDOWN vector to unregister the VM")
	}
}

func TestShutdownTearsDownEveryRegisteredVM(t *testing.T) {
	r := newTestRouter()
	if !r.RegisterVM("vm-1", 1, "", 0) {
		t.Fatal("expected register_vm(vm-1) to succeed")
	}
	if !r.RegisterVM("vm-2", 2, "", 0) {
		t.Fatal("expected register_vm(vm-2) to succeed")
	}

	r.Shutdown()

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.listeners) != 0 {
		t.Fatalf("expected Shutdown to remove every listener, got %d remaining", len(r.listeners))
	}
	if len(r.ports) != 0 {
		t.Fatalf("expected Shutdown to free every port, got %d still held", len(r.ports))
	}
}

func TestQueueOutboundDropsWithoutKnownIdentity(t *testing.T) {
	r := newTestRouter()
	r.QueueOutbound([]uint32{1, 2, 3}, "vm-1")
	r.drainOutbound() // must not touch r.socket since no identity is known for vm-1
	if len(r.queue) != 0 {
		t.Fatal("expected drainOutbound to empty the queue regardless of delivery outcome")
	}
}

func TestHandleFramesRejectsWrongFrameCount(t *testing.T) {
	r := newTestRouter()
	r.handleFrames([][]byte{[]byte("identity"), []byte("payload-only")})
	if len(r.identities) != 0 {
		t.Fatal("a malformed 2-frame message must never populate the identity map")
	}
}

func TestHandleFramesUnknownUUIDNeverPlantsIdentity(t *testing.T) {
	r := newTestRouter()
	r.handleFrames([][]byte{[]byte("identity-1"), []byte("unknown-uuid"), []byte{}})
	if _, ok := r.identities["unknown-uuid"]; ok {
		t.Fatal("identity map must only be written for a uuid with a confirmed listener")
	}
}

func TestHandleFramesUpdatesIdentityForKnownListener(t *testing.T) {
	r := newTestRouter()
	l, err := listener.New(1, "vm-1", 0, func(vec []uint32) {}, nil)
	if err != nil {
		t.Fatalf("listener.New: %v", err)
	}
	defer l.Close()
	r.listeners["vm-1"] = l

	vec := []uint32{99}
	payload, err := msgpack.Marshal(vec)
	if err != nil {
		t.Fatalf("msgpack.Marshal: %v", err)
	}

	r.handleFrames([][]byte{[]byte("identity-42"), []byte("vm-1"), payload})
	if got := r.identities["vm-1"]; got != "identity-42" {
		t.Fatalf("expected identity map to record identity-42, got %q", got)
	}
}
