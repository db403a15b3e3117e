package signaling

import (
	"sync"
	"testing"
	"time"
)

type mockHandle struct {
	mu       sync.Mutex
	received []SignalingMessage
}

func (m *mockHandle) Deliver(msg SignalingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msg)
	return nil
}

func (m *mockHandle) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received)
}

func TestJoinFirstPeerIsInitiator(t *testing.T) {
	h := New(DefaultConfig())
	now := time.Now()

	snap, err := h.Join("p1", "u1", "c1", "room1", &mockHandle{}, now)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if len(snap) != 1 || !snap[0].IsInitiator {
		t.Fatalf("expected sole peer to be initiator, got %+v", snap)
	}

	snap2, err := h.Join("p2", "u2", "c1", "room1", &mockHandle{}, now)
	if err != nil {
		t.Fatalf("Join p2: %v", err)
	}
	if len(snap2) != 2 {
		t.Fatalf("expected 2 peers in snapshot, got %d", len(snap2))
	}
}

func TestJoinNotifiesExistingPeers(t *testing.T) {
	h := New(DefaultConfig())
	now := time.Now()

	h1 := &mockHandle{}
	if _, err := h.Join("p1", "u1", "c1", "room1", h1, now); err != nil {
		t.Fatalf("join p1: %v", err)
	}
	if _, err := h.Join("p2", "u2", "c1", "room1", &mockHandle{}, now); err != nil {
		t.Fatalf("join p2: %v", err)
	}

	if h1.count() != 1 {
		t.Fatalf("expected p1 to receive one peer-joined notification, got %d", h1.count())
	}
	if h1.received[0].Type != "peer-joined" {
		t.Fatalf("expected peer-joined, got %s", h1.received[0].Type)
	}
}

func TestRoomFullRejectsJoin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPeersPerRoom = 1
	h := New(cfg)
	now := time.Now()

	if _, err := h.Join("p1", "u1", "c1", "room1", &mockHandle{}, now); err != nil {
		t.Fatalf("join p1: %v", err)
	}
	if _, err := h.Join("p2", "u2", "c1", "room1", &mockHandle{}, now); err == nil {
		t.Fatalf("expected room-full error")
	}
}

func TestLeaveTransfersInitiator(t *testing.T) {
	h := New(DefaultConfig())
	now := time.Now()

	h2 := &mockHandle{}
	if _, err := h.Join("p1", "u1", "c1", "room1", &mockHandle{}, now); err != nil {
		t.Fatalf("join p1: %v", err)
	}
	if _, err := h.Join("p2", "u2", "c1", "room1", h2, now); err != nil {
		t.Fatalf("join p2: %v", err)
	}

	h.Leave("p1", now)

	var sawInitiatorChange bool
	for _, msg := range h2.received {
		if msg.Type == "initiator-changed" && msg.PeerID == "p2" {
			sawInitiatorChange = true
		}
	}
	if !sawInitiatorChange {
		t.Fatalf("expected p2 to be notified of becoming initiator, got %+v", h2.received)
	}
}

func TestForwardDeliversOnlyToTarget(t *testing.T) {
	h := New(DefaultConfig())
	now := time.Now()

	h1, h2, h3 := &mockHandle{}, &mockHandle{}, &mockHandle{}
	if _, err := h.Join("p1", "u1", "c1", "room1", h1, now); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Join("p2", "u2", "c1", "room1", h2, now); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Join("p3", "u3", "c1", "room1", h3, now); err != nil {
		t.Fatal(err)
	}

	if err := h.Forward("p1", "p2", KindOffer, OfferPayload{}, now); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if h2.count() != 1 {
		t.Fatalf("expected target to receive exactly 1 message, got %d", h2.count())
	}
	if h3.count() != 0 {
		t.Fatalf("expected non-target to receive nothing, got %d", h3.count())
	}
}

func TestForwardRejectsCrossRoom(t *testing.T) {
	h := New(DefaultConfig())
	now := time.Now()

	if _, err := h.Join("p1", "u1", "c1", "room1", &mockHandle{}, now); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Join("p2", "u2", "c2", "room2", &mockHandle{}, now); err != nil {
		t.Fatal(err)
	}

	if err := h.Forward("p1", "p2", KindOffer, OfferPayload{}, now); err == nil {
		t.Fatalf("expected error forwarding across rooms")
	}
}

func TestCheckLivenessPingsThenTerminates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PeerTimeout = time.Millisecond
	cfg.PeerGrace = time.Millisecond
	h := New(cfg)
	now := time.Now()

	if _, err := h.Join("p1", "u1", "c1", "room1", &mockHandle{}, now); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	pinged, terminated := h.CheckLiveness(time.Now(), nil)
	if len(pinged) != 1 {
		t.Fatalf("expected 1 ping, got %d", len(pinged))
	}
	if len(terminated) != 0 {
		t.Fatalf("expected no termination on first check, got %d", len(terminated))
	}

	time.Sleep(5 * time.Millisecond)
	_, terminated = h.CheckLiveness(time.Now(), nil)
	if len(terminated) != 1 {
		t.Fatalf("expected peer to be terminated after grace period, got %d", len(terminated))
	}
}
