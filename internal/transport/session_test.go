package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

type fakeReliable struct {
	frames  [][]byte
	closed  bool
	failure error
}

func (f *fakeReliable) SendFrame(payload []byte) error {
	if f.failure != nil {
		return f.failure
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeReliable) Close() error {
	f.closed = true
	return nil
}

type fakeMedia struct {
	sent    [][]byte
	closed  bool
	failure error
}

func (f *fakeMedia) SendDatagram(payload []byte) error {
	if f.failure != nil {
		return f.failure
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeMedia) Close() error {
	f.closed = true
	return nil
}

func TestSessionConnectedThenIdleOnTimeout(t *testing.T) {
	rel := &fakeReliable{}
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Millisecond
	sess := New(model.Session{SessionID: "s1", UserID: "u1", CallID: "c1"}, cfg, rel, nil)

	now := time.Now()
	sess.Connected(now)
	if sess.Snapshot().State != model.SessionConnected {
		t.Fatalf("expected connected, got %s", sess.Snapshot().State)
	}

	time.Sleep(5 * time.Millisecond)
	sess.CheckIdle(time.Now())
	if sess.Snapshot().State != model.SessionIdle {
		t.Fatalf("expected idle after timeout, got %s", sess.Snapshot().State)
	}

	sess.Touch(time.Now())
	if sess.Snapshot().State != model.SessionConnected {
		t.Fatalf("expected connected after touch, got %s", sess.Snapshot().State)
	}
}

func TestSessionUpgradeToHybridAndFallback(t *testing.T) {
	rel := &fakeReliable{}
	cfg := DefaultConfig()
	sess := New(model.Session{SessionID: "s1", UserID: "u1", CallID: "c1"}, cfg, rel, nil)
	sess.Connected(time.Now())

	media := &fakeMedia{}
	sess.UpgradeToMedia(media)
	if sess.Snapshot().TransportKind != model.TransportHybrid {
		t.Fatalf("expected hybrid, got %s", sess.Snapshot().TransportKind)
	}

	if err := sess.SendAudio([]byte("chunk")); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if len(media.sent) != 1 {
		t.Fatalf("expected media send, got %d", len(media.sent))
	}

	media.failure = errors.New("datagram send failed")
	if err := sess.SendAudio([]byte("chunk2")); err != nil {
		t.Fatalf("SendAudio with fallback: %v", err)
	}
	if sess.Snapshot().TransportKind != model.TransportReliable {
		t.Fatalf("expected demotion to reliable after media failure, got %s", sess.Snapshot().TransportKind)
	}
	if len(rel.frames) != 1 {
		t.Fatalf("expected fallback frame on reliable transport, got %d", len(rel.frames))
	}
}

func TestSessionTerminateClosesTransportsOnce(t *testing.T) {
	rel := &fakeReliable{}
	sess := New(model.Session{SessionID: "s1", UserID: "u1", CallID: "c1"}, DefaultConfig(), rel, nil)
	media := &fakeMedia{}
	sess.UpgradeToMedia(media)

	sess.Terminate("done")
	sess.Terminate("done again")

	if !rel.closed || !media.closed {
		t.Fatalf("expected both transports closed")
	}
	if sess.Snapshot().State != model.SessionTerminated {
		t.Fatalf("expected terminated, got %s", sess.Snapshot().State)
	}
}

func TestManagerRejectsDuplicateActiveSession(t *testing.T) {
	m := NewManager(DefaultConfig())
	if _, err := m.Admit("u1", "c1", "s1", &fakeReliable{}, nil); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if _, err := m.Admit("u1", "c1", "s2", &fakeReliable{}, nil); err == nil {
		t.Fatalf("expected duplicate-session rejection")
	}
}

func TestManagerEvictsTerminatedOnSweep(t *testing.T) {
	m := NewManager(DefaultConfig())
	sess, err := m.Admit("u1", "c1", "s1", &fakeReliable{}, nil)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	sess.Terminate("done")

	m.Sweep(time.Now())
	if m.Count() != 0 {
		t.Fatalf("expected sweeper to evict terminated session, got count %d", m.Count())
	}
}
