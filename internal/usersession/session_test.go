package usersession

import (
	"testing"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
	"github.com/ninjacall/voicecore/internal/store"
)

func TestCreateEvictsOldestOverCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerUser = 2
	m := NewManager(cfg, nil)
	now := time.Now()

	first, _ := m.Create("user-1", "device-a", now)
	m.Create("user-1", "device-b", now.Add(time.Second))
	_, evicted := m.Create("user-1", "device-c", now.Add(2*time.Second))

	if evicted != first.SessionID {
		t.Errorf("expected oldest session %s evicted, got %s", first.SessionID, evicted)
	}
	if got := m.CountForUser("user-1"); got != 2 {
		t.Errorf("expected 2 sessions after eviction, got %d", got)
	}
}

func TestValidateRejectsDeviceMismatch(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	now := time.Now()
	s, _ := m.Create("user-1", "device-a", now)

	_, err := m.Validate(s.SessionID, "device-b", now)
	if err == nil {
		t.Fatal("expected an error on device fingerprint mismatch")
	}
	if kind, ok := model.KindOf(err); !ok || kind != model.ErrValidation {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	if _, err := m.Validate(s.SessionID, "device-a", now); err == nil {
		t.Error("expected session invalidated after a mismatch")
	}
}

func TestValidateRejectsIdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	m := NewManager(cfg, nil)
	now := time.Now()
	s, _ := m.Create("user-1", "device-a", now)

	_, err := m.Validate(s.SessionID, "device-a", now.Add(2*time.Minute))
	if err == nil {
		t.Fatal("expected an idle timeout error")
	}
}

func TestValidateExtendsExpiryPastHalfTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FullTTL = time.Hour
	cfg.IdleTimeout = time.Hour
	m := NewManager(cfg, nil)
	now := time.Now()
	s, _ := m.Create("user-1", "device-a", now)

	later := now.Add(40 * time.Minute) // remaining TTL (20m) < half (30m)
	got, err := m.Validate(s.SessionID, "device-a", later)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.ExpiresAt.After(s.ExpiresAt) {
		t.Error("expected expiry extended past the original deadline")
	}
}

func TestValidateDoesNotExtendBeforeHalfTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FullTTL = time.Hour
	cfg.IdleTimeout = time.Hour
	m := NewManager(cfg, nil)
	now := time.Now()
	s, _ := m.Create("user-1", "device-a", now)

	soon := now.Add(5 * time.Minute) // remaining TTL (55m) > half (30m)
	got, err := m.Validate(s.SessionID, "device-a", soon)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Error("expected expiry unchanged before the half-TTL threshold")
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = time.Minute
	m := NewManager(cfg, nil)
	now := time.Now()
	m.Create("user-1", "device-a", now)

	removed := m.Sweep(now.Add(2 * time.Minute))
	if removed != 1 {
		t.Errorf("expected 1 session swept, got %d", removed)
	}
	if got := m.CountForUser("user-1"); got != 0 {
		t.Errorf("expected 0 sessions remaining, got %d", got)
	}
}

func newMemStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreatePersistsSessionAndTrustsDevice(t *testing.T) {
	st := newMemStore(t)
	m := NewManager(DefaultConfig(), st)
	now := time.Now()

	s, _ := m.Create("user-1", "device-a", now)

	rec, found, err := st.GetSession(s.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !found {
		t.Fatal("expected session persisted on Create")
	}
	if rec.UserID != "user-1" || rec.DeviceFingerprint != "device-a" {
		t.Errorf("unexpected persisted record: %+v", rec)
	}

	trusted, err := st.IsDeviceTrusted("user-1", "device-a")
	if err != nil {
		t.Fatalf("IsDeviceTrusted: %v", err)
	}
	if !trusted {
		t.Error("expected device trusted after Create")
	}
}

func TestValidateRestoresSessionFromStoreAfterRestart(t *testing.T) {
	st := newMemStore(t)
	now := time.Now()

	// Simulate a session that was created by a prior process instance:
	// present in the store, absent from a fresh Manager's memory.
	created := NewManager(DefaultConfig(), st)
	s, _ := created.Create("user-1", "device-a", now)

	restarted := NewManager(DefaultConfig(), st)
	got, err := restarted.Validate(s.SessionID, "device-a", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SessionID != s.SessionID {
		t.Errorf("expected restored session %s, got %s", s.SessionID, got.SessionID)
	}
	if restarted.CountForUser("user-1") != 1 {
		t.Error("expected restored session tracked in memory after recovery")
	}
}

func TestTerminateDeletesPersistedSession(t *testing.T) {
	st := newMemStore(t)
	m := NewManager(DefaultConfig(), st)
	now := time.Now()
	s, _ := m.Create("user-1", "device-a", now)

	m.Terminate(s.SessionID)

	_, found, err := st.GetSession(s.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if found {
		t.Error("expected persisted session removed after Terminate")
	}
}
