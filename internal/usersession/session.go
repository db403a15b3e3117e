// Package usersession implements design §4.10's user-facing Session
// Lifecycle: an authenticated session record bound to a device
// fingerprint, a per-user session cap with oldest-eviction, an idle/
// absolute-expiry sweeper, and the extension rule that keeps an active
// user's session alive. Grounded on the teacher's
// server/internal/core.ChannelState — one in-memory authoritative map
// guarded by a single RWMutex, snapshot-returning accessors — adapted
// from presence/voice state to authenticated session records, and on
// server/store/store.go's persistence pattern for the sweeper's
// expiry bookkeeping.
package usersession

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ninjacall/voicecore/internal/model"
	"github.com/ninjacall/voicecore/internal/store"
)

// Session is one authenticated, device-bound session record.
type Session struct {
	SessionID         string
	UserID            string
	DeviceFingerprint string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	Compromised       bool
}

// Config bounds the manager's caps and timeouts.
type Config struct {
	MaxPerUser  int
	IdleTimeout time.Duration
	FullTTL     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxPerUser:  5,
		IdleTimeout: 30 * time.Minute,
		FullTTL:     24 * time.Hour,
	}
}

// Manager is the authoritative session tracker: every admission check
// runs against the in-memory map for speed, while a durable record is
// kept in store.Store so a session/device's trust survives a process
// restart (design §6). store may be nil, in which case Manager behaves
// as pure in-memory bookkeeping — useful for tests. Safe for concurrent
// use.
type Manager struct {
	cfg   Config
	store store.Store

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string][]string // userID -> sessionIDs, oldest first
}

func NewManager(cfg Config, st store.Store) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		sessions: make(map[string]*Session),
		byUser:   make(map[string][]string),
	}
}

// Create registers a new session for userID bound to deviceFingerprint.
// If the user is already at MaxPerUser, the oldest session is terminated
// first and its ID is returned as evictedSessionID ("" if none evicted).
// The session record and the device's trust entry are both persisted.
func (m *Manager) Create(userID, deviceFingerprint string, now time.Time) (sess *Session, evictedSessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.store != nil {
		if trusted, err := m.store.IsDeviceTrusted(userID, deviceFingerprint); err != nil {
			slog.Default().Warn("device trust lookup failed", "userId", userID, "error", err)
		} else if !trusted {
			slog.Default().Info("new device seen for user", "userId", userID)
		}
	}

	ids := m.byUser[userID]
	if len(ids) >= m.cfg.MaxPerUser {
		evictedSessionID = ids[0]
		delete(m.sessions, evictedSessionID)
		ids = ids[1:]
		m.deleteStoredLocked(evictedSessionID)
	}

	s := &Session{
		SessionID:         uuid.NewString(),
		UserID:            userID,
		DeviceFingerprint: deviceFingerprint,
		CreatedAt:         now,
		LastActivityAt:    now,
		ExpiresAt:         now.Add(m.cfg.FullTTL),
	}
	m.sessions[s.SessionID] = s
	m.byUser[userID] = append(ids, s.SessionID)

	m.persistLocked(s)
	m.trustDeviceLocked(userID, deviceFingerprint, now)

	return s, evictedSessionID
}

// Validate checks sessionID against deviceFingerprint and the idle/
// absolute expiry window, extending the session's expiry if its
// remaining TTL has dropped below half FullTTL (design §4.10's
// extension rule). A fingerprint mismatch marks the session compromised
// and invalidates it; an idle or absolute timeout removes it outright.
// A sessionID missing from the in-memory map (e.g. after a process
// restart) is rehydrated from the durable store before failing outright.
func (m *Manager) Validate(sessionID, deviceFingerprint string, now time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		s, ok = m.restoreLocked(sessionID)
		if !ok {
			return nil, model.ErrValidationf(sessionNotFoundError{sessionID})
		}
	}

	if s.DeviceFingerprint != deviceFingerprint {
		s.Compromised = true
		m.removeLocked(s)
		m.deleteStoredLocked(sessionID)
		return nil, model.ErrValidationf(deviceMismatchError{sessionID})
	}

	if now.Sub(s.LastActivityAt) > m.cfg.IdleTimeout {
		m.removeLocked(s)
		m.deleteStoredLocked(sessionID)
		return nil, model.ErrTimeoutf(idleTimeoutError{sessionID})
	}
	if now.After(s.ExpiresAt) {
		m.removeLocked(s)
		m.deleteStoredLocked(sessionID)
		return nil, model.ErrTimeoutf(expiredSessionError{sessionID})
	}

	s.LastActivityAt = now
	if s.ExpiresAt.Sub(now) < m.cfg.FullTTL/2 {
		s.ExpiresAt = now.Add(m.cfg.FullTTL)
	}
	m.persistLocked(s)
	m.trustDeviceLocked(s.UserID, deviceFingerprint, now)

	snapshot := *s
	return &snapshot, nil
}

// Terminate removes a session outright, regardless of its state.
func (m *Manager) Terminate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	m.removeLocked(s)
	m.deleteStoredLocked(sessionID)
}

// restoreLocked rehydrates sessionID from the durable store into the
// in-memory map. Caller holds m.mu. Returns false if there is no store,
// or no durable record exists for sessionID.
func (m *Manager) restoreLocked(sessionID string) (*Session, bool) {
	if m.store == nil {
		return nil, false
	}
	rec, found, err := m.store.GetSession(sessionID)
	if err != nil {
		slog.Default().Warn("session restore lookup failed", "sessionId", sessionID, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	s := &Session{
		SessionID:         rec.SessionID,
		UserID:            rec.UserID,
		DeviceFingerprint: rec.DeviceFingerprint,
		CreatedAt:         rec.CreatedAt,
		LastActivityAt:    rec.LastActivityAt,
		ExpiresAt:         rec.ExpiresAt,
		Compromised:       rec.Compromised,
	}
	m.sessions[s.SessionID] = s
	m.byUser[s.UserID] = append(m.byUser[s.UserID], s.SessionID)
	return s, true
}

// persistLocked upserts s's durable record. Caller holds m.mu.
func (m *Manager) persistLocked(s *Session) {
	if m.store == nil {
		return
	}
	rec := store.SessionRecord{
		SessionID:         s.SessionID,
		UserID:            s.UserID,
		DeviceFingerprint: s.DeviceFingerprint,
		CreatedAt:         s.CreatedAt,
		LastActivityAt:    s.LastActivityAt,
		ExpiresAt:         s.ExpiresAt,
		Compromised:       s.Compromised,
	}
	if err := m.store.PutSession(rec); err != nil {
		slog.Default().Warn("session persist failed", "sessionId", s.SessionID, "error", err)
	}
}

// deleteStoredLocked removes sessionID's durable record. Caller holds m.mu.
func (m *Manager) deleteStoredLocked(sessionID string) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteSession(sessionID); err != nil {
		slog.Default().Warn("session delete failed", "sessionId", sessionID, "error", err)
	}
}

// trustDeviceLocked records userID/deviceFingerprint as seen now. Since
// TrustDevice's upsert only refreshes LastSeenAt on conflict, calling this
// on every Create/Validate is safe: a device's real FirstSeenAt is never
// overwritten once recorded. Caller holds m.mu.
func (m *Manager) trustDeviceLocked(userID, deviceFingerprint string, now time.Time) {
	if m.store == nil {
		return
	}
	err := m.store.TrustDevice(store.DeviceTrust{
		UserID:            userID,
		DeviceFingerprint: deviceFingerprint,
		FirstSeenAt:       now,
		LastSeenAt:        now,
	})
	if err != nil {
		slog.Default().Warn("device trust persist failed", "userId", userID, "error", err)
	}
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.SessionID)
	ids := m.byUser[s.UserID]
	for i, id := range ids {
		if id == s.SessionID {
			m.byUser[s.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byUser[s.UserID]) == 0 {
		delete(m.byUser, s.UserID)
	}
}

// Sweep removes every session past its idle timeout or absolute expiry,
// returning the number removed. Intended to be called from a periodic
// loop owned by the composition root.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for _, s := range m.sessions {
		if now.Sub(s.LastActivityAt) > m.cfg.IdleTimeout || now.After(s.ExpiresAt) {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		m.removeLocked(s)
		m.deleteStoredLocked(s.SessionID)
	}
	return len(expired)
}

// SessionsForUser returns userID's durable session records directly from
// the store, for diagnostics that need to see sessions beyond this
// process's in-memory map (e.g. sessions live on another instance).
// Returns nil if no store is wired.
func (m *Manager) SessionsForUser(userID string) ([]store.SessionRecord, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.SessionsForUser(userID)
}

// CountForUser returns how many active sessions userID currently holds.
func (m *Manager) CountForUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// Sessions returns a stable, ID-ordered snapshot of every active session,
// for diagnostics.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

type sessionNotFoundError struct{ sessionID string }

func (e sessionNotFoundError) Error() string { return fmt.Sprintf("session %s not found", e.sessionID) }

type deviceMismatchError struct{ sessionID string }

func (e deviceMismatchError) Error() string {
	return fmt.Sprintf("session %s device fingerprint mismatch", e.sessionID)
}

type idleTimeoutError struct{ sessionID string }

func (e idleTimeoutError) Error() string { return fmt.Sprintf("session %s idle timeout", e.sessionID) }

type expiredSessionError struct{ sessionID string }

func (e expiredSessionError) Error() string { return fmt.Sprintf("session %s expired", e.sessionID) }
