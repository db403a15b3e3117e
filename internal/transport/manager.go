package transport

import (
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// Manager tracks every live Session keyed by (userId, callId) and enforces
// the at-most-one-active-session invariant design §3 calls out, along with
// the idle/terminate sweeps of design §4.3.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by Session.Key()
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, sessions: make(map[string]*Session)}
}

// Admit registers a new Session for (userID, callID), rejecting with
// validation error if one is already active — Session Transport Manager
// produces exactly one Session per admitted connection.
func (m *Manager) Admit(userID, callID, sessionID string, reliable ReliableSender, onStateChange func(model.Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "|" + callID
	if existing, ok := m.sessions[key]; ok && existing.Snapshot().State != model.SessionTerminated {
		return nil, model.ErrValidationf(duplicateSessionError{userID, callID})
	}

	sess := New(model.Session{
		SessionID: sessionID,
		UserID:    userID,
		CallID:    callID,
		StartedAt: time.Now(),
	}, m.cfg, reliable, onStateChange)

	m.sessions[key] = sess
	return sess, nil
}

// Get looks up the active session for (userID, callID).
func (m *Manager) Get(userID, callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID+"|"+callID]
	return s, ok
}

// Evict removes a terminated session's bookkeeping entry, per design §4.3's
// "evicts itself from the pool on termination."
func (m *Manager) Evict(userID, callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, userID+"|"+callID)
}

// Sweep walks every tracked session, idling out those past IdleTimeout and
// evicting terminated ones. Intended to run on a periodic ticker.
func (m *Manager) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, sess := range m.sessions {
		sess.CheckIdle(now)
		if sess.Snapshot().State == model.SessionTerminated {
			delete(m.sessions, key)
		}
	}
}

// Count returns the number of actively tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

type duplicateSessionError struct{ userID, callID string }

func (e duplicateSessionError) Error() string {
	return "session already active for user " + e.userID + " call " + e.callID
}
