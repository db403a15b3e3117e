// Package store implements design §6's durable, pluggable persisted
// state: per-user session records, per-user device trust lists,
// cross-instance peer membership, and per-call transient state
// snapshots. The storage layer itself is abstracted behind the Store
// interface so callers don't depend on SQLite directly; SQLiteStore is
// the one production implementation, grounded on the teacher's
// server/store/store.go migration-slice pattern.
package store

import "time"

// SessionRecord persists one usersession.Session, §3's session schema.
type SessionRecord struct {
	SessionID         string
	UserID            string
	DeviceFingerprint string
	CreatedAt         time.Time
	LastActivityAt    time.Time
	ExpiresAt         time.Time
	Compromised       bool
}

// DeviceTrust is one device a user has previously authenticated from.
type DeviceTrust struct {
	UserID            string
	DeviceFingerprint string
	FirstSeenAt       time.Time
	LastSeenAt        time.Time
}

// PeerMembership records a peer's membership in a signaling room, so a
// peer's presence survives a process restart in a multi-instance
// deployment (cross-instance peer membership, §6).
type PeerMembership struct {
	RoomID      string
	PeerID      string
	UserID      string
	CallID      string
	IsInitiator bool
	JoinedAt    time.Time
}

// CallSnapshot is a per-call transient-state checkpoint: enough to
// resume a call's pipeline bookkeeping (escalation ladder position,
// quality tier) after a worker restart, without replaying every chunk.
type CallSnapshot struct {
	CallID        string
	UserID        string
	MessageCount  int
	QualityTier   string
	StartedAt     time.Time
	LastChunkAt   time.Time
	StageFailures int64
}

// Store is the persistence boundary every subsystem here depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	PutSession(SessionRecord) error
	GetSession(sessionID string) (SessionRecord, bool, error)
	DeleteSession(sessionID string) error
	SessionsForUser(userID string) ([]SessionRecord, error)

	TrustDevice(DeviceTrust) error
	IsDeviceTrusted(userID, deviceFingerprint string) (bool, error)

	PutPeerMembership(PeerMembership) error
	DeletePeerMembership(roomID, peerID string) error
	PeerMemberships(roomID string) ([]PeerMembership, error)

	PutCallSnapshot(CallSnapshot) error
	GetCallSnapshot(callID string) (CallSnapshot, bool, error)
	DeleteCallSnapshot(callID string) error

	Close() error
}
