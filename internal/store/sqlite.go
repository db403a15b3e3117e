package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1. To add a
// migration, append a new string — never edit or reorder existing
// entries.
var migrations = []string{
	// v1 — per-user session records
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id          TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		device_fingerprint  TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		last_activity_at    INTEGER NOT NULL,
		expires_at          INTEGER NOT NULL,
		compromised         INTEGER NOT NULL DEFAULT 0
	)`,
	// v2 — per-user device trust list
	`CREATE TABLE IF NOT EXISTS device_trust (
		user_id             TEXT NOT NULL,
		device_fingerprint  TEXT NOT NULL,
		first_seen_at       INTEGER NOT NULL,
		last_seen_at        INTEGER NOT NULL,
		PRIMARY KEY (user_id, device_fingerprint)
	)`,
	// v3 — cross-instance peer membership
	`CREATE TABLE IF NOT EXISTS peer_membership (
		room_id      TEXT NOT NULL,
		peer_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		call_id      TEXT NOT NULL DEFAULT '',
		is_initiator INTEGER NOT NULL DEFAULT 0,
		joined_at    INTEGER NOT NULL,
		PRIMARY KEY (room_id, peer_id)
	)`,
	// v4 — per-call transient state
	`CREATE TABLE IF NOT EXISTS call_snapshots (
		call_id        TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		message_count  INTEGER NOT NULL DEFAULT 0,
		quality_tier   TEXT NOT NULL DEFAULT '',
		started_at     INTEGER NOT NULL,
		last_chunk_at  INTEGER NOT NULL,
		stage_failures INTEGER NOT NULL DEFAULT 0
	)`,
	// v5 — lookup index for session expiry sweeps
	`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
	// v6 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// SQLiteStore is the one production Store implementation, backed by an
// embedded modernc.org/sqlite database.
type SQLiteStore struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string, log *slog.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Warn("store: enabling WAL mode", "error", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("store: setting busy_timeout", "error", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		s.log.Info("store: applied migration", "version", v)
	}
	return nil
}

func (s *SQLiteStore) PutSession(r SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions(session_id, user_id, device_fingerprint, created_at, last_activity_at, expires_at, compromised)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   last_activity_at = excluded.last_activity_at,
		   expires_at        = excluded.expires_at,
		   compromised       = excluded.compromised`,
		r.SessionID, r.UserID, r.DeviceFingerprint,
		r.CreatedAt.Unix(), r.LastActivityAt.Unix(), r.ExpiresAt.Unix(), boolToInt(r.Compromised),
	)
	return err
}

func (s *SQLiteStore) GetSession(sessionID string) (SessionRecord, bool, error) {
	var r SessionRecord
	var created, lastActivity, expires int64
	var compromised int
	err := s.db.QueryRow(
		`SELECT session_id, user_id, device_fingerprint, created_at, last_activity_at, expires_at, compromised
		 FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&r.SessionID, &r.UserID, &r.DeviceFingerprint, &created, &lastActivity, &expires, &compromised)
	if err == sql.ErrNoRows {
		return SessionRecord{}, false, nil
	}
	if err != nil {
		return SessionRecord{}, false, err
	}
	r.CreatedAt = time.Unix(created, 0)
	r.LastActivityAt = time.Unix(lastActivity, 0)
	r.ExpiresAt = time.Unix(expires, 0)
	r.Compromised = compromised != 0
	return r, true, nil
}

func (s *SQLiteStore) DeleteSession(sessionID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

func (s *SQLiteStore) SessionsForUser(userID string) ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT session_id, user_id, device_fingerprint, created_at, last_activity_at, expires_at, compromised
		 FROM sessions WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var created, lastActivity, expires int64
		var compromised int
		if err := rows.Scan(&r.SessionID, &r.UserID, &r.DeviceFingerprint, &created, &lastActivity, &expires, &compromised); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		r.LastActivityAt = time.Unix(lastActivity, 0)
		r.ExpiresAt = time.Unix(expires, 0)
		r.Compromised = compromised != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TrustDevice(d DeviceTrust) error {
	_, err := s.db.Exec(
		`INSERT INTO device_trust(user_id, device_fingerprint, first_seen_at, last_seen_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(user_id, device_fingerprint) DO UPDATE SET last_seen_at = excluded.last_seen_at`,
		d.UserID, d.DeviceFingerprint, d.FirstSeenAt.Unix(), d.LastSeenAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) IsDeviceTrusted(userID, deviceFingerprint string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM device_trust WHERE user_id = ? AND device_fingerprint = ?`,
		userID, deviceFingerprint,
	).Scan(&count)
	return count > 0, err
}

func (s *SQLiteStore) PutPeerMembership(p PeerMembership) error {
	_, err := s.db.Exec(
		`INSERT INTO peer_membership(room_id, peer_id, user_id, call_id, is_initiator, joined_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, peer_id) DO UPDATE SET
		   call_id      = excluded.call_id,
		   is_initiator = excluded.is_initiator`,
		p.RoomID, p.PeerID, p.UserID, p.CallID, boolToInt(p.IsInitiator), p.JoinedAt.Unix(),
	)
	return err
}

func (s *SQLiteStore) DeletePeerMembership(roomID, peerID string) error {
	_, err := s.db.Exec(`DELETE FROM peer_membership WHERE room_id = ? AND peer_id = ?`, roomID, peerID)
	return err
}

func (s *SQLiteStore) PeerMemberships(roomID string) ([]PeerMembership, error) {
	rows, err := s.db.Query(
		`SELECT room_id, peer_id, user_id, call_id, is_initiator, joined_at
		 FROM peer_membership WHERE room_id = ? ORDER BY joined_at ASC`, roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PeerMembership
	for rows.Next() {
		var p PeerMembership
		var initiator int
		var joined int64
		if err := rows.Scan(&p.RoomID, &p.PeerID, &p.UserID, &p.CallID, &initiator, &joined); err != nil {
			return nil, err
		}
		p.IsInitiator = initiator != 0
		p.JoinedAt = time.Unix(joined, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutCallSnapshot(c CallSnapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO call_snapshots(call_id, user_id, message_count, quality_tier, started_at, last_chunk_at, stage_failures)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET
		   message_count  = excluded.message_count,
		   quality_tier   = excluded.quality_tier,
		   last_chunk_at  = excluded.last_chunk_at,
		   stage_failures = excluded.stage_failures`,
		c.CallID, c.UserID, c.MessageCount, c.QualityTier, c.StartedAt.Unix(), c.LastChunkAt.Unix(), c.StageFailures,
	)
	return err
}

func (s *SQLiteStore) GetCallSnapshot(callID string) (CallSnapshot, bool, error) {
	var c CallSnapshot
	var started, lastChunk int64
	err := s.db.QueryRow(
		`SELECT call_id, user_id, message_count, quality_tier, started_at, last_chunk_at, stage_failures
		 FROM call_snapshots WHERE call_id = ?`, callID,
	).Scan(&c.CallID, &c.UserID, &c.MessageCount, &c.QualityTier, &started, &lastChunk, &c.StageFailures)
	if err == sql.ErrNoRows {
		return CallSnapshot{}, false, nil
	}
	if err != nil {
		return CallSnapshot{}, false, err
	}
	c.StartedAt = time.Unix(started, 0)
	c.LastChunkAt = time.Unix(lastChunk, 0)
	return c, true, nil
}

func (s *SQLiteStore) DeleteCallSnapshot(callID string) error {
	_, err := s.db.Exec(`DELETE FROM call_snapshots WHERE call_id = ?`, callID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
