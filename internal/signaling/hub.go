// Package signaling implements design §4.2: rooms of peers collaborating
// on one call, offer/answer/ICE-candidate forwarding between exactly two
// peers, and membership broadcast. It is grounded on the teacher's Room
// (rustyguts-bken/server/room.go) — client map, owner/initiator transfer on
// departure, broadcast-to-all pattern — generalized from a single global
// room to many rooms keyed by roomID.
package signaling

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ninjacall/voicecore/internal/model"
)

// ForwardKind is the signaling payload kind relayed by Forward.
type ForwardKind string

const (
	KindOffer     ForwardKind = "offer"
	KindAnswer    ForwardKind = "answer"
	KindCandidate ForwardKind = "iceCandidate"
)

// SignalingMessage is the wire shape described in design §6.
type SignalingMessage struct {
	Type         string    `json:"type"`
	RoomID       string    `json:"roomId"`
	PeerID       string    `json:"peerId"`
	TargetPeerID string    `json:"targetPeerId,omitempty"`
	Data         any       `json:"data,omitempty"`
	Timestamp    int64     `json:"timestamp"`
}

// OfferPayload/AnswerPayload wrap pion's real SessionDescription type (and
// CandidatePayload its ICECandidateInit) for callers that build typed
// payloads. Forward itself accepts any value and relays it unchanged; the
// hub never opens a PeerConnection — it is a pure relay.
type OfferPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type AnswerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// PeerHandle is how the hub delivers a SignalingMessage to a connected
// peer; callers supply a thin adapter over their transport connection,
// mirroring the teacher's DatagramSender seam in server/room.go.
type PeerHandle interface {
	Deliver(msg SignalingMessage) error
}

// Config bounds hub behavior per design §4.2/§3.
type Config struct {
	MaxPeersPerRoom int
	MaxRoomsPerUser int
	PeerTimeout     time.Duration // silence before a liveness ping is sent
	PeerGrace       time.Duration // additional silence after ping before termination
	RoomIdleMax     time.Duration // max age of an empty room before deletion
}

// DefaultConfig returns reasonable defaults for a two-party call plus
// observer sessions.
func DefaultConfig() Config {
	return Config{
		MaxPeersPerRoom: 8,
		MaxRoomsPerUser: 4,
		PeerTimeout:     30 * time.Second,
		PeerGrace:       15 * time.Second,
		RoomIdleMax:     5 * time.Minute,
	}
}

type peerEntry struct {
	ctx      model.PeerContext
	handle   PeerHandle
	pinged   bool
	pingedAt time.Time
}

type room struct {
	model.Room
	order []string // join order, oldest first; order[0] is the initiator candidate
}

// Hub is the signaling server: a map of rooms plus the secondary indices
// design §4.2 specifies (peerID->roomID, userID->set<roomID>).
type Hub struct {
	cfg Config

	mu         sync.RWMutex
	rooms      map[string]*room
	peerRoom   map[string]string
	userRooms  map[string]map[string]bool
	handles    map[string]PeerHandle
	pingStates map[string]pingState
}

// New creates an empty Hub.
func New(cfg Config) *Hub {
	return &Hub{
		cfg:       cfg,
		rooms:     make(map[string]*room),
		peerRoom:  make(map[string]string),
		userRooms: make(map[string]map[string]bool),
		handles:   make(map[string]PeerHandle),
	}
}

// PeerSnapshot is the public view of a room participant returned to a
// joiner.
type PeerSnapshot struct {
	PeerID      string
	IsInitiator bool
}

// Join admits peerID into roomID (creating the room if absent), rejecting
// if the user already holds MaxRoomsPerUser rooms or the room is full. The
// first joiner becomes the initiator. Existing peers are notified with
// peer-joined; the joiner receives the current peer list.
func (h *Hub) Join(peerID, userID, callID, roomID string, handle PeerHandle, now time.Time) ([]PeerSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.userRooms[userID][roomID] && h.roomsHeldBy(userID) >= h.cfg.MaxRoomsPerUser {
		return nil, model.ErrValidationf(errTooManyRooms{userID})
	}
	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{Room: model.Room{
			RoomID:         roomID,
			CallID:         callID,
			Peers:          make(map[string]*model.PeerContext),
			CreatedAt:      now,
			LastActivityAt: now,
			MaxPeers:       h.cfg.MaxPeersPerRoom,
		}}
		h.rooms[roomID] = r
	}

	if len(r.Peers) >= h.cfg.MaxPeersPerRoom {
		return nil, model.ErrValidationf(errRoomFull{roomID})
	}

	isInitiator := len(r.Peers) == 0
	ctx := &model.PeerContext{
		PeerID:         peerID,
		UserID:         userID,
		CallID:         callID,
		RoomID:         roomID,
		JoinedAt:       now,
		LastActivityAt: now,
		IsInitiator:    isInitiator,
	}
	r.Peers[peerID] = ctx
	r.order = append(r.order, peerID)
	r.LastActivityAt = now

	h.peerRoom[peerID] = roomID
	if h.userRooms[userID] == nil {
		h.userRooms[userID] = make(map[string]bool)
	}
	h.userRooms[userID][roomID] = true

	snapshot := h.snapshotLocked(r)

	h.notifyLocked(r, peerID, SignalingMessage{
		Type:      "peer-joined",
		RoomID:    roomID,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	})

	h.registerHandleLocked(r, peerID, handle)

	return snapshot, nil
}

func (h *Hub) registerHandleLocked(r *room, peerID string, handle PeerHandle) {
	h.handles[peerID] = handle
}

func (h *Hub) roomsHeldBy(userID string) int {
	return len(h.userRooms[userID])
}

func (h *Hub) snapshotLocked(r *room) []PeerSnapshot {
	out := make([]PeerSnapshot, 0, len(r.Peers))
	for _, pid := range r.order {
		ctx, ok := r.Peers[pid]
		if !ok {
			continue
		}
		out = append(out, PeerSnapshot{PeerID: ctx.PeerID, IsInitiator: ctx.IsInitiator})
	}
	return out
}

func (h *Hub) notifyLocked(r *room, except string, msg SignalingMessage) {
	for pid := range r.Peers {
		if pid == except {
			continue
		}
		if handle, ok := h.handles[pid]; ok && handle != nil {
			_ = handle.Deliver(msg)
		}
	}
}

// Leave removes peerID from its room, notifies the remaining peers with
// peer-left, and transfers initiator status to the next-oldest joiner if
// the departing peer was the initiator.
func (h *Hub) Leave(peerID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	roomID, ok := h.peerRoom[peerID]
	if !ok {
		return
	}
	r, ok := h.rooms[roomID]
	if !ok {
		return
	}

	wasInitiator := false
	var userID string
	if ctx, ok := r.Peers[peerID]; ok {
		wasInitiator = ctx.IsInitiator
		userID = ctx.UserID
	}

	delete(r.Peers, peerID)
	for i, pid := range r.order {
		if pid == peerID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(h.peerRoom, peerID)
	delete(h.handles, peerID)
	if set, ok := h.userRooms[userID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(h.userRooms, userID)
		}
	}
	r.LastActivityAt = now

	h.notifyLocked(r, peerID, SignalingMessage{
		Type:      "peer-left",
		RoomID:    roomID,
		PeerID:    peerID,
		Timestamp: now.UnixMilli(),
	})

	if wasInitiator {
		h.transferInitiatorLocked(r, now)
	}
}

func (h *Hub) transferInitiatorLocked(r *room, now time.Time) {
	if len(r.order) == 0 {
		return
	}
	nextID := r.order[0]
	next, ok := r.Peers[nextID]
	if !ok {
		return
	}
	next.IsInitiator = true
	h.notifyLocked(r, "", SignalingMessage{
		Type:      "initiator-changed",
		RoomID:    r.RoomID,
		PeerID:    nextID,
		Timestamp: now.UnixMilli(),
	})
}

// Forward relays an offer/answer/iceCandidate from fromPeer to targetPeer.
// Both peers must exist in the same room. The message is stamped with
// fromPeerId and delivered only to targetPeer.
func (h *Hub) Forward(fromPeer, targetPeer string, kind ForwardKind, data any, now time.Time) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	roomID, ok := h.peerRoom[fromPeer]
	if !ok {
		return model.ErrValidationf(errUnknownPeer{fromPeer})
	}
	targetRoomID, ok := h.peerRoom[targetPeer]
	if !ok || targetRoomID != roomID {
		return model.ErrValidationf(errPeerNotInRoom{targetPeer, roomID})
	}

	handle, ok := h.handles[targetPeer]
	if !ok || handle == nil {
		return model.ErrConnectionf(errPeerNotInRoom{targetPeer, roomID})
	}

	return handle.Deliver(SignalingMessage{
		Type:      string(kind),
		RoomID:    roomID,
		PeerID:    fromPeer,
		Data:      data,
		Timestamp: now.UnixMilli(),
	})
}

// Touch records activity for peerID, used both for ordinary inbound
// messages and for liveness pongs.
func (h *Hub) Touch(peerID string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	roomID, ok := h.peerRoom[peerID]
	if !ok {
		return
	}
	if r, ok := h.rooms[roomID]; ok {
		if ctx, ok := r.Peers[peerID]; ok {
			ctx.LastActivityAt = now
		}
		r.LastActivityAt = now
	}
	h.clearPingStateLocked(peerID)
}

// errTooManyRooms, errRoomFull, errUnknownPeer, errPeerNotInRoom are small
// sentinel-ish error types giving Forward/Join callers a readable cause
// under the CoreError wrapper.
type errTooManyRooms struct{ userID string }

func (e errTooManyRooms) Error() string { return "user " + e.userID + " exceeds max rooms" }

type errRoomFull struct{ roomID string }

func (e errRoomFull) Error() string { return "room " + e.roomID + " is full" }

type errUnknownPeer struct{ peerID string }

func (e errUnknownPeer) Error() string { return "peer " + e.peerID + " is not in any room" }

type errPeerNotInRoom struct {
	peerID, roomID string
}

func (e errPeerNotInRoom) Error() string {
	return "peer " + e.peerID + " is not in room " + e.roomID
}
