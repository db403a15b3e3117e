// Package envelope implements design §4.1: the versioned message envelope,
// its checksum and validation rules, and the reliability layer (ack
// tracking, retransmission, dedup) built on top of it. It is grounded on
// the teacher's own framed-message conventions — rustyguts-bken's
// ControlMsg (server/protocol.go) and the SendControl/sendRaw pair in
// server/client.go and client/transport.go — generalized from a closed
// Go struct to the §6 JSON schema with a typed payload union.
package envelope

import (
	"bytes"
	"compress/flate"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the only version this core accepts.
const ProtocolVersion = "2.0"

// MessageType is the closed set of message types consumed by the core, per
// design §6.
type MessageType string

const (
	TypeAudioChunk       MessageType = "audio_chunk"
	TypeAudioResponse    MessageType = "audio_response"
	TypeTranscript       MessageType = "transcript"
	TypeAIResponse       MessageType = "ai_response"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeConnectionStatus MessageType = "connection_status"
	TypeProcessingStatus MessageType = "processing_status"
	TypeMetrics          MessageType = "metrics"
	TypeError            MessageType = "error"
	TypeWebRTCOffer      MessageType = "webrtc_offer"
	TypeWebRTCAnswer     MessageType = "webrtc_answer"
	TypeWebRTCICE        MessageType = "webrtc_ice_candidate"
	TypeSessionRecovery  MessageType = "session_recovery"
	TypeAck              MessageType = "ack"
)

var knownTypes = map[MessageType]bool{
	TypeAudioChunk: true, TypeAudioResponse: true, TypeTranscript: true,
	TypeAIResponse: true, TypeHeartbeat: true, TypeConnectionStatus: true,
	TypeProcessingStatus: true, TypeMetrics: true, TypeError: true,
	TypeWebRTCOffer: true, TypeWebRTCAnswer: true, TypeWebRTCICE: true,
	TypeSessionRecovery: true, TypeAck: true,
}

// Priority is the envelope's delivery priority.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Metadata carries routing and lifecycle hints for an Envelope.
type Metadata struct {
	Source        string   `json:"source"`
	Target        string   `json:"target,omitempty"`
	Priority      Priority `json:"priority"`
	TTLMs         int64    `json:"ttl,omitempty"`
	CorrelationID string   `json:"correlation,omitempty"`
	Encoding      string   `json:"encoding,omitempty"`
}

// Envelope is the versioned, self-describing message frame used on every
// boundary (design §6). Payload is kept as raw JSON so handlers can decode
// it into their own typed struct without a second marshal round-trip.
type Envelope struct {
	Version        string          `json:"version"`
	Type           MessageType     `json:"type"`
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber *uint64         `json:"sequenceNumber,omitempty"`
	AckRequired    bool            `json:"ackRequired,omitempty"`
	RetryCount     int             `json:"retry,omitempty"`
	Compressed     bool            `json:"compressed,omitempty"`
	Checksum       string          `json:"checksum"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       Metadata        `json:"metadata"`
}

// MaxFrameSize is the upper bound on a serialized Envelope, per design §6.
const MaxFrameSize = 2 << 20 // 2 MiB

// checksum computes the 32-bit CRC over {type, id, timestamp, payload}, the
// algorithm design §6 names explicitly ("32-bit integer hashed hex").
func checksum(typ MessageType, id string, ts int64, payload []byte) string {
	h := crc32.NewIEEE()
	fmt.Fprintf(h, "%s|%s|%d|", typ, id, ts)
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// compressThreshold is the payload size above which New will deflate the
// payload and set Compressed.
const compressThreshold = 1024

// BuildOptions customizes envelope construction in New.
type BuildOptions struct {
	SequenceNumber *uint64
	AckRequired    bool
	Metadata       Metadata
	Now            time.Time // injectable for tests; zero value uses time.Now
}

// New constructs a ready-to-send Envelope: assigns ID and Timestamp,
// optionally compresses large payloads, and computes the checksum over the
// (possibly compressed) payload bytes — matching the order On-send
// performs those steps in design §4.1.
func New(typ MessageType, payload any, opts BuildOptions) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	ts := now.UnixMilli()
	id := uuid.NewString()

	compressed := false
	if len(raw) > compressThreshold {
		deflated, derr := deflate(raw)
		if derr == nil && len(deflated) < len(raw) {
			raw = deflated
			compressed = true
		}
	}

	meta := opts.Metadata
	if meta.Priority == "" {
		meta.Priority = PriorityNormal
	}

	env := &Envelope{
		Version:        ProtocolVersion,
		Type:           typ,
		ID:             id,
		Timestamp:      ts,
		SequenceNumber: opts.SequenceNumber,
		AckRequired:    opts.AckRequired || meta.Priority == PriorityHigh || meta.Priority == PriorityUrgent,
		Compressed:     compressed,
		Payload:        raw,
		Metadata:       meta,
	}
	env.Checksum = checksum(env.Type, env.ID, env.Timestamp, raw)
	return env, nil
}

// ack is exempt from ackRequired by construction (Open Question #1 in
// DESIGN.md): acks never themselves request an ack, preventing
// ack-of-ack loops.
func NewAck(sourceEnvelopeID, source string, now time.Time) (*Envelope, error) {
	payload := struct {
		Status string `json:"status"`
		Of     string `json:"of"`
	}{Status: "received", Of: sourceEnvelopeID}

	env, err := New(TypeAck, payload, BuildOptions{
		Metadata: Metadata{Source: source, Priority: PriorityNormal},
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	env.AckRequired = false
	// ID of an ack is independent of the source envelope's ID; correlate via
	// Metadata instead so the ack can still be looked up by the source id.
	env.Metadata.CorrelationID = sourceEnvelopeID
	return env, nil
}

// Marshal serializes the envelope as the UTF-8 JSON frame described in
// design §6, and rejects frames that would exceed MaxFrameSize.
func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if len(b) > MaxFrameSize {
		return nil, fmt.Errorf("envelope %s exceeds max frame size (%d > %d)", e.ID, len(b), MaxFrameSize)
	}
	return b, nil
}

// DecodedPayload returns the envelope's payload, inflating it first if
// Compressed is set.
func (e *Envelope) DecodedPayload() ([]byte, error) {
	if !e.Compressed {
		return e.Payload, nil
	}
	return inflate(e.Payload)
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
