// Package model holds the data types shared across the voice core: the
// session, transport, audio, and protocol records described by the design's
// data model. Keeping them in one package lets every subsystem (signaling,
// transport, pipeline, performance control) pass the same concrete types
// without import cycles.
package model

import "time"

// TransportKind identifies which wire transport (or pair of transports) a
// Session uses.
type TransportKind string

const (
	TransportReliable TransportKind = "reliable"
	TransportMedia    TransportKind = "media"
	TransportHybrid   TransportKind = "hybrid"
)

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionNew          SessionState = "new"
	SessionConnected    SessionState = "connected"
	SessionIdle         SessionState = "idle"
	SessionTransferring SessionState = "transferring"
	SessionTerminated   SessionState = "terminated"
	SessionError        SessionState = "error"
)

// QualityMetrics is a snapshot of observed call audio quality.
type QualityMetrics struct {
	RTTMs          float64
	JitterMs       float64
	PacketLoss     float64
	QualityScore   float64
	BitrateKbps    int
	SampleRate     int
	CurrentTier    string
	LastObservedAt time.Time
}

// ProcessingStats summarizes per-call pipeline activity.
type ProcessingStats struct {
	ChunksProcessed  int64
	ChunksDropped    int64
	AvgLatencyMs     float64
	LastLatencyMs    float64
	NonSpeechTotal   int64
	StageFailures    int64
	LastProcessedSeq uint64
}

// Session is the application-level, user-facing call session described in
// §3 of the design. At most one active session may exist per
// (UserID, CallID) pair; Hybrid transport requires both sub-transports
// alive.
type Session struct {
	SessionID       string
	UserID          string
	CallID          string
	TransportKind   TransportKind
	StartedAt       time.Time
	LastActivityAt  time.Time
	State           SessionState
	QualityMetrics  QualityMetrics
	ProcessingStats ProcessingStats
}

// Key returns the (userID, callID) admission key used to enforce the
// at-most-one-active-session invariant.
func (s *Session) Key() string { return s.UserID + "|" + s.CallID }

// PeerContext is one participant in a signaling Room.
type PeerContext struct {
	PeerID         string
	UserID         string
	CallID         string
	RoomID         string
	JoinedAt       time.Time
	LastActivityAt time.Time
	IsInitiator    bool
}

// AudioEncoding is the declared codec of an AudioChunk payload.
type AudioEncoding string

const (
	EncodingPCM  AudioEncoding = "pcm"
	EncodingOpus AudioEncoding = "opus"
	EncodingAAC  AudioEncoding = "aac"
	EncodingMP3  AudioEncoding = "mp3"
)

// AudioChunk is one fragment of call audio. Within a call, SequenceNumber
// is strictly increasing as produced; consumers must process chunks in
// that order.
type AudioChunk struct {
	ID             string
	CallID         string
	Timestamp      time.Time
	SequenceNumber uint64
	Payload        []byte
	SampleRate     int
	ChannelCount   int
	Encoding       AudioEncoding
}

// Intent categories and emotional tones, per §3.
type IntentCategory string

const (
	CategorySalesCall       IntentCategory = "salesCall"
	CategoryLoanOffer       IntentCategory = "loanOffer"
	CategoryInvestmentPitch IntentCategory = "investmentPitch"
	CategoryInsuranceSales  IntentCategory = "insuranceSales"
	CategorySurvey          IntentCategory = "survey"
	CategoryTelemarketing   IntentCategory = "telemarketing"
	CategoryUnknown         IntentCategory = "unknown"
)

type EmotionalTone string

const (
	ToneNeutral    EmotionalTone = "neutral"
	ToneFriendly   EmotionalTone = "friendly"
	ToneAggressive EmotionalTone = "aggressive"
	TonePersuasive EmotionalTone = "persuasive"
	ToneUrgent     EmotionalTone = "urgent"
	ToneConfused   EmotionalTone = "confused"
)

// Intent is the structured classification of a recognized utterance.
type Intent struct {
	Label         string
	Confidence    float64
	Category      IntentCategory
	EmotionalTone EmotionalTone
	Entities      map[string]string
}

// ResponseStrategy is the escalation rung chosen for a Response.
type ResponseStrategy string

const (
	StrategyPoliteDecline     ResponseStrategy = "politeDecline"
	StrategyFirmRejection     ResponseStrategy = "firmRejection"
	StrategyHumorDeflection   ResponseStrategy = "humorDeflection"
	StrategyInfoGathering     ResponseStrategy = "informationGathering"
	StrategyCallTermination   ResponseStrategy = "callTermination"
)

// Response is the generated reply to a classified Intent.
type Response struct {
	Text           string
	ShouldTerminate bool
	Confidence     float64
	Strategy       ResponseStrategy
	ResponseAudio  []byte
}

// PipelineResult is the outcome of running one AudioChunk through the
// pipeline. A result carrying only ProcessingLatencyMs (everything else
// zero-valued) is the canonical "silence / no speech" outcome.
type PipelineResult struct {
	ChunkID            string
	CallID             string
	Timestamp          time.Time
	ProcessingLatencyMs float64
	Transcript         string
	HasTranscript      bool
	Intent             *Intent
	Response           *Response
	ResponseAudio      []byte
	QualityMetrics     QualityMetrics

	// SampleRate, ChannelCount, and AudioPrefix echo the producing chunk's
	// identifying fields so a caller can recompute the same cache key used
	// at admission time without re-decoding the chunk.
	SampleRate   int
	ChannelCount int
	AudioPrefix  []byte
}

// IsSilence reports whether r carries no speech artifacts — the canonical
// short-circuit outcome from the VAD stage.
func (r *PipelineResult) IsSilence() bool {
	return !r.HasTranscript && r.Intent == nil && r.Response == nil && len(r.ResponseAudio) == 0
}

// EncodingConfig captures the currently selected audio tier's codec
// parameters for a call.
type EncodingConfig struct {
	SampleRate int
	BitrateKbps int
	Codec      AudioEncoding
}

// Room is a signaling group of peers collaborating on one call.
type Room struct {
	RoomID         string
	CallID         string
	Peers          map[string]*PeerContext
	CreatedAt      time.Time
	LastActivityAt time.Time
	MaxPeers       int
}

// PendingMessage is an envelope awaiting acknowledgement in the reliability
// layer.
type PendingMessage struct {
	EnvelopeID   string
	ConnectionID string
	SentAt       time.Time
	Retries      int
	SendFn       func([]byte) error
	Payload      []byte
}

// CircuitBreakerState is the three-state lifecycle of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitClosed   CircuitBreakerState = "closed"
	CircuitOpen     CircuitBreakerState = "open"
	CircuitHalfOpen CircuitBreakerState = "halfOpen"
)

// CircuitState is a read-only snapshot of a breaker, used for
// observability/events.
type CircuitState struct {
	Name             string
	State            CircuitBreakerState
	Failures         int
	Successes        int
	TotalCalls       int
	LastFailureAt    time.Time
	NextAttemptAt    time.Time
	RecentCallsWindow int
}
