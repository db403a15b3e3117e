// Package pipeline implements design §4.6's Audio Chunk Pipeline: a
// per-call, strictly-ordered six-stage transform (preprocess, speech
// gate, recognize, classify, generate, synthesize); the four stages with
// an external dependency (recognize, classify, generate, synthesize) are
// each wrapped by a circuit breaker. Grounded on the teacher's per-client
// goroutine-owns-its-state model (rustyguts-bken/server/client.go,
// client/audio.go) generalized from one worker per connection to one
// worker per call. The speech gate uses internal/dsp's RMS helper only; no
// dsp.Chain runs inside the pipeline.
package pipeline

import (
	"context"
	"time"

	"github.com/ninjacall/voicecore/internal/dsp"
	"github.com/ninjacall/voicecore/internal/model"
)

// RecognitionResult is what an external speech recognizer returns for one
// chunk of canonical audio.
type RecognitionResult struct {
	Text       string
	Confidence float64
}

// Recognizer is the external speech-recognition black box, specified only
// at the {input -> output, latency, error} contract per the design's
// explicit non-goals.
type Recognizer interface {
	Recognize(ctx context.Context, audio []float32, sampleRate int) (RecognitionResult, error)
}

// IntentHints carries the contextual signals design §4.6 stage 4 feeds to
// the classifier alongside the recognized text.
type IntentHints struct {
	RecentTranscripts []string
	RecentIntents     []model.IntentCategory
	CallDurationMs    float64
	MessageCount      int
}

// IntentClassifier is the external intent-classification black box.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, hints IntentHints) (model.Intent, error)
}

// PersonalityProfile is the per-user tone/voice configuration response
// generation and synthesis draw on.
type PersonalityProfile struct {
	UserID    string
	VoiceID   string
	Tone      model.EmotionalTone
}

// ResponseGenerator is the external response-generation black box (an
// LLM-backed client in production; this package only depends on its
// contract).
type ResponseGenerator interface {
	Generate(ctx context.Context, intent model.Intent, recentTranscripts []string, profile PersonalityProfile, strategy model.ResponseStrategy) (model.Response, error)
}

// Synthesizer is the external text-to-speech black box.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error)
}

// AudioDecoder turns a declared-encoding payload into canonical mono
// float32 PCM. The production implementation decodes Opus via
// gopkg.in/hraban/opus.v2; PCM payloads are already canonical.
type AudioDecoder interface {
	Decode(payload []byte, encoding model.AudioEncoding, sampleRate, channels int) ([]float32, error)
}

// maxChunkMultiple bounds a decoded payload to 10x the nominal chunk size,
// design §4.6 stage 1's size-validation rule.
const maxChunkMultiple = 10

// nominalChunkBytes is the nominal wire size of one chunk (4 KiB); used
// only for the stage-1 sanity bound, not for codec configuration.
const nominalChunkBytes = 4096

// preprocess implements design §4.6 stage 1: decode, validate size.
func preprocess(decoder AudioDecoder, chunk model.AudioChunk) ([]float32, error) {
	if len(chunk.Payload) == 0 {
		return nil, model.ErrValidationf(emptyPayloadError{chunk.ID})
	}
	if len(chunk.Payload) > nominalChunkBytes*maxChunkMultiple {
		return nil, model.ErrValidationf(oversizePayloadError{chunk.ID, len(chunk.Payload)})
	}
	return decoder.Decode(chunk.Payload, chunk.Encoding, chunk.SampleRate, chunk.ChannelCount)
}

type emptyPayloadError struct{ chunkID string }

func (e emptyPayloadError) Error() string { return "chunk " + e.chunkID + " has empty payload" }

type oversizePayloadError struct {
	chunkID string
	size    int
}

func (e oversizePayloadError) Error() string {
	return "chunk " + e.chunkID + " payload exceeds maximum size"
}

// SpeechGateConfig bounds the adaptive VAD threshold of design §4.6 stage
// 2.
type SpeechGateConfig struct {
	BaseThreshold     float32
	NoiseSmoothingEMA float64 // smoothing factor in (0,1]; higher adapts faster
}

func DefaultSpeechGateConfig() SpeechGateConfig {
	return SpeechGateConfig{BaseThreshold: 0.01, NoiseSmoothingEMA: 0.05}
}

// speechGate implements design §4.6 stage 2: classify isSpeech using an
// adaptive energy threshold with background-noise tracking. The richer
// feature set (ZCR, spectral rolloff/centroid, MFCCs) named in the design
// is left to the pluggable Recognizer boundary — algorithm choice for the
// gate itself is unspecified behavior, not a contract; this energy-based
// gate satisfies the adaptive-threshold contract directly.
func speechGate(cfg SpeechGateConfig, state *CallState, frame []float32) bool {
	energy := dsp.RMS(frame)

	if energy < 2*float32(state.backgroundLevel) {
		state.backgroundLevel = (1-cfg.NoiseSmoothingEMA)*state.backgroundLevel + cfg.NoiseSmoothingEMA*float64(energy)
	}

	threshold := float32(state.backgroundLevel * 3)
	if threshold < cfg.BaseThreshold {
		threshold = cfg.BaseThreshold
	}

	return energy > threshold
}

// terminationKeywords trigger shouldTerminate regardless of strategy, per
// design §4.6 stage 5.
var terminationKeywords = []string{"goodbye", "hang up", "not interested", "remove me", "do not call"}

// escalationStrategy implements design §4.6 stage 5's persistence ladder.
// messageCount is the cumulative count including the message currently
// being answered: three polite attempts are allowed before the rung
// advances, so firm rejection starts on the fourth message and
// termination from the fifth (or immediately on a long call or an
// aggressive tone).
func escalationStrategy(messageCount int, callDuration time.Duration, tone model.EmotionalTone) model.ResponseStrategy {
	if messageCount >= 5 || callDuration >= 2*time.Minute || tone == model.ToneAggressive {
		return model.StrategyCallTermination
	}
	if messageCount > 3 {
		return model.StrategyFirmRejection
	}
	return model.StrategyPoliteDecline
}
