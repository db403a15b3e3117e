package pipeline

import (
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// maxRecentTranscripts/maxRecentIntents bound the rolling context fed to
// the classifier and generator (design §4.6 stage 4's "recent" inputs),
// keeping one call's state from growing without bound on long calls.
const (
	maxRecentTranscripts = 5
	maxRecentIntents     = 5
)

// CallState is the single consolidated record a call's pipeline worker
// owns, per design §4.6/§4.9's guidance to keep one worker's mutable state
// in one place rather than scattered across stage functions. It is never
// touched concurrently: exactly one worker goroutine processes chunks for
// a given call, in sequence-number order.
type CallState struct {
	CallID string
	UserID string

	StartedAt     time.Time
	LastChunkAt   time.Time
	MessageCount  int
	StageFailures int64

	backgroundLevel float64 // speechGate's adaptive noise floor, in RMS units

	RecentTranscripts []string
	RecentIntents     []model.IntentCategory

	rollingLatencyMs float64
	rollingQuality   float64
	haveRolling      bool
}

// NewCallState returns a fresh CallState for a call starting now.
func NewCallState(callID, userID string, now time.Time) *CallState {
	return &CallState{CallID: callID, UserID: userID, StartedAt: now, LastChunkAt: now}
}

// Duration reports how long the call has been running as of now.
func (s *CallState) Duration(now time.Time) time.Duration { return now.Sub(s.StartedAt) }

// RecordTranscript appends a recognized utterance, keeping only the most
// recent maxRecentTranscripts.
func (s *CallState) RecordTranscript(text string) {
	s.RecentTranscripts = append(s.RecentTranscripts, text)
	if len(s.RecentTranscripts) > maxRecentTranscripts {
		s.RecentTranscripts = s.RecentTranscripts[len(s.RecentTranscripts)-maxRecentTranscripts:]
	}
}

// RecordIntent appends a classified intent category, keeping only the most
// recent maxRecentIntents.
func (s *CallState) RecordIntent(category model.IntentCategory) {
	s.RecentIntents = append(s.RecentIntents, category)
	if len(s.RecentIntents) > maxRecentIntents {
		s.RecentIntents = s.RecentIntents[len(s.RecentIntents)-maxRecentIntents:]
	}
}

// UpdateRolling folds a fresh latency/quality sample into the rolling
// averages optimizeForCall reads, per design §4.7's feedback loop. An
// exponential moving average avoids keeping a full history per call.
func (s *CallState) UpdateRolling(latencyMs, quality float64) {
	const alpha = 0.2
	if !s.haveRolling {
		s.rollingLatencyMs, s.rollingQuality, s.haveRolling = latencyMs, quality, true
		return
	}
	s.rollingLatencyMs = (1-alpha)*s.rollingLatencyMs + alpha*latencyMs
	s.rollingQuality = (1-alpha)*s.rollingQuality + alpha*quality
}

// RollingLatencyMs and RollingQuality expose the current rolling averages.
func (s *CallState) RollingLatencyMs() float64 { return s.rollingLatencyMs }
func (s *CallState) RollingQuality() float64   { return s.rollingQuality }
