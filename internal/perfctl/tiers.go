package perfctl

import "github.com/ninjacall/voicecore/internal/model"

// Tier is a named quality preset, design §4.8/GLOSSARY. Tiers form a
// totally ordered ladder (ultra > high > medium > low) used by the
// adaptation rule.
type Tier struct {
	Name            string
	SampleRate      int
	BitrateKbps     int
	LatencyTargetMs float64
	EnabledFeatures []string
}

// Ladder is the fixed, ordered tier list every call's quality state
// indexes into. Grounded on client/internal/adapt.Ladder's bitrate steps,
// generalized from a flat kbps list to full {sampleRate, bitrate,
// latencyTarget, features} presets per design §4.8.
var Ladder = []Tier{
	{Name: "low", SampleRate: 8000, BitrateKbps: 12, LatencyTargetMs: 400, EnabledFeatures: []string{}},
	{Name: "medium", SampleRate: 16000, BitrateKbps: 24, LatencyTargetMs: 250, EnabledFeatures: []string{"noise_reduction"}},
	{Name: "high", SampleRate: 24000, BitrateKbps: 32, LatencyTargetMs: 180, EnabledFeatures: []string{"noise_reduction", "echo_cancellation"}},
	{Name: "ultra", SampleRate: 48000, BitrateKbps: 48, LatencyTargetMs: 120, EnabledFeatures: []string{"noise_reduction", "echo_cancellation", "agc"}},
}

// DefaultTierIndex is where a new call's quality state starts: the
// middle-of-the-road "high" tier, matching client/internal/adapt's
// DefaultKbps=32 sitting on the "high" rung of Ladder above.
const DefaultTierIndex = 2

// codecForBitrate selects a codec by bitrate per design §4.8: >=32kbps
// opus, >=16 aac, else mp3.
func codecForBitrate(kbps int) model.AudioEncoding {
	switch {
	case kbps >= 32:
		return model.EncodingOpus
	case kbps >= 16:
		return model.EncodingAAC
	default:
		return model.EncodingMP3
	}
}

// EncodingFor returns the full encoding configuration for a tier.
func EncodingFor(t Tier) model.EncodingConfig {
	return model.EncodingConfig{
		SampleRate:  t.SampleRate,
		BitrateKbps: t.BitrateKbps,
		Codec:       codecForBitrate(t.BitrateKbps),
	}
}

// QualityState is one call's position on the tier ladder.
type QualityState struct {
	currentLevel int
}

// NewQualityState starts a call at DefaultTierIndex.
func NewQualityState() *QualityState { return &QualityState{currentLevel: DefaultTierIndex} }

// Current returns the call's current tier.
func (q *QualityState) Current() Tier { return Ladder[q.currentLevel] }

// Adapt applies design §4.8's per-chunk adaptation rule: downgrade one
// step if rollingAvgLatency exceeds the current tier's target, upgrade
// one step if it's under half the target, bounded by the ladder's ends.
// Reports whether the tier changed.
func (q *QualityState) Adapt(rollingAvgLatencyMs float64) bool {
	target := Ladder[q.currentLevel].LatencyTargetMs
	switch {
	case rollingAvgLatencyMs > target && q.currentLevel > 0:
		q.currentLevel--
		return true
	case rollingAvgLatencyMs < 0.5*target && q.currentLevel < len(Ladder)-1:
		q.currentLevel++
		return true
	}
	return false
}

// Downgrade moves the call down one tier, bounded at the ladder's floor.
// Used directly by optimizationTriggered, which always downgrades the
// offending call regardless of its rolling latency.
func (q *QualityState) Downgrade() bool {
	if q.currentLevel == 0 {
		return false
	}
	q.currentLevel--
	return true
}
