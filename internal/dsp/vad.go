// Package dsp implements design §4.7's Adaptive Audio Processor: a
// per-call DSP chain (noise reduction, echo cancellation, AGC, voice
// activity detection) with live-tunable parameters and an
// optimizeForCall feedback loop. Each stage is grounded on the teacher's
// client/internal/{vad,agc,noisegate,aec} packages, generalized from
// process-wide singletons (one VAD/AGC/gate/AEC per client process) to
// per-call instances, since many calls run concurrently in this process.
// The pipeline package does not invoke this chain; its speech gate uses
// only RMS.
package dsp

import "math"

const (
	// DefaultVADThreshold is the RMS level below which a frame is treated
	// as silence (~-46 dBFS).
	DefaultVADThreshold = float32(0.005)

	// DefaultVADHangover is the number of silent frames to keep
	// classifying as speech after activity ends (~400ms at 20ms/frame).
	DefaultVADHangover = 20
)

// VAD is a single-call energy-based voice activity detector.
type VAD struct {
	threshold float32
	hangover  int
	remaining int
	enabled   bool
}

// NewVAD returns a VAD with default threshold/hangover, enabled.
func NewVAD() *VAD {
	return &VAD{threshold: DefaultVADThreshold, hangover: DefaultVADHangover, enabled: true}
}

func (v *VAD) SetEnabled(enabled bool) {
	v.enabled = enabled
	if !enabled {
		v.remaining = 0
	}
}

func (v *VAD) Enabled() bool { return v.enabled }

// SetThreshold maps level in [0,100] to an RMS threshold in [0.001, 0.05].
func (v *VAD) SetThreshold(level int) {
	level = clampLevel(level)
	v.threshold = 0.001 + float32(level)/100.0*0.049
}

// ShouldSend reports whether a frame with the given RMS should be treated
// as speech, applying hangover to avoid clipping word endings.
func (v *VAD) ShouldSend(rms float32) bool {
	if !v.enabled {
		return true
	}
	if rms > v.threshold {
		v.remaining = v.hangover
		return true
	}
	if v.remaining > 0 {
		v.remaining--
		return true
	}
	return false
}

func (v *VAD) Reset() { v.remaining = 0 }

func clampLevel(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}

// RMS returns the root-mean-square of a float32 PCM frame, shared by every
// stage in this package.
func RMS(frame []float32) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
