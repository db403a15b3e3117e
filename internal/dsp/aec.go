package dsp

import "sync"

const (
	defaultAECTaps = 480 // 10ms @ 48kHz; the adaptive filter's working window
	minAECTaps     = 160 // tailFloor's underlying filter length (~3.3ms)
	maxAECTaps     = 960 // tailCeiling's underlying filter length (20ms)
	defaultAECStep = 0.1
)

// AEC is a single-call NLMS acoustic echo canceller. Grounded on the
// teacher's client/internal/aec.AEC, generalized so the tap count ("tail
// length") and step size ("suppression level") are live-tunable by
// optimizeForCall instead of fixed at construction.
type AEC struct {
	mu      sync.Mutex
	enabled bool

	weights []float64
	tapLen  int
	step    float64

	farBuf    []float32
	farHead   int
	bufLen    int
	delayLen  int
	frameSize int
}

// NewAEC creates an AEC for the given PCM frame size (960 = 20ms @ 48kHz)
// at the default tail length.
func NewAEC(frameSize int) *AEC {
	a := &AEC{enabled: true, tapLen: defaultAECTaps, step: defaultAECStep, delayLen: 1920, frameSize: frameSize}
	a.reallocLocked()
	return a
}

func (a *AEC) reallocLocked() {
	a.bufLen = a.frameSize + a.delayLen + a.tapLen
	a.farBuf = make([]float32, a.bufLen)
	a.farHead = 0
	a.weights = make([]float64, a.tapLen)
}

func (a *AEC) SetEnabled(enabled bool) {
	a.mu.Lock()
	a.enabled = enabled
	if enabled {
		for i := range a.weights {
			a.weights[i] = 0
		}
	}
	a.mu.Unlock()
}

func (a *AEC) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// TailLength returns the current filter length in samples.
func (a *AEC) TailLength() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tapLen
}

// SetTailLength adjusts the filter length (design §4.7's echo-cancellation
// tail), clamped to [minAECTaps, maxAECTaps]. Reallocates filter state, so
// it should only be called between chunks, never mid-frame.
func (a *AEC) SetTailLength(taps int) {
	if taps < minAECTaps {
		taps = minAECTaps
	}
	if taps > maxAECTaps {
		taps = maxAECTaps
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if taps == a.tapLen {
		return
	}
	a.tapLen = taps
	a.reallocLocked()
}

// SetSuppressionLevel maps level in [0,100] to the NLMS step size — higher
// suppression converges faster but is less stable.
func (a *AEC) SetSuppressionLevel(level int) {
	level = clampLevel(level)
	a.mu.Lock()
	a.step = 0.02 + float64(level)/100.0*0.38 // 0.02 .. 0.40
	a.mu.Unlock()
}

// FeedFarEnd stores the most recent outbound (synthesized) audio frame as
// the echo-cancellation reference.
func (a *AEC) FeedFarEnd(frame []float32) {
	a.mu.Lock()
	for _, s := range frame {
		a.farBuf[a.farHead] = s
		a.farHead = (a.farHead + 1) % a.bufLen
	}
	a.mu.Unlock()
}

// Process applies echo cancellation to a captured frame in-place.
func (a *AEC) Process(frame []float32) {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return
	}

	tapLen := a.tapLen
	refLen := a.frameSize + tapLen - 1
	ref := make([]float32, refLen)
	startIdx := a.farHead - a.frameSize - a.delayLen - tapLen + 1
	for j := range refLen {
		idx := ((startIdx+j)%a.bufLen + 3*a.bufLen) % a.bufLen
		ref[j] = a.farBuf[idx]
	}
	step := a.step
	weights := a.weights
	a.mu.Unlock()

	for i := range frame {
		refBase := i + tapLen - 1

		var y, powerSum float64
		for k := 0; k < tapLen; k++ {
			x := float64(ref[refBase-k])
			y += weights[k] * x
			powerSum += x * x
		}

		e := float64(frame[i]) - y

		if powerSum > 1e-10 {
			mu := step * e / powerSum
			for k := 0; k < tapLen; k++ {
				weights[k] += mu * float64(ref[refBase-k])
			}
		}

		frame[i] = float32(e)
	}
}
