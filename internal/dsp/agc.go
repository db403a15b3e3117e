package dsp

const (
	// DefaultAGCTarget is the desired RMS level (linear, ~-14 dBFS).
	DefaultAGCTarget = 0.20

	minGain = 0.1
	maxGain = 10.0

	attackCoeff  = 0.80
	releaseCoeff = 0.02

	minAGCRMS = 0.001
)

// AGC is a single-call automatic gain control processor.
type AGC struct {
	target float64
	gain   float64
}

// NewAGC returns an AGC at DefaultAGCTarget with unity gain.
func NewAGC() *AGC {
	return &AGC{target: DefaultAGCTarget, gain: 1.0}
}

// SetTarget maps level in [0,100] to a target RMS in [0.01, 0.50].
func (a *AGC) SetTarget(level int) {
	level = clampLevel(level)
	a.target = 0.01 + float64(level)/100.0*0.49
}

// Process applies the current gain to frame in-place and updates the gain
// estimate for the next frame.
func (a *AGC) Process(frame []float32) []float32 {
	if len(frame) == 0 {
		return frame
	}

	rms := float64(RMS(frame))

	for i, s := range frame {
		v := s * float32(a.gain)
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		frame[i] = v
	}

	if rms < minAGCRMS {
		return frame
	}

	desired := a.target / rms
	if desired < minGain {
		desired = minGain
	} else if desired > maxGain {
		desired = maxGain
	}

	coeff := releaseCoeff
	if desired < a.gain {
		coeff = attackCoeff
	}
	a.gain += coeff * (desired - a.gain)

	return frame
}

func (a *AGC) Gain() float64 { return a.gain }

func (a *AGC) Reset() { a.gain = 1.0 }
