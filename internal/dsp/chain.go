package dsp

import "sync"

// OptimizeConfig bounds the optimizeForCall step sizes and targets, design
// §4.7.
type OptimizeConfig struct {
	LatencyTarget  float64 // ms; above this, the chain trims cost
	QualityThreshold float64 // SNR proxy; below this, the chain spends more
	TailStep       int     // echo-cancellation tail step (samples)
	TailFloor      int
	TailCeiling    int
}

func DefaultOptimizeConfig() OptimizeConfig {
	return OptimizeConfig{
		LatencyTarget:    200,
		QualityThreshold: 0.5,
		TailStep:         80,
		TailFloor:        minAECTaps,
		TailCeiling:      maxAECTaps,
	}
}

// Chain is the per-call DSP pipeline: noise reduction, echo cancellation,
// AGC, VAD, in that order, each independently enable/disable-able and
// live-tunable. One Chain serves one call; the pipeline package does not
// construct or run a Chain, so a caller that wants the chain applied
// builds one per call and invokes Process itself.
type Chain struct {
	mu sync.Mutex

	cfg OptimizeConfig

	NoiseReducer *NoiseReducer
	EchoCanceller *AEC
	GainControl  *AGC
	VoiceActivity *VAD
}

// NewChain builds a Chain for one call at the given PCM frame size (960 =
// 20ms @ 48kHz), every stage enabled.
func NewChain(frameSize int, cfg OptimizeConfig) *Chain {
	return &Chain{
		cfg:           cfg,
		NoiseReducer:  NewNoiseReducer(),
		EchoCanceller: NewAEC(frameSize),
		GainControl:   NewAGC(),
		VoiceActivity: NewVAD(),
	}
}

// Process runs frame through the chain in order, returning the frame's
// input RMS (measured before noise reduction) and whether VAD classifies
// the processed frame as speech. farEnd, if non-nil, is fed to the echo canceller before
// processing (the most recent synthesized-audio frame sent to the peer).
func (c *Chain) Process(frame []float32, farEnd []float32) (rms float32, isSpeech bool) {
	if farEnd != nil {
		c.EchoCanceller.FeedFarEnd(farEnd)
	}
	rms = c.NoiseReducer.Process(frame)
	c.EchoCanceller.Process(frame)
	c.GainControl.Process(frame)
	isSpeech = c.VoiceActivity.ShouldSend(RMS(frame))
	return rms, isSpeech
}

// OptimizeForCall implements design §4.7's feedback loop: given a call's
// rolling-average latency (ms) and rolling-average quality (SNR proxy),
// nudge noise-reduction aggressiveness and echo-cancellation tail length
// one step in the appropriate direction. Changes take effect on the next
// chunk; Process never mutates state for a chunk already in flight since
// callers invoke this between chunks, not concurrently with Process.
func (c *Chain) OptimizeForCall(rollingAvgLatencyMs, rollingAvgQuality float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rollingAvgLatencyMs > c.cfg.LatencyTarget {
		if n := c.NoiseReducer.Aggressiveness(); n > 0 {
			c.NoiseReducer.SetAggressiveness(n - 1)
		}
		if tail := c.EchoCanceller.TailLength() - c.cfg.TailStep; tail >= c.cfg.TailFloor {
			c.EchoCanceller.SetTailLength(tail)
		} else {
			c.EchoCanceller.SetTailLength(c.cfg.TailFloor)
		}
	}

	if rollingAvgQuality < c.cfg.QualityThreshold {
		if n := c.NoiseReducer.Aggressiveness(); n < 3 {
			c.NoiseReducer.SetAggressiveness(n + 1)
		}
		if tail := c.EchoCanceller.TailLength() + c.cfg.TailStep; tail <= c.cfg.TailCeiling {
			c.EchoCanceller.SetTailLength(tail)
		} else {
			c.EchoCanceller.SetTailLength(c.cfg.TailCeiling)
		}
	}
}
