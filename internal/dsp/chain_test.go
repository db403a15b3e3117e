package dsp

import "testing"

func TestChainProcessClassifiesSpeech(t *testing.T) {
	chain := NewChain(960, DefaultOptimizeConfig())
	frame := make([]float32, 960)
	for i := range frame {
		frame[i] = 0.5
	}

	_, isSpeech := chain.Process(frame, nil)
	if !isSpeech {
		t.Error("expected loud frame to be classified as speech")
	}
}

func TestOptimizeForCallDowngradesOnHighLatency(t *testing.T) {
	chain := NewChain(960, DefaultOptimizeConfig())
	chain.NoiseReducer.SetAggressiveness(2)
	startTail := chain.EchoCanceller.TailLength()

	chain.OptimizeForCall(500, 1.0) // latency above target, quality fine

	if got := chain.NoiseReducer.Aggressiveness(); got != 1 {
		t.Errorf("expected aggressiveness decremented to 1, got %d", got)
	}
	if got := chain.EchoCanceller.TailLength(); got >= startTail {
		t.Errorf("expected tail length decreased from %d, got %d", startTail, got)
	}
}

func TestOptimizeForCallUpgradesOnLowQuality(t *testing.T) {
	chain := NewChain(960, DefaultOptimizeConfig())
	chain.NoiseReducer.SetAggressiveness(0)
	startTail := chain.EchoCanceller.TailLength()

	chain.OptimizeForCall(0, 0.1) // latency fine, quality poor

	if got := chain.NoiseReducer.Aggressiveness(); got != 1 {
		t.Errorf("expected aggressiveness incremented to 1, got %d", got)
	}
	if got := chain.EchoCanceller.TailLength(); got <= startTail {
		t.Errorf("expected tail length increased from %d, got %d", startTail, got)
	}
}

func TestEchoCancellerTailLengthClampedToFloor(t *testing.T) {
	aec := NewAEC(960)
	aec.SetTailLength(0)
	if got := aec.TailLength(); got != minAECTaps {
		t.Errorf("expected clamp to floor %d, got %d", minAECTaps, got)
	}
}

func TestEchoCancellerTailLengthClampedToCeiling(t *testing.T) {
	aec := NewAEC(960)
	aec.SetTailLength(100000)
	if got := aec.TailLength(); got != maxAECTaps {
		t.Errorf("expected clamp to ceiling %d, got %d", maxAECTaps, got)
	}
}
