package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// byteDecoder is a stand-in AudioDecoder: a frame of all-zero payload bytes
// decodes to silence, anything else decodes to a loud frame. Real codec
// decoding is out of scope here; only the stage-1 contract matters.
type byteDecoder struct{}

func (byteDecoder) Decode(payload []byte, encoding model.AudioEncoding, sampleRate, channels int) ([]float32, error) {
	frame := make([]float32, len(payload))
	for i, b := range payload {
		if b != 0 {
			frame[i] = 0.5
		}
	}
	return frame, nil
}

type stubRecognizer struct{ text string }

func (s stubRecognizer) Recognize(ctx context.Context, audio []float32, sampleRate int) (RecognitionResult, error) {
	return RecognitionResult{Text: s.text, Confidence: 0.9}, nil
}

type stubClassifier struct {
	category model.IntentCategory
	tone     model.EmotionalTone
}

func (s stubClassifier) Classify(ctx context.Context, text string, hints IntentHints) (model.Intent, error) {
	return model.Intent{Label: string(s.category), Confidence: 0.8, Category: s.category, EmotionalTone: s.tone}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, intent model.Intent, recentTranscripts []string, profile PersonalityProfile, strategy model.ResponseStrategy) (model.Response, error) {
	return model.Response{Text: "  Assistant: Not interested, please remove this number.  ", Confidence: 0.7}, nil
}

type stubSynthesizer struct{}

func (stubSynthesizer) Synthesize(ctx context.Context, text string, voiceID string) ([]byte, error) {
	return []byte("audio-for:" + text), nil
}

func newTestExecutor(onResult func(callID string, r model.PipelineResult)) *Executor {
	deps := Dependencies{
		Decoder:     byteDecoder{},
		Recognizer:  stubRecognizer{text: "do you want a loan today"},
		Classifier:  stubClassifier{category: model.CategoryLoanOffer, tone: model.ToneNeutral},
		Generator:   stubGenerator{},
		Synthesizer: stubSynthesizer{},
		Profile:     func(userID string) PersonalityProfile { return PersonalityProfile{UserID: userID, VoiceID: "v1"} },
	}
	return NewExecutor(deps, DefaultConfig(), onResult)
}

func silentChunk(callID string, seq uint64) model.AudioChunk {
	return model.AudioChunk{
		ID:             callID + "-seq",
		CallID:         callID,
		Timestamp:      time.Now(),
		SequenceNumber: seq,
		Payload:        make([]byte, 320),
		SampleRate:     16000,
		ChannelCount:   1,
		Encoding:       model.EncodingPCM,
	}
}

func loudChunk(callID string, seq uint64) model.AudioChunk {
	c := silentChunk(callID, seq)
	for i := range c.Payload {
		c.Payload[i] = 0xFF
	}
	return c
}

func TestSilenceShortCircuits(t *testing.T) {
	results := make(chan model.PipelineResult, 1)
	exec := newTestExecutor(func(callID string, r model.PipelineResult) { results <- r })

	if err := exec.StartCall("call-1", "user-1", time.Now()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer exec.EndCall("call-1")

	if err := exec.Submit(silentChunk("call-1", 1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case r := <-results:
		if !r.IsSilence() {
			t.Errorf("expected silence result, got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline result")
	}
}

func TestHappyPathProducesResponse(t *testing.T) {
	results := make(chan model.PipelineResult, 1)
	exec := newTestExecutor(func(callID string, r model.PipelineResult) { results <- r })

	if err := exec.StartCall("call-2", "user-1", time.Now()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer exec.EndCall("call-2")

	if err := exec.Submit(loudChunk("call-2", 1)); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case r := <-results:
		if !r.HasTranscript || r.Transcript == "" {
			t.Errorf("expected a transcript, got %+v", r)
		}
		if r.Intent == nil || r.Intent.Category != model.CategoryLoanOffer {
			t.Errorf("expected loanOffer intent, got %+v", r.Intent)
		}
		if r.Response == nil {
			t.Fatal("expected a response")
		}
		if r.Response.Strategy != model.StrategyPoliteDecline {
			t.Errorf("expected politeDecline on first message, got %s", r.Response.Strategy)
		}
		if r.Response.Text != "Not interested, please remove this number." {
			t.Errorf("expected post-processed response text, got %q", r.Response.Text)
		}
		if len(r.ResponseAudio) == 0 {
			t.Error("expected synthesized audio")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pipeline result")
	}
}

func TestPersistenceEscalatesAcrossFiveMessages(t *testing.T) {
	results := make(chan model.PipelineResult, 5)
	exec := newTestExecutor(func(callID string, r model.PipelineResult) { results <- r })

	if err := exec.StartCall("call-3", "user-1", time.Now()); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	defer exec.EndCall("call-3")

	want := []model.ResponseStrategy{
		model.StrategyPoliteDecline,
		model.StrategyPoliteDecline,
		model.StrategyPoliteDecline,
		model.StrategyFirmRejection,
		model.StrategyCallTermination,
	}

	for i := 1; i <= 5; i++ {
		if err := exec.Submit(loudChunk("call-3", uint64(i))); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}

	for i, expect := range want {
		select {
		case r := <-results:
			if r.Response == nil {
				t.Fatalf("message %d: expected a response", i+1)
			}
			if r.Response.Strategy != expect {
				t.Errorf("message %d: expected strategy %s, got %s", i+1, expect, r.Response.Strategy)
			}
			if expect == model.StrategyCallTermination && !r.Response.ShouldTerminate {
				t.Errorf("message %d: expected ShouldTerminate", i+1)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i+1)
		}
	}
}

func TestSubmitToUnknownCallFails(t *testing.T) {
	exec := newTestExecutor(func(string, model.PipelineResult) {})
	err := exec.Submit(loudChunk("ghost-call", 1))
	if err == nil {
		t.Fatal("expected error submitting to an unstarted call")
	}
	if kind, ok := model.KindOf(err); !ok || kind != model.ErrValidation {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
