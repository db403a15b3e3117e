package pipeline

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/breaker"
	"github.com/ninjacall/voicecore/internal/model"
)

// Dependencies are the external black boxes design §4.6 wires stages 1,
// 3, 4, 5, and 6 to. Supplying test doubles here is how this package is
// exercised without a real speech/LLM/TTS stack.
type Dependencies struct {
	Decoder     AudioDecoder
	Recognizer  Recognizer
	Classifier  IntentClassifier
	Generator   ResponseGenerator
	Synthesizer Synthesizer
	// Profile resolves a user's voice/tone configuration. Never nil in
	// practice; a zero-value PersonalityProfile is a harmless default.
	Profile func(userID string) PersonalityProfile
}

// Config bounds one call worker's behavior.
type Config struct {
	MaxQueueSize int
	SpeechGate   SpeechGateConfig
	StageTimeout time.Duration
	Breaker      breaker.Config
	// OnStageLatency, if set, is called after each of the five timed
	// stages ("preprocess", "recognizer", "intent", "response", "synth")
	// with that stage's duration in milliseconds, so a caller can feed a
	// latency monitor without this package depending on one.
	OnStageLatency func(stage string, latencyMs float64)
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 50,
		SpeechGate:   DefaultSpeechGateConfig(),
		StageTimeout: 3 * time.Second,
		Breaker:      breaker.DefaultConfig(),
	}
}

// stageBreakers holds one circuit breaker per external dependency. These
// are shared across every call's worker, since they track the health of
// the dependency itself, not of any one call — matching the teacher's
// single process-wide sendHealth breaker generalized to four dependencies.
type stageBreakers struct {
	recognize  *breaker.Breaker
	classify   *breaker.Breaker
	generate   *breaker.Breaker
	synthesize *breaker.Breaker
}

func newStageBreakers(cfg breaker.Config) *stageBreakers {
	return &stageBreakers{
		recognize:  breaker.New("recognizer", cfg),
		classify:   breaker.New("intent-classifier", cfg),
		generate:   breaker.New("response-generator", cfg),
		synthesize: breaker.New("synthesizer", cfg),
	}
}

// Worker processes audio chunks for exactly one call, strictly in
// sequence-number order, one at a time. It is the per-call analogue of the
// teacher's one-goroutine-per-client model.
type Worker struct {
	callID, userID string
	deps           Dependencies
	cfg            Config
	breakers       *stageBreakers
	state          *CallState
	onResult       func(model.PipelineResult)

	mu      sync.Mutex
	pending chunkHeap
	signal  chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

func newWorker(callID, userID string, deps Dependencies, cfg Config, breakers *stageBreakers, onResult func(model.PipelineResult), now time.Time) *Worker {
	w := &Worker{
		callID:   callID,
		userID:   userID,
		deps:     deps,
		cfg:      cfg,
		breakers: breakers,
		state:    NewCallState(callID, userID, now),
		onResult: onResult,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	heap.Init(&w.pending)
	return w
}

// submit enqueues chunk, rejecting it with ErrBackpressure if the queue is
// already at MaxQueueSize, per design §4.6's backpressure rule.
func (w *Worker) submit(chunk model.AudioChunk) error {
	w.mu.Lock()
	if len(w.pending) >= w.cfg.MaxQueueSize {
		w.mu.Unlock()
		return model.ErrBackpressuref(queueFullError{w.callID, w.cfg.MaxQueueSize})
	}
	heap.Push(&w.pending, chunk)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) popNext() (model.AudioChunk, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return model.AudioChunk{}, false
	}
	return heap.Pop(&w.pending).(model.AudioChunk), true
}

// run is the worker's goroutine body: pop the lowest-sequence chunk,
// process it fully, deliver the result, repeat until stopped.
func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		for {
			chunk, ok := w.popNext()
			if !ok {
				break
			}
			result := w.process(ctx, chunk)
			if w.onResult != nil {
				w.onResult(result)
			}
		}
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-w.signal:
		}
	}
}

func (w *Worker) requestStop() {
	close(w.stop)
	<-w.done
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

func (w *Worker) reportStage(stage string, start time.Time) {
	if w.cfg.OnStageLatency != nil {
		w.cfg.OnStageLatency(stage, msSince(start))
	}
}

// process runs chunk through the six ordered stages of design §4.6,
// stopping early at the silence short-circuit or at a fatal decode
// failure, and applying the per-stage failure policy described there:
// recognizer/synthesizer failures soft-degrade (the chunk still produces
// a result), classifier/generator failures fall back to a deterministic
// default rather than failing the chunk.
func (w *Worker) process(ctx context.Context, chunk model.AudioChunk) model.PipelineResult {
	start := time.Now()
	prefix := chunk.Payload
	if len(prefix) > 32 {
		prefix = prefix[:32]
	}
	result := model.PipelineResult{
		ChunkID:      chunk.ID,
		CallID:       chunk.CallID,
		Timestamp:    chunk.Timestamp,
		SampleRate:   chunk.SampleRate,
		ChannelCount: chunk.ChannelCount,
		AudioPrefix:  prefix,
	}

	stageStart := time.Now()
	frame, err := preprocess(w.deps.Decoder, chunk)
	if err != nil {
		w.reportStage("preprocess", stageStart)
		result.ProcessingLatencyMs = msSince(start)
		return result
	}

	if !speechGate(w.cfg.SpeechGate, w.state, frame) {
		w.reportStage("preprocess", stageStart)
		result.ProcessingLatencyMs = msSince(start)
		return result
	}
	w.reportStage("preprocess", stageStart)

	stageCtx, cancel := context.WithTimeout(ctx, w.cfg.StageTimeout)
	defer cancel()

	stageStart = time.Now()
	var rec RecognitionResult
	err = w.breakers.recognize.Execute(stageCtx, func(ctx context.Context) error {
		var e error
		rec, e = w.deps.Recognizer.Recognize(ctx, frame, chunk.SampleRate)
		return e
	})
	w.reportStage("recognizer", stageStart)
	if err != nil {
		w.state.StageFailures++
		result.ProcessingLatencyMs = msSince(start)
		return result
	}

	result.Transcript = rec.Text
	result.HasTranscript = rec.Text != ""
	if !result.HasTranscript {
		result.ProcessingLatencyMs = msSince(start)
		return result
	}

	w.state.RecordTranscript(rec.Text)
	w.state.MessageCount++
	w.state.LastChunkAt = chunk.Timestamp

	hints := IntentHints{
		RecentTranscripts: w.state.RecentTranscripts,
		RecentIntents:     w.state.RecentIntents,
		CallDurationMs:    float64(w.state.Duration(chunk.Timestamp).Milliseconds()),
		MessageCount:      w.state.MessageCount,
	}

	stageStart = time.Now()
	var intent model.Intent
	err = w.breakers.classify.Execute(stageCtx, func(ctx context.Context) error {
		var e error
		intent, e = w.deps.Classifier.Classify(ctx, rec.Text, hints)
		return e
	})
	w.reportStage("intent", stageStart)
	if err != nil {
		w.state.StageFailures++
		intent = fallbackIntent(rec.Text)
	}
	result.Intent = &intent
	w.state.RecordIntent(intent.Category)

	strategy := escalationStrategy(w.state.MessageCount, w.state.Duration(chunk.Timestamp), intent.EmotionalTone)

	var profile PersonalityProfile
	if w.deps.Profile != nil {
		profile = w.deps.Profile(w.userID)
	}

	stageStart = time.Now()
	var resp model.Response
	err = w.breakers.generate.Execute(stageCtx, func(ctx context.Context) error {
		var e error
		resp, e = w.deps.Generator.Generate(ctx, intent, w.state.RecentTranscripts, profile, strategy)
		return e
	})
	w.reportStage("response", stageStart)
	if err != nil {
		w.state.StageFailures++
		resp = fallbackResponse(strategy)
	}
	resp.Strategy = strategy
	resp.Text = postProcessResponse(resp.Text)
	resp.ShouldTerminate = shouldTerminate(resp, rec.Text)
	result.Response = &resp

	stageStart = time.Now()
	var audio []byte
	err = w.breakers.synthesize.Execute(stageCtx, func(ctx context.Context) error {
		var e error
		audio, e = w.deps.Synthesizer.Synthesize(ctx, resp.Text, profile.VoiceID)
		return e
	})
	w.reportStage("synth", stageStart)
	if err == nil {
		result.ResponseAudio = audio
	} else {
		w.state.StageFailures++
	}

	result.ProcessingLatencyMs = msSince(start)
	return result
}

type queueFullError struct {
	callID string
	size   int
}

func (e queueFullError) Error() string {
	return fmt.Sprintf("call %s pipeline queue is full at %d chunks", e.callID, e.size)
}
