// Command voicecore is the process composition root: it wires the
// session/transport fabric, the per-call pipeline executor, the
// adaptive performance controller, the latency monitor, the
// user-facing session manager, and the durable store into one running
// server. Grounded on the teacher's server/main.go (flag-based
// configuration, signal-driven graceful shutdown, periodic ticker
// goroutines for housekeeping).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/ninjacall/voicecore/internal/audiocodec"
	"github.com/ninjacall/voicecore/internal/breaker"
	"github.com/ninjacall/voicecore/internal/engineclient"
	"github.com/ninjacall/voicecore/internal/envelope"
	"github.com/ninjacall/voicecore/internal/model"
	"github.com/ninjacall/voicecore/internal/monitor"
	"github.com/ninjacall/voicecore/internal/perfctl"
	"github.com/ninjacall/voicecore/internal/pipeline"
	"github.com/ninjacall/voicecore/internal/pool"
	"github.com/ninjacall/voicecore/internal/signaling"
	"github.com/ninjacall/voicecore/internal/store"
	"github.com/ninjacall/voicecore/internal/transport"
	"github.com/ninjacall/voicecore/internal/usersession"
)

func main() {
	addr := flag.String("addr", ":8443", "HTTP/WebSocket listen address")
	dbPath := flag.String("db", "voicecore.db", "SQLite database path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	recognizerURL := flag.String("recognizer-url", "http://localhost:9001/recognize", "upstream speech-recognition endpoint")
	classifierURL := flag.String("classifier-url", "http://localhost:9002/classify", "upstream intent-classification endpoint")
	generatorURL := flag.String("generator-url", "http://localhost:9003/generate", "upstream response-generation endpoint")
	synthesizerURL := flag.String("synthesizer-url", "http://localhost:9004/synthesize", "upstream speech-synthesis endpoint")
	engineTimeout := flag.Duration("engine-timeout", 2*time.Second, "per-request timeout for external engine calls")
	maxQueuePerCall := flag.Int("max-queue-per-call", 50, "max buffered audio chunks per call before backpressure")
	maxLatencyMs := flag.Float64("max-latency-ms", 800, "per-chunk latency budget before the performance controller downgrades a call")
	resourceInterval := flag.Duration("resource-sample-interval", 5*time.Second, "CPU/memory sampling interval for the latency monitor")
	sweepInterval := flag.Duration("sweep-interval", 30*time.Second, "interval for session/pool/transport idle sweeps")
	optimizeInterval := flag.Duration("optimize-interval", 10*time.Second, "interval for the performance controller's background optimization pass")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(logger)

	st, err := store.Open(*dbPath, logger)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	connPool := pool.New(pool.DefaultConfig())
	recognizer := engineclient.RecognizerClient{Client: engineclient.New("recognizer", *recognizerURL, connPool, *engineTimeout, uuid.NewString)}
	classifier := engineclient.ClassifierClient{Client: engineclient.New("classifier", *classifierURL, connPool, *engineTimeout, uuid.NewString)}
	generator := engineclient.GeneratorClient{Client: engineclient.New("generator", *generatorURL, connPool, *engineTimeout, uuid.NewString)}
	synthesizer := engineclient.SynthesizerClient{Client: engineclient.New("synthesizer", *synthesizerURL, connPool, *engineTimeout, uuid.NewString)}
	decoder := audiocodec.New()

	perfCfg := perfctl.DefaultConfig()
	perfCfg.MaxLatencyMs = *maxLatencyMs
	perfCfg.OptimizationInterval = *optimizeInterval
	perf := perfctl.New(perfCfg)

	mon := monitor.New(monitor.DefaultConfig(),
		func(bottlenecks []monitor.Bottleneck) {
			for _, b := range bottlenecks {
				logger.Warn("pipeline bottleneck detected", "stage", b.Stage, "p95Ms", b.P95, "targetMs", b.TargetMs, "recommendations", b.Recommendations)
			}
		},
		func(sample monitor.ResourceSample) {
			logger.Warn("resource alert", "cpuPercent", sample.CPUPercent, "memoryPercent", sample.MemoryPercent)
		},
	)

	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.MaxQueueSize = *maxQueuePerCall
	pipelineCfg.Breaker = breaker.DefaultConfig()
	pipelineCfg.OnStageLatency = func(stage string, latencyMs float64) {
		mon.Record(monitor.Stage(stage), latencyMs)
	}

	// executor is declared before assignment so the onResult callback below
	// can call back into it (CallState) once it is running; the callback
	// only ever fires after NewExecutor returns and a call is underway.
	var executor *pipeline.Executor
	executor = pipeline.NewExecutor(pipeline.Dependencies{
		Decoder:     decoder,
		Recognizer:  recognizer,
		Classifier:  classifier,
		Generator:   generator,
		Synthesizer: synthesizer,
		Profile:     profileForUser,
	}, pipelineCfg, func(callID string, result model.PipelineResult) {
		now := time.Now()
		tier, _ := perf.Complete(callID, result.ProcessingLatencyMs, now)

		key := perfctl.CacheKey(callID, result.AudioPrefix, result.SampleRate, result.ChannelCount)
		cached := perfctl.CachedResponse{Transcript: result.Transcript}
		if result.Intent != nil {
			cached.Intent = *result.Intent
		}
		if result.Response != nil {
			cached.Response = *result.Response
		}
		perf.StoreIfEligible(key, cached, result.ProcessingLatencyMs, now)

		if state, ok := executor.CallState(callID); ok {
			if err := st.PutCallSnapshot(store.CallSnapshot{
				CallID:        callID,
				UserID:        state.UserID,
				MessageCount:  state.MessageCount,
				QualityTier:   tier.Name,
				StartedAt:     state.StartedAt,
				LastChunkAt:   state.LastChunkAt,
				StageFailures: state.StageFailures,
			}); err != nil {
				logger.Warn("call snapshot persist failed", "callId", callID, "error", err)
			}
		}
	})

	hub := signaling.New(signaling.DefaultConfig())
	transportMgr := transport.NewManager(transport.DefaultConfig())
	sessions := usersession.NewManager(usersession.DefaultConfig(), st)

	envelopeConns := newConnRegistry()
	dedup := envelope.NewDedupTracker()
	reliability := envelope.NewReliability(envelope.DefaultReliabilityConfig(),
		func(envelopeID, connectionID string) {
			logger.Warn("envelope delivery failed after retries", "envelopeId", envelopeID, "connectionId", connectionID)
		},
		func(latency time.Duration) { mon.Record(monitor.StagePreprocess, float64(latency.Milliseconds())) },
		func(envelopeID string, attempt int) { logger.Debug("envelope retransmit", "envelopeId", envelopeID, "attempt", attempt) },
	)
	registry := envelope.NewRegistry(func(env *envelope.Envelope, connectionID string) {
		logger.Debug("unhandled envelope type emitted as event", "type", env.Type, "connectionId", connectionID)
	})
	registerHandlers(registry, executor, perf, st, hub)

	mux := transport.NewMux(transport.MuxConfig{
		Manager: transportMgr,
		Admission: func(r *http.Request) (userID, callID, sessionID string, err error) {
			return admitRequest(r, sessions, executor)
		},
		OnSession: func(sess *transport.Session) {
			snap := sess.Snapshot()
			logger.Info("session admitted", "sessionId", snap.SessionID)
			peers, err := hub.Join(snap.SessionID, snap.UserID, snap.CallID, snap.CallID, hubPeerHandle{send: sess.SendControl}, time.Now())
			if err != nil {
				logger.Debug("room join rejected", "sessionId", snap.SessionID, "error", err)
				return
			}
			isInitiator := len(peers) == 1
			if perr := st.PutPeerMembership(store.PeerMembership{
				RoomID: snap.CallID, PeerID: snap.SessionID, UserID: snap.UserID, CallID: snap.CallID,
				IsInitiator: isInitiator, JoinedAt: time.Now(),
			}); perr != nil {
				logger.Warn("peer membership persist failed", "sessionId", snap.SessionID, "error", perr)
			}
		},
		OnFrame: func(sess *transport.Session, frame []byte) {
			sessionID := sess.Snapshot().SessionID
			conn := envelopeConns.connFor(sessionID, registry, dedup, reliability, sess.SendControl)
			if _, err := conn.Receive(frame); err != nil {
				logger.Debug("envelope rejected", "sessionId", sessionID, "error", err)
			}
		},
		OnClose: func(sess *transport.Session) {
			snap := sess.Snapshot()
			envelopeConns.drop(snap.SessionID)
			hub.Leave(snap.SessionID, time.Now())
			if err := st.DeletePeerMembership(snap.CallID, snap.SessionID); err != nil {
				logger.Warn("peer membership cleanup failed", "sessionId", snap.SessionID, "error", err)
			}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	go runSweeps(ctx, *sweepInterval, sessions, transportMgr, reliability, mon)
	go perf.RunOptimizationLoop(ctx.Done())
	go mon.RunResourceLoop(*resourceInterval, sampleResources, ctx.Done())

	logger.Info("voicecore listening", "addr", *addr)
	if err := mux.Start(*addr); err != nil && ctx.Err() == nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// profileForUser resolves a user's voice/tone configuration. A real
// deployment would look this up from user preferences; defaults are a
// harmless stand-in since personality tuning is out of this core's
// scope.
func profileForUser(userID string) pipeline.PersonalityProfile {
	return pipeline.PersonalityProfile{UserID: userID, VoiceID: "default", Tone: model.ToneNeutral}
}

// hubPeerHandle adapts a session's control-frame sender to signaling.PeerHandle
// by wrapping each relayed SignalingMessage in an envelope of the matching
// webrtc_* type, so offer/answer/ICE forwarding rides the same framed
// transport as every other message instead of a side channel.
type hubPeerHandle struct {
	send func(frame []byte) error
}

func (h hubPeerHandle) Deliver(msg signaling.SignalingMessage) error {
	typ := envelope.TypeConnectionStatus
	switch signaling.ForwardKind(msg.Type) {
	case signaling.KindOffer:
		typ = envelope.TypeWebRTCOffer
	case signaling.KindAnswer:
		typ = envelope.TypeWebRTCAnswer
	case signaling.KindCandidate:
		typ = envelope.TypeWebRTCICE
	}
	env, err := envelope.New(typ, msg, envelope.BuildOptions{})
	if err != nil {
		return err
	}
	frame, err := env.Marshal()
	if err != nil {
		return err
	}
	return h.send(frame)
}

func registerHandlers(registry *envelope.Registry, executor *pipeline.Executor, perf *perfctl.Controller, st store.Store, hub *signaling.Hub) {
	forward := func(kind signaling.ForwardKind) envelope.Handler {
		return func(env *envelope.Envelope, connectionID string) (envelope.HandlerResult, error) {
			payload, err := env.DecodedPayload()
			if err != nil {
				return envelope.HandlerResult{}, err
			}
			var msg signaling.SignalingMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				return envelope.HandlerResult{}, err
			}
			if err := hub.Forward(connectionID, msg.TargetPeerID, kind, msg.Data, time.Now()); err != nil {
				return envelope.HandlerResult{}, err
			}
			return envelope.HandlerResult{Handled: true}, nil
		}
	}
	registry.Register(envelope.TypeWebRTCOffer, forward(signaling.KindOffer))
	registry.Register(envelope.TypeWebRTCAnswer, forward(signaling.KindAnswer))
	registry.Register(envelope.TypeWebRTCICE, forward(signaling.KindCandidate))

	registry.Register(envelope.TypeAudioChunk, func(env *envelope.Envelope, connectionID string) (envelope.HandlerResult, error) {
		payload, err := env.DecodedPayload()
		if err != nil {
			return envelope.HandlerResult{}, err
		}
		var chunk model.AudioChunk
		if err := json.Unmarshal(payload, &chunk); err != nil {
			return envelope.HandlerResult{}, err
		}

		key := perfctl.CacheKey(chunk.CallID, chunk.Payload, chunk.SampleRate, chunk.ChannelCount)
		if cached, ok := perf.Lookup(key, time.Now()); ok {
			intent, resp := cached.Intent, cached.Response
			return envelope.HandlerResult{Handled: true, Data: model.PipelineResult{
				ChunkID:       chunk.ID,
				CallID:        chunk.CallID,
				Timestamp:     time.Now(),
				Transcript:    cached.Transcript,
				HasTranscript: cached.Transcript != "",
				Intent:        &intent,
				Response:      &resp,
			}}, nil
		}

		tier := perf.Admit(chunk.CallID, chunk.ID)
		if err := executor.Submit(chunk); err != nil {
			return envelope.HandlerResult{}, err
		}
		return envelope.HandlerResult{Handled: true, Data: tier}, nil
	})

	registry.Register(envelope.TypeSessionRecovery, func(env *envelope.Envelope, connectionID string) (envelope.HandlerResult, error) {
		payload, err := env.DecodedPayload()
		if err != nil {
			return envelope.HandlerResult{}, err
		}
		var req struct{ CallID string `json:"callId"` }
		if err := json.Unmarshal(payload, &req); err != nil {
			return envelope.HandlerResult{}, err
		}
		snap, ok, err := st.GetCallSnapshot(req.CallID)
		if err != nil {
			return envelope.HandlerResult{}, err
		}
		return envelope.HandlerResult{Handled: true, Data: struct {
			Found    bool               `json:"found"`
			Snapshot store.CallSnapshot `json:"snapshot,omitempty"`
		}{ok, snap}}, nil
	})
}

// admitRequest performs the admission checks a new transport connection
// must pass before it gets a Session: a valid device-bound user
// session, after which the call's pipeline is started. Room membership
// is joined later, in OnSession. Real deployments would extract these
// from an authenticated token; auth token issuance is out of scope
// here, so the query parameters stand in for an already-verified
// identity.
func admitRequest(r *http.Request, sessions *usersession.Manager, executor *pipeline.Executor) (userID, callID, sessionID string, err error) {
	q := r.URL.Query()
	userID = q.Get("userId")
	callID = q.Get("callId")
	deviceFingerprint := q.Get("deviceFingerprint")
	existingSessionID := q.Get("sessionId")

	if userID == "" || callID == "" || deviceFingerprint == "" {
		return "", "", "", fmt.Errorf("admitRequest: missing userId/callId/deviceFingerprint")
	}

	now := time.Now()
	if existingSessionID != "" {
		sess, verr := sessions.Validate(existingSessionID, deviceFingerprint, now)
		if verr != nil {
			return "", "", "", verr
		}
		sessionID = sess.SessionID
	} else {
		sess, evicted := sessions.Create(userID, deviceFingerprint, now)
		if evicted != "" {
			slog.Default().Info("evicted oldest session over per-user cap", "userId", userID, "evictedSessionId", evicted)
		}
		sessionID = sess.SessionID
	}

	// StartCall's only error is a duplicate-call rejection; a second
	// transport connection joining an already-running call (a hybrid
	// upgrade, or a reconnect) is expected, not a failure.
	_ = executor.StartCall(callID, userID, now)

	return userID, callID, sessionID, nil
}

func runSweeps(ctx context.Context, interval time.Duration, sessions *usersession.Manager, transportMgr *transport.Manager, reliability *envelope.Reliability, mon *monitor.Monitor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := sessions.Sweep(now)
			if removed > 0 {
				slog.Default().Info("swept expired user sessions", "count", removed)
			}
			transportMgr.Sweep(now)
			reliability.Sweep(now)
			mon.DetectBottlenecks()
		}
	}
}

// connRegistry caches one envelope.Conn per live transport session, so
// repeated inbound frames on the same connection reuse the same dedup
// and reliability binding rather than allocating a throwaway Conn per
// frame — and so dedup state is released via drop once the session
// closes instead of growing unboundedly for the server's lifetime.
type connRegistry struct {
	mu    sync.Mutex
	conns map[string]*envelope.Conn
}

func newConnRegistry() *connRegistry {
	return &connRegistry{conns: make(map[string]*envelope.Conn)}
}

func (r *connRegistry) connFor(sessionID string, registry *envelope.Registry, dedup *envelope.DedupTracker, rel *envelope.Reliability, send func([]byte) error) *envelope.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[sessionID]; ok {
		return c
	}
	c := envelope.NewConn(sessionID, registry, dedup, rel, send)
	r.conns[sessionID] = c
	return c
}

func (r *connRegistry) drop(sessionID string) {
	r.mu.Lock()
	c, ok := r.conns[sessionID]
	delete(r.conns, sessionID)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// sampleResources reports the process's own CPU/memory usage. A real
// deployment would read from the OS or a metrics agent; metrics
// exporters and OS-level resource collection are out of scope for this
// core, so this reports a neutral, never-alerting sample by default.
func sampleResources() monitor.ResourceSample {
	return monitor.ResourceSample{CPUPercent: 0, MemoryPercent: 0, SampledAt: time.Now()}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
