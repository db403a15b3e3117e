package perfctl

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// Config bounds the controller's buffers, caches, and optimization loop.
type Config struct {
	BufferSize          int
	CacheCapacity       int
	CacheTTL            time.Duration
	MaxLatencyMs        float64
	OptimizationInterval time.Duration
	TriggerCooldown     time.Duration
}

func DefaultConfig() Config {
	return Config{
		BufferSize:           32,
		CacheCapacity:        512,
		CacheTTL:             2 * time.Minute,
		MaxLatencyMs:         800,
		OptimizationInterval: 10 * time.Second,
		TriggerCooldown:      5 * time.Second,
	}
}

// callState is the per-call bookkeeping the controller owns: one ring
// buffer, one latency tracker, one quality ladder position. Exactly one
// pipeline worker reads/writes a given call's state, per design §5's
// shared-resource policy, so no per-call lock is needed here — the
// controller's own map access is what's guarded.
type callState struct {
	buffer  *RingBuffer
	latency LatencyTracker
	quality *QualityState

	lastTriggerAt time.Time
}

// CachedResponse is what the response cache stores: everything a cache
// hit needs to short-circuit the pipeline without re-running it.
type CachedResponse struct {
	Transcript string
	Intent     model.Intent
	Response   model.Response
}

// Controller is design §4.8's Performance Controller: ring buffers and
// quality state per call, three caches shared across every call, and an
// optimization loop that runs independently of any one call's worker.
type Controller struct {
	cfg Config

	mu    sync.Mutex
	calls map[string]*callState

	responseCache   *LRUCache[CachedResponse]
	transcriptCache *LRUCache[string]
	intentCache     *LRUCache[model.Intent]

	globalLatency LatencyTracker
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:             cfg,
		calls:           make(map[string]*callState),
		responseCache:   NewLRUCache[CachedResponse](cfg.CacheCapacity, cfg.CacheTTL),
		transcriptCache: NewLRUCache[string](cfg.CacheCapacity, cfg.CacheTTL),
		intentCache:     NewLRUCache[model.Intent](cfg.CacheCapacity, cfg.CacheTTL),
	}
}

func (c *Controller) stateFor(callID string) *callState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.calls[callID]
	if !ok {
		s = &callState{buffer: NewRingBuffer(c.cfg.BufferSize), quality: NewQualityState()}
		c.calls[callID] = s
	}
	return s
}

// EndCall drops a call's ring buffer and quality state; the shared caches
// are untouched since other calls may still benefit from their entries.
func (c *Controller) EndCall(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, callID)
}

// CacheKey hashes the fields design §4.8 names for the response/
// transcript/intent caches: callId, an audio prefix, sample rate, and
// channel count. Grounded on the envelope package's crc32 checksum idiom
// rather than introducing a second hashing scheme.
func CacheKey(callID string, audioPrefix []byte, sampleRate, channels int) string {
	h := crc32.NewIEEE()
	h.Write([]byte(callID))
	n := len(audioPrefix)
	if n > 32 {
		n = 32
	}
	h.Write(audioPrefix[:n])
	h.Write([]byte(strconv.Itoa(sampleRate)))
	h.Write([]byte(strconv.Itoa(channels)))
	return strconv.FormatUint(uint64(h.Sum32()), 16)
}

// Lookup checks the response cache for key, returning the cached result
// on a hit so the pipeline can be skipped entirely for this chunk.
func (c *Controller) Lookup(key string, now time.Time) (CachedResponse, bool) {
	return c.responseCache.Get(key, now)
}

// StoreIfEligible inserts into all three caches when the producing chunk
// met the quality gate: it produced both a transcript and a response
// within Config.MaxLatencyMs.
func (c *Controller) StoreIfEligible(key string, result CachedResponse, latencyMs float64, now time.Time) {
	if result.Transcript == "" || result.Response.Text == "" {
		return
	}
	if latencyMs > c.cfg.MaxLatencyMs {
		return
	}
	c.responseCache.Put(key, result, now)
	c.transcriptCache.Put(key, result.Transcript, now)
	c.intentCache.Put(key, result.Intent, now)
}

// Admit checks a call's ring buffer utilization before admitting
// chunkID, sleeping BackpressureDelay when utilization exceeds 0.9 per
// design §4.8's backpressure rule, then pushes the chunk and returns its
// current quality tier.
func (c *Controller) Admit(callID, chunkID string) Tier {
	s := c.stateFor(callID)
	if s.buffer.Utilization() > 0.9 {
		time.Sleep(BackpressureDelay)
	}
	s.buffer.Push(chunkID)
	return s.quality.Current()
}

// Complete records a chunk's outcome: pops the buffer, folds the latency
// sample into both the per-call and global trackers, re-evaluates the
// call's quality tier, and fires optimizationTriggered when the chunk
// itself exceeded MaxLatencyMs.
func (c *Controller) Complete(callID string, latencyMs float64, now time.Time) (Tier, bool) {
	s := c.stateFor(callID)
	s.buffer.Pop()
	s.latency.Observe(latencyMs)

	c.mu.Lock()
	c.globalLatency.Observe(latencyMs)
	c.mu.Unlock()

	changed := s.quality.Adapt(s.latency.Average())

	triggered := false
	if latencyMs > c.cfg.MaxLatencyMs && now.Sub(s.lastTriggerAt) > c.cfg.TriggerCooldown {
		s.lastTriggerAt = now
		c.optimizationTriggered(s)
		triggered = true
	}

	return s.quality.Current(), changed || triggered
}

// optimizationTriggered implements design §4.8's per-chunk trigger:
// downgrade that call's quality, clear all caches once, and compact its
// buffer. The cooldown that bounds repeated cache-clears (left
// unspecified in the design) is enforced by the caller via
// lastTriggerAt.
func (c *Controller) optimizationTriggered(s *callState) {
	s.quality.Downgrade()
	c.responseCache.Clear()
	c.transcriptCache.Clear()
	c.intentCache.Clear()
	s.buffer.Compact()
}

// RunOptimizationLoop blocks, periodically inspecting global averages
// and the cache hygiene tasks of design §4.8's two background loops,
// until ctx-equivalent stop is closed. Intended to be run in its own
// goroutine from the composition root.
func (c *Controller) RunOptimizationLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.OptimizationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.runOnce(time.Now())
		}
	}
}

func (c *Controller) runOnce(now time.Time) {
	c.mu.Lock()
	globalAvg := c.globalLatency.Average()
	c.mu.Unlock()

	if globalAvg > c.cfg.MaxLatencyMs*0.8 {
		c.shrinkCaches()
		c.downgradeWorstCalls()
	}

	c.responseCache.PruneExpired(now)
	c.transcriptCache.PruneExpired(now)
	c.intentCache.PruneExpired(now)
}

func (c *Controller) shrinkCaches() {
	shrink := func(capacity int) int {
		reduced := capacity * 3 / 4
		if reduced < 1 {
			reduced = 1
		}
		return reduced
	}
	c.responseCache.Resize(shrink(c.cfg.CacheCapacity))
	c.transcriptCache.Resize(shrink(c.cfg.CacheCapacity))
	c.intentCache.Resize(shrink(c.cfg.CacheCapacity))
}

// downgradeWorstCalls steps down the quality tier of every call whose
// rolling average latency exceeds the global average, the calls most
// responsible for the system running hot.
func (c *Controller) downgradeWorstCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	globalAvg := c.globalLatency.Average()
	for _, s := range c.calls {
		if s.latency.Average() > globalAvg {
			s.quality.Downgrade()
		}
	}
}

// HitRates returns the three caches' lifetime hit rates for observability
// gauges (response, transcript, intent, in that order).
func (c *Controller) HitRates() (response, transcript, intent float64) {
	return c.responseCache.HitRate(), c.transcriptCache.HitRate(), c.intentCache.HitRate()
}
