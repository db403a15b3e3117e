package perfctl

import (
	"testing"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

func TestRingBufferOverrunsOnOverflow(t *testing.T) {
	r := NewRingBuffer(2)
	r.Push("a")
	r.Push("b")
	r.Push("c") // displaces "a"

	if r.Overruns != 1 {
		t.Errorf("expected 1 overrun, got %d", r.Overruns)
	}
	if got, _ := r.Pop(); got != "b" {
		t.Errorf("expected oldest surviving entry 'b', got %q", got)
	}
}

func TestRingBufferUtilization(t *testing.T) {
	r := NewRingBuffer(10)
	for i := 0; i < 9; i++ {
		r.Push("x")
	}
	if u := r.Utilization(); u < 0.9 {
		t.Errorf("expected utilization >= 0.9, got %f", u)
	}
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string](2, time.Minute)
	now := time.Now()
	c.Put("a", "1", now)
	c.Put("b", "2", now)
	c.Get("a", now) // touch a, making b the LRU
	c.Put("c", "3", now)

	if _, ok := c.Get("b", now); ok {
		t.Error("expected b evicted as least-recently-used")
	}
	if v, ok := c.Get("a", now); !ok || v != "1" {
		t.Error("expected a to survive eviction")
	}
}

func TestLRUCacheExpiresByTTL(t *testing.T) {
	c := NewLRUCache[string](4, time.Second)
	now := time.Now()
	c.Put("a", "1", now)

	if _, ok := c.Get("a", now.Add(2*time.Second)); ok {
		t.Error("expected entry to expire past its TTL")
	}
}

func TestQualityStateAdaptDowngradesOnHighLatency(t *testing.T) {
	q := NewQualityState()
	start := q.Current()

	changed := q.Adapt(start.LatencyTargetMs + 1)

	if !changed {
		t.Fatal("expected a tier change")
	}
	if q.Current().LatencyTargetMs <= start.LatencyTargetMs {
		t.Errorf("expected a looser latency target after downgrade, got %+v", q.Current())
	}
}

func TestQualityStateAdaptUpgradesOnLowLatency(t *testing.T) {
	q := NewQualityState()
	start := q.Current()

	changed := q.Adapt(start.LatencyTargetMs * 0.1)

	if !changed {
		t.Fatal("expected a tier change")
	}
	if q.Current().LatencyTargetMs >= start.LatencyTargetMs {
		t.Errorf("expected a tighter latency target after upgrade, got %+v", q.Current())
	}
}

func TestCodecSelectionByBitrate(t *testing.T) {
	cases := []struct {
		kbps int
		want model.AudioEncoding
	}{
		{48, model.EncodingOpus},
		{32, model.EncodingOpus},
		{24, model.EncodingAAC},
		{16, model.EncodingAAC},
		{12, model.EncodingMP3},
	}
	for _, tc := range cases {
		if got := codecForBitrate(tc.kbps); got != tc.want {
			t.Errorf("codecForBitrate(%d) = %s, want %s", tc.kbps, got, tc.want)
		}
	}
}

func TestControllerCacheRoundTrip(t *testing.T) {
	c := New(DefaultConfig())
	now := time.Now()
	key := CacheKey("call-1", []byte{1, 2, 3}, 16000, 1)

	cached := CachedResponse{
		Transcript: "hello",
		Intent:     model.Intent{Category: model.CategorySalesCall},
		Response:   model.Response{Text: "not interested"},
	}
	c.StoreIfEligible(key, cached, 100, now)

	got, ok := c.Lookup(key, now)
	if !ok {
		t.Fatal("expected a cache hit")
	}
	if got.Transcript != "hello" {
		t.Errorf("got transcript %q", got.Transcript)
	}
}

func TestControllerDoesNotCacheOverLatencyBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLatencyMs = 50
	c := New(cfg)
	now := time.Now()
	key := CacheKey("call-1", nil, 16000, 1)

	cached := CachedResponse{Transcript: "hi", Response: model.Response{Text: "no"}}
	c.StoreIfEligible(key, cached, 500, now)

	if _, ok := c.Lookup(key, now); ok {
		t.Error("expected no cache entry when latency exceeds MaxLatencyMs")
	}
}

func TestOptimizationTriggeredDowngradesAndClearsCaches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLatencyMs = 100
	c := New(cfg)
	now := time.Now()

	key := CacheKey("call-1", nil, 16000, 1)
	c.StoreIfEligible(key, CachedResponse{Transcript: "hi", Response: model.Response{Text: "no"}}, 50, now)

	startTier := c.stateFor("call-1").quality.Current()

	_, triggered := c.Complete("call-1", 500, now)
	if !triggered {
		t.Fatal("expected optimizationTriggered to fire above MaxLatencyMs")
	}
	if _, ok := c.Lookup(key, now); ok {
		t.Error("expected caches cleared by optimizationTriggered")
	}
	if endTier := c.stateFor("call-1").quality.Current(); endTier.Name == startTier.Name && startTier.Name != "low" {
		t.Errorf("expected the call's tier downgraded, stayed at %s", endTier.Name)
	}
}

func TestAdmitAppliesBackpressureNearCapacity(t *testing.T) {
	c := New(DefaultConfig())
	for i := 0; i < c.cfg.BufferSize-1; i++ {
		c.Admit("call-1", "chunk")
	}
	start := time.Now()
	c.Admit("call-1", "chunk")
	if time.Since(start) < BackpressureDelay {
		t.Error("expected Admit to sleep for the backpressure delay near capacity")
	}
}
