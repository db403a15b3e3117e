// Package breaker implements the three-state circuit breaker of design
// §4.5: one instance wraps each external dependency used by a pipeline
// stage (recognizer, intent classifier, response generator, synthesizer).
// It generalizes the
// teacher's per-client consecutive-failure gate (see
// rustyguts-bken/server/client.go's sendHealth) into a sliding-window,
// volume-gated breaker with an explicit half-open probe budget.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// Config configures a Breaker's opening/reset behavior.
type Config struct {
	// VolumeThreshold is the minimum number of calls observed in the
	// recent window before the breaker is allowed to open.
	VolumeThreshold int
	// ErrorThresholdPercent is the recent-window error rate (0-100) at or
	// above which the breaker opens, once VolumeThreshold is met.
	ErrorThresholdPercent float64
	// ResetTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls is the number of probe calls admitted while
	// half-open.
	HalfOpenMaxCalls int
	// CallTimeout is the deadline applied to every wrapped call; a timeout
	// counts as a failure.
	CallTimeout time.Duration
	// WindowSize bounds how many recent call outcomes are retained for the
	// error-rate computation.
	WindowSize int
}

// DefaultConfig returns sane defaults matching spec.md's breaker-trip
// scenario (volume 10, error threshold 50%).
func DefaultConfig() Config {
	return Config{
		VolumeThreshold:       10,
		ErrorThresholdPercent: 50,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxCalls:      3,
		CallTimeout:           5 * time.Second,
		WindowSize:            100,
	}
}

// Breaker is one circuit breaker instance, safe for concurrent use. State
// transitions are serialized per breaker via mu, matching the design's
// "Circuit breaker state transitions are serialized per breaker" rule.
type Breaker struct {
	name string
	cfg  Config

	mu             sync.Mutex
	state          model.CircuitBreakerState
	window         []bool // true = success, false = failure; ring-ish via slice trim
	nextAttemptAt  time.Time
	halfOpenInFlight int
	halfOpenSuccesses int
	totalCalls     int
	lastFailureAt  time.Time
}

// New creates a Breaker named name (used only for observability).
func New(name string, cfg Config) *Breaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 100
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: model.CircuitClosed,
	}
}

// Name returns the breaker's identifying name.
func (b *Breaker) Name() string { return b.name }

// Snapshot returns a read-only view of the breaker's current state.
func (b *Breaker) Snapshot() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures, successes := b.countLocked()
	return model.CircuitState{
		Name:              b.name,
		State:             b.state,
		Failures:          failures,
		Successes:         successes,
		TotalCalls:        b.totalCalls,
		LastFailureAt:     b.lastFailureAt,
		NextAttemptAt:     b.nextAttemptAt,
		RecentCallsWindow: len(b.window),
	}
}

func (b *Breaker) countLocked() (failures, successes int) {
	for _, ok := range b.window {
		if ok {
			successes++
		} else {
			failures++
		}
	}
	return
}

// allow decides, under lock, whether a call may proceed right now, and
// performs the open->halfOpen transition if ResetTimeout has elapsed.
func (b *Breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.CircuitClosed:
		return true
	case model.CircuitOpen:
		if !now.Before(b.nextAttemptAt) {
			b.state = model.CircuitHalfOpen
			b.halfOpenInFlight = 0
			b.halfOpenSuccesses = 0
			return b.admitHalfOpenLocked()
		}
		return false
	case model.CircuitHalfOpen:
		return b.admitHalfOpenLocked()
	}
	return false
}

func (b *Breaker) admitHalfOpenLocked() bool {
	if b.halfOpenInFlight+b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
		return false
	}
	b.halfOpenInFlight++
	return true
}

// Execute runs fn under the breaker. It applies cfg.CallTimeout as a
// deadline on ctx, records the outcome, and returns model.ErrCircuitOpenf
// when the breaker short-circuits the call without running it.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow(time.Now()) {
		return model.ErrCircuitOpenf(b.name)
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && callCtx.Err() != nil {
		err = model.ErrTimeoutf(err)
	}

	b.recordOutcome(err == nil)
	return err
}

func (b *Breaker) recordOutcome(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.window = append(b.window, success)
	if len(b.window) > b.cfg.WindowSize {
		b.window = b.window[len(b.window)-b.cfg.WindowSize:]
	}
	if !success {
		b.lastFailureAt = time.Now()
	}

	switch b.state {
	case model.CircuitHalfOpen:
		b.halfOpenInFlight--
		if !success {
			b.openLocked()
			return
		}
		// All HalfOpenMaxCalls probes must succeed before fully closing; a
		// single failure reopens immediately (handled above).
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.state = model.CircuitClosed
			b.window = nil
		}
	case model.CircuitClosed:
		if b.shouldOpenLocked() {
			b.openLocked()
		}
	}
}

func (b *Breaker) shouldOpenLocked() bool {
	if len(b.window) < b.cfg.VolumeThreshold {
		return false
	}
	failures, _ := b.countLocked()
	rate := float64(failures) / float64(len(b.window)) * 100
	return rate >= b.cfg.ErrorThresholdPercent
}

func (b *Breaker) openLocked() {
	b.state = model.CircuitOpen
	b.nextAttemptAt = time.Now().Add(b.cfg.ResetTimeout)
	b.halfOpenInFlight = 0
}

// State returns the current breaker state without side effects.
func (b *Breaker) State() model.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry keeps one Breaker per named dependency, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a Registry that lazily constructs breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshots returns a snapshot of every breaker currently registered.
func (r *Registry) Snapshots() []model.CircuitState {
	r.mu.Lock()
	names := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		names = append(names, b)
	}
	r.mu.Unlock()

	out := make([]model.CircuitState, 0, len(names))
	for _, b := range names {
		out = append(out, b.Snapshot())
	}
	return out
}
