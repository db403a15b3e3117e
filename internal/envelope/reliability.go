package envelope

import (
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// pendingEntry tracks one ackRequired envelope awaiting acknowledgement.
type pendingEntry struct {
	env          *Envelope
	connectionID string
	sentAt       time.Time
	retries      int
	sendFn       func(frame []byte) error
	timer        *time.Timer
}

// ReliabilityConfig configures retransmission behavior.
type ReliabilityConfig struct {
	AckTimeout time.Duration
	MaxRetries int
}

// DefaultReliabilityConfig mirrors design §4.1's defaults: a modest ack
// timeout with bounded retries before declaring delivery failure.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{AckTimeout: 3 * time.Second, MaxRetries: 3}
}

// Reliability implements at-least-once delivery with acknowledgements:
// parks ackRequired envelopes, retransmits on timeout, and reports
// terminal failure after MaxRetries — design §4.1 and the "Ack round-trip"
// invariant of §8.
type Reliability struct {
	cfg ReliabilityConfig

	mu      sync.Mutex
	pending map[string]*pendingEntry

	onFailed       func(envelopeID, connectionID string)
	onAckLatency   func(d time.Duration)
	onRetransmit   func(envelopeID string, retryCount int)
}

// NewReliability creates a Reliability layer. Callbacks may be nil.
func NewReliability(cfg ReliabilityConfig, onFailed func(envelopeID, connectionID string), onAckLatency func(time.Duration), onRetransmit func(string, int)) *Reliability {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Reliability{
		cfg:          cfg,
		pending:      make(map[string]*pendingEntry),
		onFailed:     onFailed,
		onAckLatency: onAckLatency,
		onRetransmit: onRetransmit,
	}
}

// Track parks env for acknowledgement, arming a retransmission timer that
// calls sendFn again (with an updated RetryCount) if no Ack arrives within
// AckTimeout. Track is a no-op if env.AckRequired is false.
func (r *Reliability) Track(env *Envelope, connectionID string, sendFn func(frame []byte) error) {
	if !env.AckRequired {
		return
	}

	entry := &pendingEntry{
		env:          env,
		connectionID: connectionID,
		sentAt:       time.Now(),
		sendFn:       sendFn,
	}

	r.mu.Lock()
	r.pending[env.ID] = entry
	r.mu.Unlock()

	entry.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.onTimeout(env.ID) })
}

func (r *Reliability) onTimeout(envelopeID string) {
	r.mu.Lock()
	entry, ok := r.pending[envelopeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.retries++
	if entry.retries >= r.cfg.MaxRetries {
		delete(r.pending, envelopeID)
		r.mu.Unlock()
		if r.onFailed != nil {
			r.onFailed(envelopeID, entry.connectionID)
		}
		return
	}
	entry.env.RetryCount = entry.retries
	sendFn := entry.sendFn
	r.mu.Unlock()

	if r.onRetransmit != nil {
		r.onRetransmit(envelopeID, entry.retries)
	}

	frame, err := entry.env.Marshal()
	if err == nil && sendFn != nil {
		_ = sendFn(frame)
	}

	entry.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.onTimeout(envelopeID) })
}

// Ack resolves the pending entry for the acked envelope id, cancels its
// retransmission timer, and reports the round-trip latency. It is a no-op
// (not an error) if the id is unknown — a late/duplicate ack, or an ack for
// an envelope this side never sent.
func (r *Reliability) Ack(envelopeID string) {
	r.mu.Lock()
	entry, ok := r.pending[envelopeID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, envelopeID)
	r.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}
	if r.onAckLatency != nil {
		r.onAckLatency(time.Since(entry.sentAt))
	}
}

// Pending returns the number of envelopes currently awaiting acknowledgement.
func (r *Reliability) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Sweep removes and fails pending entries older than the orphan threshold
// (AckTimeout * MaxRetries, matching the "Ack round-trip" invariant's
// failure deadline), per design §4.1's periodic sweep of orphaned entries
// — a safety net for entries whose timer goroutine was lost (e.g. process
// restart mid-flight in a future persistent implementation).
func (r *Reliability) Sweep(now time.Time) {
	threshold := r.cfg.AckTimeout * time.Duration(r.cfg.MaxRetries)

	r.mu.Lock()
	var orphaned []*pendingEntry
	for id, entry := range r.pending {
		if now.Sub(entry.sentAt) > threshold {
			orphaned = append(orphaned, entry)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, entry := range orphaned {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if r.onFailed != nil {
			r.onFailed(entry.env.ID, entry.connectionID)
		}
	}
}

// DeliveryFailedError wraps model.ErrProtocolDeliveryf for callers that want
// a typed error after MaxRetries is exhausted.
func DeliveryFailedError(envelopeID string) error {
	return model.ErrProtocolDeliveryf(errEnvelopeID(envelopeID))
}

type errEnvelopeID string

func (e errEnvelopeID) Error() string { return "delivery failed for envelope " + string(e) }
