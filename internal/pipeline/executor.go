package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

// Executor owns one Worker per active call, fanning audio chunks out to
// the right call's goroutine and fanning pipeline results back in through
// a single callback. Grounded on the teacher's server, which owns one
// goroutine per connected client; here the unit of concurrency is a call
// rather than a connection, since a call's hybrid session may span two
// transport connections.
type Executor struct {
	deps     Dependencies
	cfg      Config
	breakers *stageBreakers
	onResult func(callID string, result model.PipelineResult)

	mu      sync.Mutex
	workers map[string]*Worker
	cancel  map[string]context.CancelFunc
}

func NewExecutor(deps Dependencies, cfg Config, onResult func(callID string, result model.PipelineResult)) *Executor {
	return &Executor{
		deps:     deps,
		cfg:      cfg,
		breakers: newStageBreakers(cfg.Breaker),
		onResult: onResult,
		workers:  make(map[string]*Worker),
		cancel:   make(map[string]context.CancelFunc),
	}
}

// StartCall creates the worker for callID and starts its goroutine. It is
// an error to start a call that already has a worker.
func (e *Executor) StartCall(callID, userID string, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workers[callID]; exists {
		return model.ErrValidationf(duplicateCallError{callID})
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(callID, userID, e.deps, e.cfg, e.breakers, func(r model.PipelineResult) {
		if e.onResult != nil {
			e.onResult(callID, r)
		}
	}, now)
	e.workers[callID] = w
	e.cancel[callID] = cancel
	go w.run(ctx)
	return nil
}

// Submit enqueues chunk for its call's worker, returning an error (without
// blocking) if the call is unknown or the worker's queue is full.
func (e *Executor) Submit(chunk model.AudioChunk) error {
	e.mu.Lock()
	w, ok := e.workers[chunk.CallID]
	e.mu.Unlock()
	if !ok {
		return model.ErrValidationf(unknownCallError{chunk.CallID})
	}
	return w.submit(chunk)
}

// EndCall stops callID's worker and releases it. Safe to call more than
// once; a second call is a no-op.
func (e *Executor) EndCall(callID string) {
	e.mu.Lock()
	w, ok := e.workers[callID]
	cancel := e.cancel[callID]
	delete(e.workers, callID)
	delete(e.cancel, callID)
	e.mu.Unlock()

	if !ok {
		return
	}
	cancel()
	w.requestStop()
}

// CallState returns the call's live consolidated pipeline state, not a
// copy. The worker goroutine keeps mutating it while the call runs, so it
// is safe to read only from that goroutine (e.g. inside the result
// callback).
func (e *Executor) CallState(callID string) (*CallState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[callID]
	if !ok {
		return nil, false
	}
	return w.state, true
}

// ActiveCalls returns the number of calls with a running worker.
func (e *Executor) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.workers)
}

type duplicateCallError struct{ callID string }

func (e duplicateCallError) Error() string { return fmt.Sprintf("call %s already started", e.callID) }

type unknownCallError struct{ callID string }

func (e unknownCallError) Error() string { return fmt.Sprintf("call %s has no active worker", e.callID) }
