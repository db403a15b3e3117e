// Package pool implements design §4.4's Connection Pool: a bounded set of
// reusable connections with per-user caps, priority-based eviction, a
// priority-ordered waiting queue, and an idle-cleanup sweeper. Grounded on
// the teacher's mutex-guarded map-of-maps connection bookkeeping in
// rustyguts-bken/server/room.go (maxConnections/perIPLimit/ipConnections),
// generalized from per-IP counting to per-user capacity with reuse and
// eviction.
package pool

import (
	"container/heap"
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ninjacall/voicecore/internal/model"
)

// Priority is a pool-assigned admission priority in {0..P-1}, higher is
// more important. Pluggable per design §4.4 ("pluggable priority").
type Priority int

// Conn is a pooled connection handle. Callers embed whatever resource the
// pool governs (a transport session, a downstream API client, ...) behind
// this interface so Pool stays resource-agnostic.
type Conn interface {
	ID() string
	UserID() string
	Kind() string
	Close() error
}

type entry struct {
	conn      Conn
	priority  Priority
	createdAt time.Time
	lastUsed  time.Time
	active    bool
}

// Config bounds pool capacity and timing.
type Config struct {
	MaxTotal        int
	MaxPerUser      int
	ReuseEnabled    bool
	IdleTimeout     time.Duration // reuse-cache TTL and inactive-connection sweep threshold
	CriticalWindow  time.Duration // connections younger than this are never evicted
	CleanupInterval time.Duration
	WaitTimeout     time.Duration
	AdmissionRPS    float64 // admission pacing, golang.org/x/time/rate
	AdmissionBurst  int
}

func DefaultConfig() Config {
	return Config{
		MaxTotal:        1000,
		MaxPerUser:      4,
		ReuseEnabled:    true,
		IdleTimeout:     2 * time.Minute,
		CriticalWindow:  5 * time.Second,
		CleanupInterval: 30 * time.Second,
		WaitTimeout:     5 * time.Second,
		AdmissionRPS:    200,
		AdmissionBurst:  50,
	}
}

// Pool is the connection pool described in design §4.4.
type Pool struct {
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	conns     map[string]*entry     // connID -> entry, all admitted connections (active or reusable)
	byUser    map[string]map[string]bool // userID -> set<connID>
	reuse     map[string]*list.List // "userID|kind" -> LRU list of reusable connIDs, most-recently-released at front
	reuseIdx  map[string]*list.Element
	waiters   waiterHeap
	waiterSeq int
}

// New creates an empty Pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.AdmissionRPS), cfg.AdmissionBurst),
		conns:    make(map[string]*entry),
		byUser:   make(map[string]map[string]bool),
		reuse:    make(map[string]*list.List),
		reuseIdx: make(map[string]*list.Element),
	}
}

// AcquireRequest describes a caller's request for a pooled connection.
type AcquireRequest struct {
	UserID   string
	Kind     string
	Priority Priority
	Create   func() (Conn, error) // invoked when a fresh connection must be created
}

// Acquire implements design §4.4's four-step acquire algorithm: per-user
// cap check, reuse-cache lookup, priority eviction, or queued wait.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) (Conn, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, model.ErrBackpressuref(err)
	}

	p.mu.Lock()

	if p.userCountLocked(req.UserID) >= p.cfg.MaxPerUser {
		p.mu.Unlock()
		return nil, model.ErrUserLimitf(userLimitError{req.UserID})
	}

	if p.cfg.ReuseEnabled {
		if conn, ok := p.popReuseLocked(req.UserID, req.Kind); ok {
			p.activateLocked(conn, req.Priority)
			p.mu.Unlock()
			return conn, nil
		}
	}

	if len(p.conns) < p.cfg.MaxTotal {
		p.mu.Unlock()
		return p.createConn(req)
	}

	if p.evictForLocked(req.Priority) {
		p.mu.Unlock()
		return p.createConn(req)
	}

	return p.waitLocked(ctx, req)
}

func (p *Pool) userCountLocked(userID string) int {
	return len(p.byUser[userID])
}

func (p *Pool) reuseKey(userID, kind string) string { return userID + "|" + kind }

func (p *Pool) popReuseLocked(userID, kind string) (Conn, bool) {
	ll, ok := p.reuse[p.reuseKey(userID, kind)]
	if !ok || ll.Len() == 0 {
		return nil, false
	}
	front := ll.Front()
	connID := front.Value.(string)
	ll.Remove(front)
	delete(p.reuseIdx, connID)

	e, ok := p.conns[connID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (p *Pool) activateLocked(conn Conn, priority Priority) {
	e, ok := p.conns[conn.ID()]
	if !ok {
		return
	}
	e.active = true
	e.priority = priority
	e.lastUsed = time.Now()
}

// createConn builds a fresh connection outside the pool lock and then
// registers it.
func (p *Pool) createConn(req AcquireRequest) (Conn, error) {
	conn, err := req.Create()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	now := time.Now()
	p.conns[conn.ID()] = &entry{conn: conn, priority: req.Priority, createdAt: now, lastUsed: now, active: true}
	if p.byUser[req.UserID] == nil {
		p.byUser[req.UserID] = make(map[string]bool)
	}
	p.byUser[req.UserID][conn.ID()] = true
	p.mu.Unlock()

	return conn, nil
}

// evictForLocked attempts to free capacity for a request of the given
// priority by releasing the lowest-priority, oldest-used, non-critical
// connections. Returns true if at least one slot was freed. Must be called
// with p.mu held; the evicted connections are closed with the lock still
// held.
func (p *Pool) evictForLocked(forPriority Priority) bool {
	now := time.Now()
	var candidates []evictCandidate
	for id, e := range p.conns {
		if e.priority >= forPriority {
			continue
		}
		if now.Sub(e.createdAt) < p.cfg.CriticalWindow {
			continue // too new to evict
		}
		candidates = append(candidates, evictCandidate{id, e.priority, e.lastUsed})
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.lastUsed.Before(b.lastUsed)
	})

	const evictBound = 4
	freed := 0
	for i, c := range candidates {
		if i >= evictBound {
			break
		}
		p.removeLocked(c.id)
		freed++
	}
	return freed > 0
}

type evictCandidate struct {
	id       string
	priority Priority
	lastUsed time.Time
}

func (p *Pool) removeLocked(connID string) {
	e, ok := p.conns[connID]
	if !ok {
		return
	}
	delete(p.conns, connID)
	if set, ok := p.byUser[e.conn.UserID()]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(p.byUser, e.conn.UserID())
		}
	}
	if el, ok := p.reuseIdx[connID]; ok {
		key := p.reuseKey(e.conn.UserID(), e.conn.Kind())
		if ll, ok := p.reuse[key]; ok {
			ll.Remove(el)
		}
		delete(p.reuseIdx, connID)
	}
	_ = e.conn.Close()
}

// Release marks a connection inactive. Non-fatal releases with reuse
// enabled go into the per-(user,kind) LRU reuse cache; everything else is
// removed immediately.
func (p *Pool) Release(connID string, fatal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.conns[connID]
	if !ok {
		return
	}
	e.active = false
	e.lastUsed = time.Now()

	if fatal || !p.cfg.ReuseEnabled {
		p.removeLocked(connID)
		p.drainWaitersLocked()
		return
	}

	key := p.reuseKey(e.conn.UserID(), e.conn.Kind())
	ll, ok := p.reuse[key]
	if !ok {
		ll = list.New()
		p.reuse[key] = ll
	}
	el := ll.PushFront(connID)
	p.reuseIdx[connID] = el

	p.drainWaitersLocked()
}

// Count returns the number of admitted connections (active + reusable).
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// waiterHeap orders waiting acquire requests by (priority desc, seq asc)
// so higher-priority requests are served first and ties break FIFO, using
// container/heap since the pack includes no third-party priority queue.
type waiterItem struct {
	seq      int
	priority Priority
	ready    chan struct{}
	conn     Conn
	err      error
}

type waiterHeap []*waiterItem

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *waiterHeap) Push(x any)        { *h = append(*h, x.(*waiterItem)) }
func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (p *Pool) waitLocked(ctx context.Context, req AcquireRequest) (Conn, error) {
	p.waiterSeq++
	item := &waiterItem{seq: p.waiterSeq, priority: req.Priority, ready: make(chan struct{})}
	heap.Push(&p.waiters, item)
	p.mu.Unlock()

	timeout := p.cfg.WaitTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-item.ready:
		if item.err != nil {
			return nil, item.err
		}
		conn, err := p.createConn(req)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case <-timer.C:
		return nil, model.ErrPoolExhaustedf(waitTimeoutError{timeout})
	case <-ctx.Done():
		return nil, model.ErrTimeoutf(ctx.Err())
	}
}

// drainWaitersLocked wakes the highest-priority waiter(s) now that a slot
// may be available, up to current free capacity.
func (p *Pool) drainWaitersLocked() {
	for p.waiters.Len() > 0 && len(p.conns) < p.cfg.MaxTotal {
		item := heap.Pop(&p.waiters).(*waiterItem)
		close(item.ready)
	}
}

type userLimitError struct{ userID string }

func (e userLimitError) Error() string { return "user " + e.userID + " exceeds per-user connection cap" }

type waitTimeoutError struct{ timeout time.Duration }

func (e waitTimeoutError) Error() string { return "acquire wait exceeded " + e.timeout.String() }
