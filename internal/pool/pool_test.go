package pool

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeConn struct {
	id, userID, kind string
	closed           bool
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }
func (c *fakeConn) Kind() string   { return c.kind }
func (c *fakeConn) Close() error   { c.closed = true; return nil }

func newReq(userID string, priority Priority, seq *int) AcquireRequest {
	return AcquireRequest{
		UserID:   userID,
		Kind:     "voice",
		Priority: priority,
		Create: func() (Conn, error) {
			*seq++
			return &fakeConn{id: fmt.Sprintf("%s-%d", userID, *seq), userID: userID, kind: "voice"}, nil
		},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxTotal = 2
	cfg.MaxPerUser = 2
	cfg.CriticalWindow = 0
	cfg.WaitTimeout = 50 * time.Millisecond
	cfg.AdmissionRPS = 1000
	cfg.AdmissionBurst = 1000
	return cfg
}

func TestAcquireRejectsOverPerUserCap(t *testing.T) {
	p := New(testConfig())
	var seq int
	ctx := context.Background()

	if _, err := p.Acquire(ctx, newReq("u1", 1, &seq)); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, newReq("u1", 1, &seq)); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if _, err := p.Acquire(ctx, newReq("u1", 1, &seq)); err == nil {
		t.Fatalf("expected per-user cap rejection")
	}
}

func TestReleaseThenReuseReturnsSameConnection(t *testing.T) {
	cfg := testConfig()
	p := New(cfg)
	var seq int
	ctx := context.Background()

	conn, err := p.Acquire(ctx, newReq("u1", 1, &seq))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(conn.ID(), false)

	reused, err := p.Acquire(ctx, newReq("u1", 1, &seq))
	if err != nil {
		t.Fatalf("reuse acquire: %v", err)
	}
	if reused.ID() != conn.ID() {
		t.Fatalf("expected reuse of %s, got %s", conn.ID(), reused.ID())
	}
}

func TestAcquireEvictsLowerPriorityAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.ReuseEnabled = false
	p := New(cfg)
	var seq int
	ctx := context.Background()

	low1, err := p.Acquire(ctx, newReq("u1", 0, &seq))
	if err != nil {
		t.Fatalf("acquire low1: %v", err)
	}
	if _, err := p.Acquire(ctx, newReq("u2", 0, &seq)); err != nil {
		t.Fatalf("acquire low2: %v", err)
	}

	// pool is now at MaxTotal=2; a high-priority request should evict a
	// lower-priority connection rather than wait.
	high, err := p.Acquire(ctx, newReq("u3", 5, &seq))
	if err != nil {
		t.Fatalf("acquire high: %v", err)
	}
	if high == nil {
		t.Fatalf("expected high-priority acquire to succeed via eviction")
	}

	fc := low1.(*fakeConn)
	if !fc.closed {
		t.Fatalf("expected lower-priority connection to be evicted/closed")
	}
}

func TestAcquireWaiterTimesOutWhenNoCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.ReuseEnabled = false
	p := New(cfg)
	var seq int
	ctx := context.Background()

	if _, err := p.Acquire(ctx, newReq("u1", 5, &seq)); err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	if _, err := p.Acquire(ctx, newReq("u2", 5, &seq)); err != nil {
		t.Fatalf("acquire 2: %v", err)
	}

	// both at max priority, same as existing — no eviction possible, must wait and time out.
	_, err := p.Acquire(ctx, newReq("u3", 5, &seq))
	if err == nil {
		t.Fatalf("expected wait timeout error")
	}
}

func TestSweepDropsIdleReusableConnections(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = time.Millisecond
	p := New(cfg)
	var seq int
	ctx := context.Background()

	conn, err := p.Acquire(ctx, newReq("u1", 1, &seq))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.Release(conn.ID(), false)

	time.Sleep(5 * time.Millisecond)
	p.Sweep(time.Now())

	if p.Count() != 0 {
		t.Fatalf("expected idle reusable connection to be swept, count=%d", p.Count())
	}
}
