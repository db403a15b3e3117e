package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ninjacall/voicecore/internal/model"
)

func TestBreakerTripsOnVolumeAndErrorRate(t *testing.T) {
	b := New("recognizer", Config{
		VolumeThreshold:       10,
		ErrorThresholdPercent: 50,
		ResetTimeout:          time.Hour,
		HalfOpenMaxCalls:      1,
		CallTimeout:           time.Second,
		WindowSize:            100,
	})

	for i := 0; i < 10; i++ {
		fail := i < 6 // 6 of 10 calls fail
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			if fail {
				return errors.New("boom")
			}
			return nil
		})
		if fail && err == nil {
			t.Fatalf("call %d: expected failure", i)
		}
	}

	if got := b.State(); got != model.CircuitOpen {
		t.Fatalf("expected breaker to be open after 60%% error rate, got %s", got)
	}

	// The 11th call should short-circuit without executing fn.
	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("fn should not have run while breaker is open")
	}
	kind, ok := model.KindOf(err)
	if !ok || kind != model.ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New("synth", Config{
		VolumeThreshold:       2,
		ErrorThresholdPercent: 50,
		ResetTimeout:          10 * time.Millisecond,
		HalfOpenMaxCalls:      2,
		CallTimeout:           time.Second,
		WindowSize:            10,
	})

	for i := 0; i < 4; i++ {
		_ = b.Execute(context.Background(), func(ctx context.Context) error {
			return errors.New("fail")
		})
	}
	if b.State() != model.CircuitOpen {
		t.Fatalf("expected open state")
	}

	time.Sleep(20 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error {
			return nil
		})
		if err != nil {
			t.Fatalf("probe %d: unexpected error %v", i, err)
		}
	}

	if got := b.State(); got != model.CircuitClosed {
		t.Fatalf("expected breaker to close after successful probes, got %s", got)
	}
}

func TestBreakerHalfOpenReopenOnFailure(t *testing.T) {
	b := New("intent", Config{
		VolumeThreshold:       1,
		ErrorThresholdPercent: 1,
		ResetTimeout:          5 * time.Millisecond,
		HalfOpenMaxCalls:      3,
		CallTimeout:           time.Second,
		WindowSize:            10,
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("x") })
	if b.State() != model.CircuitOpen {
		t.Fatalf("expected open")
	}
	time.Sleep(10 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("still failing") })
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := b.State(); got != model.CircuitOpen {
		t.Fatalf("a single half-open failure should reopen the breaker, got %s", got)
	}
}

func TestBreakerCallTimeoutCountsAsFailure(t *testing.T) {
	b := New("slow", Config{
		VolumeThreshold:       1,
		ErrorThresholdPercent: 1,
		ResetTimeout:          time.Hour,
		HalfOpenMaxCalls:      1,
		CallTimeout:           5 * time.Millisecond,
		WindowSize:            10,
	})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if b.State() != model.CircuitOpen {
		t.Fatalf("timeout should have opened the breaker")
	}
}
