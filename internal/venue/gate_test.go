package venue

import (
	"context"
	"testing"
	"time"
)

func TestGateLimitsInFlight(t *testing.T) {
	t.Parallel()
	g := NewGate(2, 0)
	ctx := context.Background()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := g.Acquire(blocked); err == nil {
		t.Error("third Acquire succeeded with 2 slots full")
	}

	g.Release()
	if err := g.Acquire(ctx); err != nil {
		t.Errorf("Acquire after Release: %v", err)
	}
}

func TestGatePacing(t *testing.T) {
	t.Parallel()
	g := NewGate(1, 50*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g.Release()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g.Release()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("two acquires took %v, want >= 50ms", elapsed)
	}
}

func TestGateAcquireHonorsContext(t *testing.T) {
	t.Parallel()
	g := NewGate(1, 0)
	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := g.Acquire(cancelled); err != context.Canceled {
		t.Errorf("Acquire on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestGateOnRateLimitedWidensAndCaps(t *testing.T) {
	t.Parallel()
	g := NewGate(1, 100*time.Millisecond)

	g.OnRateLimited()
	if p := g.Pacing(); p != 200*time.Millisecond {
		t.Errorf("pacing after first signal = %v, want 200ms", p)
	}
	g.OnRateLimited()
	if p := g.Pacing(); p != 400*time.Millisecond {
		t.Errorf("pacing after second signal = %v, want 400ms", p)
	}

	for i := 0; i < 30; i++ {
		g.OnRateLimited()
	}
	if p := g.Pacing(); p != maxPacing {
		t.Errorf("pacing after repeated signals = %v, want cap %v", p, maxPacing)
	}
}

func TestGateOnRateLimitedFromDisabledPacing(t *testing.T) {
	t.Parallel()
	g := NewGate(1, 0)
	g.OnRateLimited()
	if p := g.Pacing(); p != 100*time.Millisecond {
		t.Errorf("pacing = %v, want 100ms", p)
	}
}
