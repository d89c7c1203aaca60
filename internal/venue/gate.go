package venue

import (
	"context"
	"sync"
	"time"
)

const (
	maxPacing   = 5 * time.Minute  // cap for rate-limit widening
	coolOffBase = 30 * time.Second // how long widened pacing persists
)

// Gate is the per-venue concurrency gate: at most K requests in flight,
// plus an optional minimum inter-request gap for venues that rate-limit
// aggressive polling. Callers block in Acquire until a slot and the
// pacing gap are both available or the context is cancelled.
//
// On RATE_LIMITED responses the gate widens the pacing exponentially for
// a cool-off period; once the cool-off lapses the configured pacing is
// restored.
type Gate struct {
	sem chan struct{}

	mu          sync.Mutex
	basePacing  time.Duration
	pacing      time.Duration
	lastRelease time.Time
	coolOffEnd  time.Time
}

// NewGate creates a gate with maxInFlight concurrent slots and the given
// minimum inter-request gap (0 disables pacing).
func NewGate(maxInFlight int, pacing time.Duration) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Gate{
		sem:        make(chan struct{}, maxInFlight),
		basePacing: pacing,
		pacing:     pacing,
	}
}

// Acquire blocks until an in-flight slot is free and the pacing gap has
// elapsed, or ctx is cancelled. Every successful Acquire must be paired
// with a Release.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		g.mu.Lock()
		// Restore configured pacing once the cool-off lapses.
		if !g.coolOffEnd.IsZero() && time.Now().After(g.coolOffEnd) {
			g.pacing = g.basePacing
			g.coolOffEnd = time.Time{}
		}
		wait := time.Duration(0)
		if g.pacing > 0 {
			elapsed := time.Since(g.lastRelease)
			if elapsed < g.pacing {
				wait = g.pacing - elapsed
			}
		}
		if wait == 0 {
			g.lastRelease = time.Now()
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			<-g.sem
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release frees an in-flight slot.
func (g *Gate) Release() {
	<-g.sem
}

// OnRateLimited widens the pacing exponentially (doubling, starting from
// 100ms if pacing was disabled) and starts a cool-off window. Repeated
// signals keep doubling up to the cap and extend the cool-off.
func (g *Gate) OnRateLimited() {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.pacing * 2
	if g.pacing == 0 {
		next = 100 * time.Millisecond
	}
	if next > maxPacing {
		next = maxPacing
	}
	g.pacing = next
	g.coolOffEnd = time.Now().Add(coolOffBase)
}

// Pacing returns the current inter-request gap (for tests and status).
func (g *Gate) Pacing() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pacing
}
