package venue

import (
	"sync"
	"time"

	"marketarb/pkg/types"
)

const (
	latencyWindow     = 100 // rolling latency samples kept
	degradedThreshold = 3   // consecutive errors before DEGRADED
	offlineThreshold  = 10  // consecutive errors before OFFLINE
)

// HealthTracker maintains the rolling health view for one adapter:
// a window of the last 100 call latencies, the consecutive-error count,
// and the derived status. Any success resets the error count and the
// status back to HEALTHY.
type HealthTracker struct {
	mu        sync.Mutex
	venue     types.Venue
	latencies []int64 // ring, most recent appended
	errors    int
	lastOK    time.Time
	markets   int
}

// NewHealthTracker creates a tracker for the given venue tag.
func NewHealthTracker(v types.Venue) *HealthTracker {
	return &HealthTracker{venue: v, latencies: make([]int64, 0, latencyWindow)}
}

// RecordSuccess records a successful call and its latency.
func (h *HealthTracker) RecordSuccess(latencyMS int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = 0
	h.lastOK = time.Now()
	if len(h.latencies) >= latencyWindow {
		h.latencies = h.latencies[1:]
	}
	h.latencies = append(h.latencies, latencyMS)
}

// RecordError counts one failed call. Schema errors do not affect adapter
// health (they are per-record, not per-connection), so callers skip this
// for ErrSchema.
func (h *HealthTracker) RecordError() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
}

// SetMarketCount records how many active markets the venue last listed.
func (h *HealthTracker) SetMarketCount(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markets = n
}

// Snapshot returns the current health view.
func (h *HealthTracker) Snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := StatusHealthy
	switch {
	case h.errors >= offlineThreshold:
		status = StatusOffline
	case h.errors >= degradedThreshold:
		status = StatusDegraded
	}

	var avg float64
	if len(h.latencies) > 0 {
		var sum int64
		for _, l := range h.latencies {
			sum += l
		}
		avg = float64(sum) / float64(len(h.latencies))
	}

	return Health{
		Venue:             h.venue,
		Status:            status,
		ConsecutiveErrors: h.errors,
		AvgLatencyMS:      avg,
		LastSuccess:       h.lastOK,
		MarketCount:       h.markets,
	}
}
