// Package status assembles the health/status snapshot consumed by the
// API collaborator. The shape is a stable contract; field names are
// camelCase to match the consumer.
package status

import (
	"context"
	"runtime"
	"time"

	"github.com/shopspring/decimal"

	"marketarb/internal/arb"
	"marketarb/internal/ingest"
	"marketarb/internal/match"
	"marketarb/internal/store"
	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

// PlatformStatus is one venue's health line.
type PlatformStatus struct {
	Status            venue.Status `json:"status"`
	MarketCount       int          `json:"marketCount"`
	LastFetch         time.Time    `json:"lastFetch"`
	AvgLatencyMS      float64      `json:"avgLatencyMs"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
}

// IngestionStatus mirrors the orchestrator counters.
type IngestionStatus struct {
	MarketsIngested   int64     `json:"marketsIngested"`
	OrderbooksUpdated int64     `json:"orderbooksUpdated"`
	QuotesUpdated     int64     `json:"quotesUpdated"`
	ErrorsCount       int64     `json:"errorsCount"`
	LastFullSyncAt    time.Time `json:"lastFullSyncAt"`
}

// MatchingStatus summarizes the match table.
type MatchingStatus struct {
	ConfirmedMatches int `json:"confirmedMatches"`
	PendingReview    int `json:"pendingReview"`
}

// TopOpportunity is the abbreviated opportunity line in the snapshot.
type TopOpportunity struct {
	ID         string          `json:"id"`
	Spread     decimal.Decimal `json:"spread"`
	Confidence float64         `json:"confidence"`
	MaxSize    decimal.Decimal `json:"maxSize"`
	AgeSeconds int64           `json:"ageSeconds"`
}

// ArbitrageStatus summarizes recent detections.
type ArbitrageStatus struct {
	ActiveCount      int              `json:"activeCount"`
	DetectedLastHour int              `json:"detectedLastHour"`
	TopOpportunities []TopOpportunity `json:"topOpportunities"`
}

// SystemStatus is process-level health.
type SystemStatus struct {
	Uptime    string    `json:"uptime"`
	MemoryMB  uint64    `json:"memoryMB"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full status document.
type Snapshot struct {
	Platforms map[string]PlatformStatus `json:"platforms"`
	Ingestion IngestionStatus           `json:"ingestion"`
	Matching  MatchingStatus            `json:"matching"`
	Arbitrage ArbitrageStatus           `json:"arbitrage"`
	System    SystemStatus              `json:"system"`
}

// Healthy reports whether every platform is HEALTHY. The consumer maps
// this to its 200/503 split; degraded venues alone do not fail it here,
// offline ones do.
func (s *Snapshot) Healthy() bool {
	for _, p := range s.Platforms {
		if p.Status == venue.StatusOffline {
			return false
		}
	}
	return true
}

// Builder collects the sources the snapshot is assembled from.
type Builder struct {
	adapters     []venue.Adapter
	orchestrator *ingest.Orchestrator
	matcher      *match.Matcher
	detector     *arb.Detector
	store        *store.Store
	startedAt    time.Time
}

// NewBuilder wires the snapshot sources.
func NewBuilder(adapters []venue.Adapter, o *ingest.Orchestrator, m *match.Matcher, d *arb.Detector, st *store.Store) *Builder {
	return &Builder{
		adapters:     adapters,
		orchestrator: o,
		matcher:      m,
		detector:     d,
		store:        st,
		startedAt:    time.Now(),
	}
}

// Build assembles one snapshot. Store failures degrade the affected
// section to zeros rather than failing the whole snapshot.
func (b *Builder) Build(ctx context.Context) *Snapshot {
	snap := &Snapshot{Platforms: make(map[string]PlatformStatus, len(b.adapters))}

	// Stored counts are authoritative for active markets; the tracker's
	// in-memory count covers only the adapter's last listing.
	marketCounts, countsErr := b.store.CountMarkets(ctx)

	for _, a := range b.adapters {
		h := a.Health()
		mc := h.MarketCount
		if countsErr == nil {
			if n, ok := marketCounts[h.Venue]; ok {
				mc = n
			}
		}
		snap.Platforms[string(h.Venue)] = PlatformStatus{
			Status:            h.Status,
			MarketCount:       mc,
			LastFetch:         h.LastSuccess,
			AvgLatencyMS:      h.AvgLatencyMS,
			ConsecutiveErrors: h.ConsecutiveErrors,
		}
	}

	stats := b.orchestrator.Stats()
	snap.Ingestion = IngestionStatus{
		MarketsIngested:   stats.MarketsIngested,
		OrderbooksUpdated: stats.OrderbooksUpdated,
		QuotesUpdated:     stats.QuotesUpdated,
		ErrorsCount:       stats.ErrorsCount,
		LastFullSyncAt:    stats.LastFullSyncAt,
	}

	if counts, err := b.store.CountMatches(ctx); err == nil {
		snap.Matching = MatchingStatus{
			ConfirmedMatches: counts[types.MatchConfirmed],
			PendingReview:    counts[types.MatchPendingReview],
		}
	}

	snap.Arbitrage = b.arbitrage(ctx)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap.System = SystemStatus{
		Uptime:    time.Since(b.startedAt).Round(time.Second).String(),
		MemoryMB:  mem.Alloc / (1024 * 1024),
		Timestamp: time.Now(),
	}
	return snap
}

func (b *Builder) arbitrage(ctx context.Context) ArbitrageStatus {
	out := ArbitrageStatus{TopOpportunities: []TopOpportunity{}}

	if n, err := b.store.CountOpportunitiesSince(ctx, time.Now().Add(-time.Hour)); err == nil {
		out.DetectedLastHour = n
	}
	opps, err := b.store.RecentOpportunities(ctx, 10)
	if err != nil {
		return out
	}
	now := time.Now()
	for i := range opps {
		o := &opps[i]
		if o.Status == types.OpportunityActive {
			out.ActiveCount++
		}
		out.TopOpportunities = append(out.TopOpportunities, TopOpportunity{
			ID:         o.ID,
			Spread:     o.Profit.GrossSpread,
			Confidence: o.Confidence.Overall,
			MaxSize:    o.Profit.MaxExecutableSize,
			AgeSeconds: int64(now.Sub(o.DetectedAt).Seconds()),
		})
	}
	return out
}
