// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage core: venues,
// normalized markets, order books, cross-venue matches, and detected
// opportunities. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Venue identifies one of the supported prediction-market platforms.
// The set is closed: adding a venue means adding an adapter, a fee
// schedule, and an entry in venueMeta.
type Venue string

const (
	VenuePolymarket Venue = "POLYMARKET"
	VenueKalshi     Venue = "KALSHI"
)

// Venues lists every supported venue in a stable order.
func Venues() []Venue {
	return []Venue{VenuePolymarket, VenueKalshi}
}

// FeeSchedule is the static fee model for a venue. All rates are
// fractions (0.02 = 2%). Taker is the rate applied to every fill the
// detector simulates; the others exist for venue metadata completeness
// and for execution-plan cost lines.
type FeeSchedule struct {
	Taker      decimal.Decimal `json:"taker_fee"`
	Maker      decimal.Decimal `json:"maker_fee"`
	Win        decimal.Decimal `json:"win_fee"`
	Withdrawal decimal.Decimal `json:"withdrawal_fee"`
}

// VenueInfo carries display metadata and the fee schedule for a venue.
type VenueInfo struct {
	Venue       Venue       `json:"venue"`
	DisplayName string      `json:"display_name"`
	SiteURL     string      `json:"site_url"`
	Fees        FeeSchedule `json:"fees"`
}

var venueMeta = map[Venue]VenueInfo{
	VenuePolymarket: {
		Venue:       VenuePolymarket,
		DisplayName: "Polymarket",
		SiteURL:     "https://polymarket.com",
		Fees: FeeSchedule{
			Taker: decimal.NewFromFloat(0.0),
			Maker: decimal.Zero,
			// Polymarket charges on winnings, not on fills.
			Win:        decimal.NewFromFloat(0.02),
			Withdrawal: decimal.Zero,
		},
	},
	VenueKalshi: {
		Venue:       VenueKalshi,
		DisplayName: "Kalshi",
		SiteURL:     "https://kalshi.com",
		Fees: FeeSchedule{
			Taker:      decimal.NewFromFloat(0.01),
			Maker:      decimal.Zero,
			Win:        decimal.Zero,
			Withdrawal: decimal.Zero,
		},
	},
}

// Meta returns the display metadata and fee schedule for a venue.
// Unknown venues get a zero-fee placeholder rather than a panic so that
// test venues can flow through the detector.
func (v Venue) Meta() VenueInfo {
	if m, ok := venueMeta[v]; ok {
		return m
	}
	return VenueInfo{Venue: v, DisplayName: string(v)}
}

// TakerFee returns the effective taker fee rate for the venue.
func (v Venue) TakerFee() decimal.Decimal { return v.Meta().Fees.Taker }

// MarketStatus is the lifecycle state of a market row.
type MarketStatus string

const (
	MarketActive    MarketStatus = "ACTIVE"
	MarketClosed    MarketStatus = "CLOSED"
	MarketResolved  MarketStatus = "RESOLVED"
	MarketCancelled MarketStatus = "CANCELLED"
)

// Market is the normalized representation of one binary market on one
// venue. Identified by (Venue, ExternalID); that pair is unique in the
// store and is the natural key for every upsert.
//
// Quote fields (YesBid..Spread) are denormalized from the latest book or
// quote event so readers never need the cache for a rough price.
type Market struct {
	Venue      Venue  `json:"venue" db:"venue"`
	ExternalID string `json:"external_id" db:"external_id"`

	Question         string   `json:"question" db:"question"`
	Description      string   `json:"description,omitempty" db:"description"`
	Category         string   `json:"category,omitempty" db:"category"`
	Outcomes         []string `json:"outcomes" db:"-"`
	ResolutionSource string   `json:"resolution_source,omitempty" db:"resolution_source"`
	ResolutionRules  string   `json:"resolution_rules,omitempty" db:"resolution_rules"`
	URL              string   `json:"url,omitempty" db:"url"`

	EndDate      *time.Time      `json:"end_date,omitempty" db:"end_date"`
	TickSize     decimal.Decimal `json:"tick_size" db:"tick_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size" db:"min_order_size"`
	FeeRate      decimal.Decimal `json:"fee_rate" db:"fee_rate"`

	Status MarketStatus `json:"status" db:"status"`

	YesBid    decimal.Decimal `json:"yes_bid" db:"yes_bid"`
	YesAsk    decimal.Decimal `json:"yes_ask" db:"yes_ask"`
	Midpoint  decimal.Decimal `json:"midpoint" db:"midpoint"`
	Spread    decimal.Decimal `json:"spread" db:"spread"`
	Liquidity decimal.Decimal `json:"liquidity" db:"liquidity"`
	Volume24h decimal.Decimal `json:"volume_24h" db:"volume_24h"`

	LastFetchedAt  time.Time `json:"last_fetched_at" db:"last_fetched_at"`
	FetchLatencyMS int64     `json:"fetch_latency_ms" db:"fetch_latency_ms"`
}

// Key returns the natural key "VENUE:external_id".
func (m *Market) Key() string { return string(m.Venue) + ":" + m.ExternalID }

// DaysToExpiry returns the whole days until the market's end date,
// floored at 1 so annualized-ROI math never divides by zero. Markets
// without an end date report 1.
func (m *Market) DaysToExpiry(now time.Time) int64 {
	if m.EndDate == nil {
		return 1
	}
	d := int64(m.EndDate.Sub(now).Hours() / 24)
	if d < 1 {
		return 1
	}
	return d
}

// PriceLevel is a single bid or ask level. Price is in [0,1] dollars per
// share, Size is the dollar depth available at that price.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a point-in-time view of one market's book on one venue.
// Bids are sorted descending, asks ascending; Normalize enforces this.
type OrderBook struct {
	Venue      Venue        `json:"venue"`
	ExternalID string       `json:"external_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
	LatencyMS  int64        `json:"latency_ms"`
}

// Key returns the natural key "VENUE:external_id".
func (b *OrderBook) Key() string { return string(b.Venue) + ":" + b.ExternalID }

// BestBid returns the highest bid, or ok=false on an empty side.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest ask, or ok=false on an empty side.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Midpoint returns (bestBid+bestAsk)/2, ok=false unless both sides exist.
func (b *OrderBook) Midpoint() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// Spread returns bestAsk-bestBid, ok=false unless both sides exist.
func (b *OrderBook) Spread() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return ask.Sub(bid), true
}

// AgeMS returns the age of the book relative to now in milliseconds.
func (b *OrderBook) AgeMS(now time.Time) int64 {
	return now.Sub(b.Timestamp).Milliseconds()
}

var one = decimal.NewFromInt(1)

// Normalize re-sorts both sides, drops levels with prices outside [0,1]
// or negative sizes, and collapses equal-price levels (keeping the first
// after sorting, so price monotonicity is strict). Returns the number of
// levels dropped; callers count them as integrity warnings.
func (b *OrderBook) Normalize() int {
	dropped := 0
	clean := func(levels []PriceLevel) []PriceLevel {
		out := levels[:0]
		for _, l := range levels {
			if l.Price.IsNegative() || l.Price.GreaterThan(one) || l.Size.IsNegative() {
				dropped++
				continue
			}
			out = append(out, l)
		}
		return out
	}
	b.Bids = clean(b.Bids)
	b.Asks = clean(b.Asks)

	sort.Slice(b.Bids, func(i, j int) bool { return b.Bids[i].Price.GreaterThan(b.Bids[j].Price) })
	sort.Slice(b.Asks, func(i, j int) bool { return b.Asks[i].Price.LessThan(b.Asks[j].Price) })

	dedupe := func(levels []PriceLevel) []PriceLevel {
		out := levels[:0]
		for i, l := range levels {
			if i > 0 && l.Price.Equal(out[len(out)-1].Price) {
				dropped++
				continue
			}
			out = append(out, l)
		}
		return out
	}
	b.Bids = dedupe(b.Bids)
	b.Asks = dedupe(b.Asks)
	return dropped
}

// Validate checks the book invariants after normalization: no crossed
// book when both sides are present, strictly monotone prices, all prices
// in [0,1], all sizes non-negative.
func (b *OrderBook) Validate() error {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if okB && okA && bid.GreaterThanOrEqual(ask) {
		return fmt.Errorf("crossed book: best bid %s >= best ask %s", bid, ask)
	}
	for i, l := range b.Bids {
		if l.Price.IsNegative() || l.Price.GreaterThan(one) {
			return fmt.Errorf("bid price out of range: %s", l.Price)
		}
		if l.Size.IsNegative() {
			return fmt.Errorf("negative bid size: %s", l.Size)
		}
		if i > 0 && !l.Price.LessThan(b.Bids[i-1].Price) {
			return fmt.Errorf("bids not strictly decreasing at level %d", i)
		}
	}
	for i, l := range b.Asks {
		if l.Price.IsNegative() || l.Price.GreaterThan(one) {
			return fmt.Errorf("ask price out of range: %s", l.Price)
		}
		if l.Size.IsNegative() {
			return fmt.Errorf("negative ask size: %s", l.Size)
		}
		if i > 0 && !l.Price.GreaterThan(b.Asks[i-1].Price) {
			return fmt.Errorf("asks not strictly increasing at level %d", i)
		}
	}
	return nil
}

// Quote is the lightweight top-of-book variant of OrderBook, used when a
// venue's ticker endpoint is cheaper than its depth endpoint.
type Quote struct {
	Venue      Venue           `json:"venue"`
	ExternalID string          `json:"external_id"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	LastPrice  decimal.Decimal `json:"last_price"`
	Volume24h  decimal.Decimal `json:"volume_24h"`
	Timestamp  time.Time       `json:"timestamp"`
	LatencyMS  int64           `json:"latency_ms"`
}

// Key returns the natural key "VENUE:external_id".
func (q *Quote) Key() string { return string(q.Venue) + ":" + q.ExternalID }

// MatchStatus is the review state of a proposed cross-venue match.
// PENDING_REVIEW and STALE are set by the core; CONFIRMED and REJECTED
// only ever arrive from the external review workflow.
type MatchStatus string

const (
	MatchPendingReview MatchStatus = "PENDING_REVIEW"
	MatchConfirmed     MatchStatus = "CONFIRMED"
	MatchRejected      MatchStatus = "REJECTED"
	MatchStale         MatchStatus = "STALE"
)

// MatchScores are the matcher's sub-scores, all in [0,1]. Overall is the
// weighted blend and is recomputable from the components (the store
// persists all five so the round-trip property can be checked).
type MatchScores struct {
	Semantic   float64 `json:"semantic" db:"semantic_score"`
	Date       float64 `json:"date" db:"date_score"`
	Category   float64 `json:"category" db:"category_score"`
	Resolution float64 `json:"resolution" db:"resolution_score"`
	Overall    float64 `json:"overall" db:"overall_score"`
}

// MarketMatch is a proposed equivalence between two markets on distinct
// venues. The (source, target) ordering is arbitrary but stable: the
// matcher always puts the lexicographically smaller (venue, external_id)
// first so the unordered pair maps to exactly one row.
type MarketMatch struct {
	SourceVenue Venue  `json:"source_venue" db:"source_venue"`
	SourceID    string `json:"source_id" db:"source_id"`
	TargetVenue Venue  `json:"target_venue" db:"target_venue"`
	TargetID    string `json:"target_id" db:"target_id"`

	Scores         MatchScores `json:"scores"`
	MatchedTerms   []string    `json:"matched_terms"`
	ResolutionDiff *string     `json:"resolution_diff,omitempty"`
	MatchReason    string      `json:"match_reason"`
	Warnings       []string    `json:"warnings,omitempty"`

	Status    MatchStatus `json:"status" db:"status"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// Key returns the natural key "SRCVENUE:src|TGTVENUE:tgt".
func (m *MarketMatch) Key() string {
	return string(m.SourceVenue) + ":" + m.SourceID + "|" + string(m.TargetVenue) + ":" + m.TargetID
}

// SourceKey returns the source market's "VENUE:external_id" key.
func (m *MarketMatch) SourceKey() string { return string(m.SourceVenue) + ":" + m.SourceID }

// TargetKey returns the target market's "VENUE:external_id" key.
func (m *MarketMatch) TargetKey() string { return string(m.TargetVenue) + ":" + m.TargetID }

// Action is the directional strategy of an opportunity. The detector
// trades the YES outcome on both legs today, but the cross actions exist
// so a complement-priced venue pair can be expressed.
type Action string

const (
	BuyYesSellYes Action = "BUY_YES_SELL_YES"
	BuyNoSellNo   Action = "BUY_NO_SELL_NO"
	BuyYesSellNo  Action = "BUY_YES_SELL_NO"
	BuyNoSellYes  Action = "BUY_NO_SELL_YES"
)

// Strategy describes the two legs of a detected opportunity.
type Strategy struct {
	Action    Action          `json:"action"`
	BuyVenue  Venue           `json:"buy_venue"`
	BuyID     string          `json:"buy_id"`
	BuyPrice  decimal.Decimal `json:"buy_price"`
	BuySize   decimal.Decimal `json:"buy_size"`
	SellVenue Venue           `json:"sell_venue"`
	SellID    string          `json:"sell_id"`
	SellPrice decimal.Decimal `json:"sell_price"`
	SellSize  decimal.Decimal `json:"sell_size"`
}

// ProfitAnalysis is the money math behind an opportunity, computed at
// MaxExecutableSize. GrossSpread, fees and slippage are per-share;
// NetProfit is the total across the executable size.
type ProfitAnalysis struct {
	GrossSpread       decimal.Decimal `json:"gross_spread"`
	TotalFees         decimal.Decimal `json:"total_fees"`
	EstimatedSlippage decimal.Decimal `json:"estimated_slippage"`
	NetProfit         decimal.Decimal `json:"net_profit"`
	ROI               decimal.Decimal `json:"roi"`
	AnnualizedROI     decimal.Decimal `json:"annualized_roi"`
	MaxExecutableSize decimal.Decimal `json:"max_executable_size"`
}

// Confidence scores an opportunity's trustworthiness. Sub-scores and
// Overall are floats in [0,1]; Overall is recomputable as
// 0.35*Freshness + 0.30*Liquidity + 0.35*MatchQuality.
type Confidence struct {
	Overall      float64 `json:"overall"`
	Freshness    float64 `json:"freshness"`
	Liquidity    float64 `json:"liquidity"`
	MatchQuality float64 `json:"match_quality"`
	DataAgeMS    int64   `json:"data_age_ms"`
}

// ExecutionStep is one leg of the execution plan, in order.
type ExecutionStep struct {
	Seq         int             `json:"seq"`
	Side        string          `json:"side"` // "BUY" or "SELL"
	Venue       Venue           `json:"venue"`
	ExternalID  string          `json:"external_id"`
	Price       decimal.Decimal `json:"price"`
	Size        decimal.Decimal `json:"size"`
	Slippage    decimal.Decimal `json:"slippage"`
	Fee         decimal.Decimal `json:"fee"`
	NetCost     decimal.Decimal `json:"net_cost"`
	Instruction string          `json:"instruction"`
	URL         string          `json:"url"`
}

// OpportunityStatus is the lifecycle state of a persisted opportunity.
type OpportunityStatus string

const (
	OpportunityActive   OpportunityStatus = "ACTIVE"
	OpportunityExpired  OpportunityStatus = "EXPIRED"
	OpportunityExecuted OpportunityStatus = "EXECUTED"
	OpportunityMissed   OpportunityStatus = "MISSED"
)

// ArbitrageOpportunity is an append-only record of one detection. New
// detections for the same match produce new rows; nothing is updated in
// place on the hot path.
type ArbitrageOpportunity struct {
	ID       string `json:"id" db:"id"`
	MatchKey string `json:"match_key" db:"match_key"`

	Strategy   Strategy        `json:"strategy"`
	Profit     ProfitAnalysis  `json:"profit"`
	Confidence Confidence      `json:"confidence"`
	Plan       []ExecutionStep `json:"plan"`

	Status          OpportunityStatus `json:"status" db:"status"`
	DetectedAt      time.Time         `json:"detected_at" db:"detected_at"`
	SourceDataAgeMS int64             `json:"source_data_age_ms" db:"source_data_age_ms"`
	TargetDataAgeMS int64             `json:"target_data_age_ms" db:"target_data_age_ms"`
}

// PartialFillScenario is a derived what-if for an opportunity; never
// stored, computed on demand from the opportunity row.
type PartialFillScenario struct {
	FillPct        int             `json:"fill_pct"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	AdjustedProfit decimal.Decimal `json:"adjusted_profit"`
	Risk           string          `json:"risk"` // LOW, MEDIUM, HIGH
	Recommendation string          `json:"recommendation"`
}
