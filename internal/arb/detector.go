package arb

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketarb/internal/cache"
	"marketarb/internal/config"
	"marketarb/internal/push"
	"marketarb/internal/store"
	"marketarb/pkg/types"
)

// Confidence blend weights.
const (
	weightFreshness    = 0.35
	weightLiquidity    = 0.30
	weightMatchQuality = 0.35

	liquidityDepthLevels = 5
)

var liquidityNorm = decimal.NewFromInt(1000)

// Detector scans confirmed matches for executable price discrepancies.
type Detector struct {
	cache  *cache.Cache
	store  *store.Store
	bus    *push.Bus
	cfg    *config.Config
	logger *slog.Logger

	mu            sync.Mutex
	lastScan      time.Time
	scansTotal    int64
	detectedTotal int64
	skippedStale  int64
}

// New creates a detector.
func New(c *cache.Cache, st *store.Store, bus *push.Bus, cfg *config.Config, logger *slog.Logger) *Detector {
	return &Detector{
		cache:  c,
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "arb"),
	}
}

// Run loops on the scan cadence until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	t := time.NewTicker(d.cfg.ScanInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := d.Scan(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("scan failed", "error", err)
			}
		}
	}
}

// Scan evaluates every confirmed match once. Each match is independent;
// a missing or stale book just skips that match.
func (d *Detector) Scan(ctx context.Context) error {
	matches, err := d.store.MatchesByStatus(ctx, types.MatchConfirmed)
	if err != nil {
		return fmt.Errorf("list confirmed matches: %w", err)
	}

	detected := 0
	for i := range matches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opp := d.evaluate(ctx, &matches[i]); opp != nil {
			if err := d.store.InsertOpportunity(ctx, opp); err != nil {
				d.logger.Error("opportunity insert failed", "id", opp.ID, "error", err)
				continue
			}
			d.bus.PublishOpportunity(opp)
			detected++
			d.logger.Info("opportunity detected",
				"id", opp.ID,
				"match", opp.MatchKey,
				"net_profit", opp.Profit.NetProfit,
				"confidence", opp.Confidence.Overall)
		}
	}

	d.mu.Lock()
	d.lastScan = time.Now()
	d.scansTotal++
	d.detectedTotal += int64(detected)
	d.mu.Unlock()
	return nil
}

// evaluate runs the full pipeline for one match: book reads, staleness
// gates, both directions, best-direction selection.
func (d *Detector) evaluate(ctx context.Context, m *types.MarketMatch) *types.ArbitrageOpportunity {
	srcBook, err := d.cache.GetOrderBook(ctx, m.SourceVenue, m.SourceID)
	if err != nil || srcBook == nil {
		return nil
	}
	tgtBook, err := d.cache.GetOrderBook(ctx, m.TargetVenue, m.TargetID)
	if err != nil || tgtBook == nil {
		return nil
	}

	now := time.Now()
	staleMS := int64(d.cfg.Arbitrage.OrderbookStaleMS)
	if srcBook.AgeMS(now) >= staleMS || tgtBook.AgeMS(now) >= staleMS {
		d.mu.Lock()
		d.skippedStale++
		d.mu.Unlock()
		return nil
	}

	a := d.direction(ctx, m, srcBook, tgtBook, now)
	b := d.direction(ctx, m, tgtBook, srcBook, now)

	best := a
	if best == nil || (b != nil && b.Profit.NetProfit.GreaterThan(best.Profit.NetProfit)) {
		best = b
	}
	return best
}

// direction prices one candidate: buy YES on buyBook's venue, sell YES
// on sellBook's venue.
func (d *Detector) direction(ctx context.Context, m *types.MarketMatch, buyBook, sellBook *types.OrderBook, now time.Time) *types.ArbitrageOpportunity {
	ask, okAsk := buyBook.BestAsk()
	bid, okBid := sellBook.BestBid()
	if !okAsk || !okBid {
		return nil
	}

	grossSpread := bid.Sub(ask)
	if grossSpread.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	buyFee := ask.Mul(buyBook.Venue.TakerFee())
	sellFee := bid.Mul(sellBook.Venue.TakerFee())
	netSpread := grossSpread.Sub(buyFee).Sub(sellFee)
	if netSpread.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	// Net spread as a percentage of the buy price must clear the floor.
	minSpread := decimal.NewFromFloat(d.cfg.Arbitrage.MinSpreadPct)
	if !ask.IsZero() && netSpread.Div(ask).Mul(hundred).LessThan(minSpread) {
		return nil
	}

	band := decimal.NewFromFloat(d.cfg.Arbitrage.SlippageBandPct)
	buyFill, okBuy := simulateFill(buyBook.Asks, band, true)
	sellFill, okSell := simulateFill(sellBook.Bids, band, false)
	if !okBuy || !okSell {
		return nil
	}

	maxSize := decimal.Min(
		buyFill.FillableSize,
		sellFill.FillableSize,
		decimal.NewFromFloat(d.cfg.Arbitrage.MaxExecutableSizeUSD),
	)
	if maxSize.LessThan(decimal.NewFromFloat(d.cfg.Arbitrage.MinExecutableSizeUSD)) {
		return nil
	}

	combinedSlippage := buyFill.Slippage.Add(sellFill.Slippage).Div(decimal.NewFromInt(2))
	netProfit := netSpread.Sub(combinedSlippage).Mul(maxSize)
	if netProfit.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	onePlusFee := decimal.NewFromInt(1).Add(buyBook.Venue.TakerFee())
	roi := netProfit.Div(ask.Mul(maxSize).Mul(onePlusFee))

	days := d.daysToExpiry(ctx, m, now)
	annualized := roi.Mul(decimal.NewFromInt(365)).Div(decimal.NewFromInt(days))

	conf := d.confidence(m, buyBook, sellBook, now)
	if conf.Overall < d.cfg.Arbitrage.MinConfidence {
		return nil
	}

	strategy := types.Strategy{
		Action:    types.BuyYesSellYes,
		BuyVenue:  buyBook.Venue,
		BuyID:     buyBook.ExternalID,
		BuyPrice:  ask,
		BuySize:   maxSize,
		SellVenue: sellBook.Venue,
		SellID:    sellBook.ExternalID,
		SellPrice: bid,
		SellSize:  maxSize,
	}

	opp := &types.ArbitrageOpportunity{
		ID:       uuid.NewString(),
		MatchKey: m.Key(),
		Strategy: strategy,
		Profit: types.ProfitAnalysis{
			GrossSpread:       grossSpread,
			TotalFees:         buyFee.Add(sellFee),
			EstimatedSlippage: combinedSlippage,
			NetProfit:         netProfit,
			ROI:               roi,
			AnnualizedROI:     annualized,
			MaxExecutableSize: maxSize,
		},
		Confidence:      conf,
		Plan:            d.buildPlan(ctx, strategy, buyFill, sellFill, buyFee, sellFee),
		Status:          types.OpportunityActive,
		DetectedAt:      now,
		SourceDataAgeMS: buyBook.AgeMS(now),
		TargetDataAgeMS: sellBook.AgeMS(now),
	}
	return opp
}

// confidence scores one candidate from data age, book depth, and the
// match's overall score.
func (d *Detector) confidence(m *types.MarketMatch, buyBook, sellBook *types.OrderBook, now time.Time) types.Confidence {
	staleMS := float64(d.cfg.Arbitrage.OrderbookStaleMS)
	maxAge := buyBook.AgeMS(now)
	if a := sellBook.AgeMS(now); a > maxAge {
		maxAge = a
	}
	freshness := math.Max(0, 1-float64(maxAge)/staleMS)

	minDepth := decimal.Min(
		topDepth(buyBook.Bids, liquidityDepthLevels),
		topDepth(buyBook.Asks, liquidityDepthLevels),
		topDepth(sellBook.Bids, liquidityDepthLevels),
		topDepth(sellBook.Asks, liquidityDepthLevels),
	)
	liquidity := math.Min(1, minDepth.Div(liquidityNorm).InexactFloat64())

	matchQuality := m.Scores.Overall

	return types.Confidence{
		Overall:      weightFreshness*freshness + weightLiquidity*liquidity + weightMatchQuality*matchQuality,
		Freshness:    freshness,
		Liquidity:    liquidity,
		MatchQuality: matchQuality,
		DataAgeMS:    maxAge,
	}
}

// daysToExpiry uses whichever matched market has an end date; both
// missing means 1 day, keeping annualized ROI finite and conservative.
func (d *Detector) daysToExpiry(ctx context.Context, m *types.MarketMatch, now time.Time) int64 {
	for _, leg := range []struct {
		v  types.Venue
		id string
	}{{m.SourceVenue, m.SourceID}, {m.TargetVenue, m.TargetID}} {
		mk, err := d.store.GetMarket(ctx, leg.v, leg.id)
		if err == nil && mk != nil && mk.EndDate != nil {
			return mk.DaysToExpiry(now)
		}
	}
	return 1
}

// buildPlan produces the two ordered execution steps with instruction
// strings and venue links. Buy leg first: the long position bounds the
// downside if the second leg misses.
func (d *Detector) buildPlan(ctx context.Context, s types.Strategy, buyFill, sellFill fillResult, buyFee, sellFee decimal.Decimal) []types.ExecutionStep {
	buyURL := d.marketURL(ctx, s.BuyVenue, s.BuyID)
	sellURL := d.marketURL(ctx, s.SellVenue, s.SellID)

	buyCost := buyFill.AvgFillPrice.Add(buyFee).Mul(s.BuySize)
	sellProceeds := sellFill.AvgFillPrice.Sub(sellFee).Mul(s.SellSize)

	return []types.ExecutionStep{
		{
			Seq:        1,
			Side:       "BUY",
			Venue:      s.BuyVenue,
			ExternalID: s.BuyID,
			Price:      s.BuyPrice,
			Size:       s.BuySize,
			Slippage:   buyFill.Slippage,
			Fee:        buyFee,
			NetCost:    buyCost,
			Instruction: fmt.Sprintf("Buy %s YES shares on %s at %s or better",
				s.BuySize.StringFixed(2), s.BuyVenue.Meta().DisplayName, s.BuyPrice.StringFixed(4)),
			URL: buyURL,
		},
		{
			Seq:        2,
			Side:       "SELL",
			Venue:      s.SellVenue,
			ExternalID: s.SellID,
			Price:      s.SellPrice,
			Size:       s.SellSize,
			Slippage:   sellFill.Slippage,
			Fee:        sellFee,
			NetCost:    sellProceeds.Neg(),
			Instruction: fmt.Sprintf("Sell %s YES shares on %s at %s or better",
				s.SellSize.StringFixed(2), s.SellVenue.Meta().DisplayName, s.SellPrice.StringFixed(4)),
			URL: sellURL,
		},
	}
}

func (d *Detector) marketURL(ctx context.Context, v types.Venue, externalID string) string {
	if m, err := d.store.GetMarket(ctx, v, externalID); err == nil && m != nil && m.URL != "" {
		return m.URL
	}
	return v.Meta().SiteURL
}

// Snapshot reports detector counters for the status surface.
func (d *Detector) Snapshot() (lastScan time.Time, scans, detected, skippedStale int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastScan, d.scansTotal, d.detectedTotal, d.skippedStale
}
