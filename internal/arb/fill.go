// Package arb is the decision engine: it walks confirmed matches, pulls
// both cached order books, simulates fills on the YES outcome in both
// directions, and emits priced opportunities with confidence scores and
// execution plans.
package arb

import (
	"github.com/shopspring/decimal"

	"marketarb/pkg/types"
)

// fillResult is the outcome of walking one side of a book within the
// slippage band.
type fillResult struct {
	TopPrice     decimal.Decimal
	AvgFillPrice decimal.Decimal
	FillableSize decimal.Decimal
	Slippage     decimal.Decimal // |avg - top| per share
}

var hundred = decimal.NewFromInt(100)

// simulateFill walks price levels from the top, admitting levels whose
// price stays within bandPct percent of the top. Ask walks admit prices
// up to top*(1+band); bid walks admit prices down to top*(1-band). The
// average fill price is size-weighted over the admitted levels.
func simulateFill(levels []types.PriceLevel, bandPct decimal.Decimal, isAsk bool) (fillResult, bool) {
	if len(levels) == 0 {
		return fillResult{}, false
	}
	top := levels[0].Price
	band := top.Mul(bandPct).Div(hundred)

	var limit decimal.Decimal
	if isAsk {
		limit = top.Add(band)
	} else {
		limit = top.Sub(band)
	}

	var notional, size decimal.Decimal
	for _, l := range levels {
		if isAsk && l.Price.GreaterThan(limit) {
			break
		}
		if !isAsk && l.Price.LessThan(limit) {
			break
		}
		notional = notional.Add(l.Price.Mul(l.Size))
		size = size.Add(l.Size)
	}
	if size.IsZero() {
		return fillResult{}, false
	}

	avg := notional.Div(size)
	return fillResult{
		TopPrice:     top,
		AvgFillPrice: avg,
		FillableSize: size,
		Slippage:     avg.Sub(top).Abs(),
	}, true
}

// topDepth sums the sizes of the first n levels of a side.
func topDepth(levels []types.PriceLevel, n int) decimal.Decimal {
	var sum decimal.Decimal
	for i, l := range levels {
		if i >= n {
			break
		}
		sum = sum.Add(l.Size)
	}
	return sum
}

// Scenarios derives the partial-fill what-ifs for an opportunity.
// Computed on demand, never stored.
func Scenarios(o *types.ArbitrageOpportunity) []types.PartialFillScenario {
	out := make([]types.PartialFillScenario, 0, 4)
	for _, pct := range []int{25, 50, 75, 100} {
		frac := decimal.NewFromInt(int64(pct)).Div(hundred)
		risk := "HIGH"
		recommendation := "High risk of one-sided exposure at this fill level; size down or skip."
		switch {
		case pct >= 75:
			risk = "LOW"
			recommendation = "Both legs likely to fill near quoted depth; acceptable to execute."
		case pct >= 50:
			risk = "MEDIUM"
			recommendation = "Partial fills plausible; be prepared to unwind the filled leg."
		}
		out = append(out, types.PartialFillScenario{
			FillPct:        pct,
			FilledQty:      o.Profit.MaxExecutableSize.Mul(frac),
			AdjustedProfit: o.Profit.NetProfit.Mul(frac),
			Risk:           risk,
			Recommendation: recommendation,
		})
	}
	return out
}
