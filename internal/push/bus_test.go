package push

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketarb/pkg/types"
)

func newTestBus(buffer int) *Bus {
	return NewBus(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishOpportunityDelivers(t *testing.T) {
	t.Parallel()
	b := newTestBus(4)

	o := &types.ArbitrageOpportunity{ID: "opp-1", MatchKey: "KALSHI:a|POLYMARKET:b"}
	b.PublishOpportunity(o)

	select {
	case ev := <-b.Opportunities():
		if ev.Opportunity.ID != "opp-1" {
			t.Errorf("id = %s, want opp-1", ev.Opportunity.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no opportunity event delivered")
	}
}

func TestPublishPriceComputesMidpoint(t *testing.T) {
	t.Parallel()
	b := newTestBus(4)

	b.PublishPrice(&types.Quote{
		Venue:      types.VenueKalshi,
		ExternalID: "TICK-26",
		BestBid:    decimal.RequireFromString("0.46"),
		BestAsk:    decimal.RequireFromString("0.48"),
		Timestamp:  time.Now(),
	})

	ev := <-b.Prices()
	if !ev.Midpoint.Equal(decimal.RequireFromString("0.47")) {
		t.Errorf("midpoint = %v, want 0.47", ev.Midpoint)
	}
}

func TestPublishBookSummarizesDepth(t *testing.T) {
	t.Parallel()
	b := newTestBus(4)

	b.PublishBook(&types.OrderBook{
		Venue:      types.VenuePolymarket,
		ExternalID: "m1",
		Bids: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.40"), Size: decimal.RequireFromString("10")},
			{Price: decimal.RequireFromString("0.39"), Size: decimal.RequireFromString("10")},
		},
		Asks: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.45"), Size: decimal.RequireFromString("10")},
		},
		Timestamp: time.Now(),
	})

	ev := <-b.Books()
	if ev.BidLevels != 2 || ev.AskLevels != 1 {
		t.Errorf("levels = %d/%d, want 2/1", ev.BidLevels, ev.AskLevels)
	}
	if !ev.BestBid.Equal(decimal.RequireFromString("0.40")) {
		t.Errorf("best bid = %v, want 0.40", ev.BestBid)
	}
}

func TestPublishNeverBlocksAndCountsDrops(t *testing.T) {
	t.Parallel()
	b := newTestBus(1)

	o := &types.ArbitrageOpportunity{ID: "opp-1"}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.PublishOpportunity(o)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full channel")
	}
	if d := b.Dropped(); d != 9 {
		t.Errorf("dropped = %d, want 9", d)
	}
}
