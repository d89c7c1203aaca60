// Package push fans detections and price movement out to subscribers
// over typed buffered channels. Publishing never blocks the hot path: a
// full channel drops the payload and counts it.
package push

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"marketarb/pkg/types"
)

const defaultBuffer = 64

// OpportunityEvent announces a newly persisted opportunity.
type OpportunityEvent struct {
	Opportunity *types.ArbitrageOpportunity `json:"opportunity"`
	PublishedAt time.Time                   `json:"published_at"`
}

// PriceEvent announces a top-of-book move on one market.
type PriceEvent struct {
	Venue      types.Venue     `json:"venue"`
	ExternalID string          `json:"external_id"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	Midpoint   decimal.Decimal `json:"midpoint"`
	Timestamp  time.Time       `json:"timestamp"`
}

// BookEvent announces a refreshed order book (top-of-book summary plus
// depth counts; subscribers wanting full depth read the cache).
type BookEvent struct {
	Venue      types.Venue     `json:"venue"`
	ExternalID string          `json:"external_id"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	BidLevels  int             `json:"bid_levels"`
	AskLevels  int             `json:"ask_levels"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Bus is the in-process event fan-out.
type Bus struct {
	opportunities chan OpportunityEvent
	prices        chan PriceEvent
	books         chan BookEvent
	logger        *slog.Logger
	dropped       atomic.Int64
}

// NewBus creates a bus with the given per-channel buffer (0 uses the
// default).
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		opportunities: make(chan OpportunityEvent, buffer),
		prices:        make(chan PriceEvent, buffer),
		books:         make(chan BookEvent, buffer),
		logger:        logger.With("component", "push"),
	}
}

// Opportunities returns the read side of the opportunity stream.
func (b *Bus) Opportunities() <-chan OpportunityEvent { return b.opportunities }

// Prices returns the read side of the price stream.
func (b *Bus) Prices() <-chan PriceEvent { return b.prices }

// Books returns the read side of the orderbook stream.
func (b *Bus) Books() <-chan BookEvent { return b.books }

// Dropped reports how many events were discarded because a channel was
// full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// PublishOpportunity emits a new-opportunity event without blocking.
func (b *Bus) PublishOpportunity(o *types.ArbitrageOpportunity) {
	ev := OpportunityEvent{Opportunity: o, PublishedAt: time.Now()}
	select {
	case b.opportunities <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("opportunity channel full, dropping event", "id", o.ID)
	}
}

// PublishPrice emits a price-update event without blocking.
func (b *Bus) PublishPrice(q *types.Quote) {
	mid := decimal.Zero
	if !q.BestBid.IsZero() && !q.BestAsk.IsZero() {
		mid = q.BestBid.Add(q.BestAsk).Div(decimal.NewFromInt(2))
	}
	ev := PriceEvent{
		Venue:      q.Venue,
		ExternalID: q.ExternalID,
		BestBid:    q.BestBid,
		BestAsk:    q.BestAsk,
		Midpoint:   mid,
		Timestamp:  q.Timestamp,
	}
	select {
	case b.prices <- ev:
	default:
		b.dropped.Add(1)
	}
}

// PublishBook emits an orderbook-update event without blocking.
func (b *Bus) PublishBook(book *types.OrderBook) {
	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	ev := BookEvent{
		Venue:      book.Venue,
		ExternalID: book.ExternalID,
		BestBid:    bid,
		BestAsk:    ask,
		BidLevels:  len(book.Bids),
		AskLevels:  len(book.Asks),
		Timestamp:  book.Timestamp,
	}
	select {
	case b.books <- ev:
	default:
		b.dropped.Add(1)
	}
}
