// Package venue defines the adapter contract every platform client
// implements, plus the pieces shared by all adapters: typed venue errors,
// the health tracker, and the per-venue concurrency gate.
//
// An adapter normalizes one venue's markets, quotes, and order books into
// the common shapes in pkg/types. Push-capable venues stream events over
// a persistent connection via StartPush; venues without push are polled
// by the orchestrator through the gate instead.
package venue

import (
	"context"
	"time"

	"marketarb/pkg/types"
)

// EventKind discriminates push events from an adapter.
type EventKind string

const (
	EventOrderBook EventKind = "orderbook"
	EventPrice     EventKind = "price"
)

// Event is one push update delivered to the orchestrator's sink.
// Exactly one of Book/Quote is set, matching Kind.
type Event struct {
	Kind  EventKind
	Venue types.Venue
	Book  *types.OrderBook
	Quote *types.Quote
}

// Sink receives push events. The orchestrator owns the sink; adapters
// must never block on it (buffered channel, latest-wins on overflow).
type Sink chan<- Event

// Adapter is the uniform capability set for one venue.
type Adapter interface {
	// Venue returns the tag this adapter normalizes to.
	Venue() types.Venue

	// FetchActiveMarkets returns the full list of currently tradeable
	// markets, normalized, plus the wall-clock latency of the fetch.
	FetchActiveMarkets(ctx context.Context) ([]types.Market, int64, error)

	// FetchOrderBook returns the top-N (N >= 10) levels on both sides,
	// normalized and validated. A nil book with nil error means the venue
	// returned an empty book.
	FetchOrderBook(ctx context.Context, externalID string) (*types.OrderBook, int64, error)

	// FetchQuote returns top-of-book only; cheaper than FetchOrderBook on
	// venues with a ticker endpoint.
	FetchQuote(ctx context.Context, externalID string) (*types.Quote, int64, error)

	// StartPush opens the venue's push transport, subscribes to the given
	// external IDs, and delivers events to sink until ctx is cancelled.
	// Adapters without a push transport return ErrPushUnsupported; the
	// orchestrator falls back to gated polling.
	StartPush(ctx context.Context, externalIDs []string, sink Sink) error

	// StopPush closes the push transport immediately. Safe to call when
	// no transport is open.
	StopPush()

	// Health returns the adapter's local health view.
	Health() Health
}

// Status is the adapter health state derived from consecutive errors.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusOffline  Status = "OFFLINE"
)

// Health is a snapshot of one adapter's rolling health view.
type Health struct {
	Venue             types.Venue `json:"venue"`
	Status            Status      `json:"status"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	AvgLatencyMS      float64     `json:"avg_latency_ms"`
	LastSuccess       time.Time   `json:"last_success"`
	MarketCount       int         `json:"market_count"`
}
