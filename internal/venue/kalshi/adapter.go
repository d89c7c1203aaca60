// Package kalshi implements the Kalshi venue adapter.
//
// Kalshi quotes everything in integer cents; normalization divides by
// 100 to land in the common [0,1] dollar range. The orderbook endpoint
// returns YES bids and NO bids only, so YES asks are derived as the
// complement of NO bids (a NO bid at c cents is a YES ask at 1 - c/100).
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketarb/internal/config"
	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

type marketsResponse struct {
	Markets []kalshiMarket `json:"markets"`
	Cursor  string         `json:"cursor"`
}

type kalshiMarket struct {
	Ticker          string  `json:"ticker"`
	EventTicker     string  `json:"event_ticker"`
	Title           string  `json:"title"`
	Subtitle        string  `json:"subtitle"`
	Category        string  `json:"category"`
	RulesPrimary    string  `json:"rules_primary"`
	RulesSecondary  string  `json:"rules_secondary"`
	Status          string  `json:"status"`
	CloseTime       string  `json:"close_time"`
	ExpirationTime  string  `json:"expiration_time"`
	YesBid          int64   `json:"yes_bid"`
	YesAsk          int64   `json:"yes_ask"`
	LastPrice       int64   `json:"last_price"`
	Volume24h       int64   `json:"volume_24h"`
	Liquidity       int64   `json:"liquidity"`
	OpenInterest    int64   `json:"open_interest"`
	TickSize        int64   `json:"tick_size"`
	ResponsePriceUnits string `json:"response_price_units"`
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][]int64 `json:"yes"` // [price_cents, contracts]
		No  [][]int64 `json:"no"`
	} `json:"orderbook"`
}

// Adapter is the Kalshi implementation of venue.Adapter. Market data
// endpoints are public; an API key, when configured, is attached but the
// adapter never signs orders.
type Adapter struct {
	client *resty.Client
	wsURL  string
	gate   *venue.Gate
	health *venue.HealthTracker
	logger *slog.Logger

	integrityDrops atomic.Int64
}

var cents = decimal.NewFromInt(100)

// New creates a Kalshi adapter from its venue config.
func New(cfg config.VenueConfig, logger *slog.Logger) *Adapter {
	client := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if cfg.APIKey != "" {
		client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &Adapter{
		client: client,
		wsURL:  cfg.WSURL,
		gate:   venue.NewGate(cfg.MaxInFlight, cfg.Pacing()),
		health: venue.NewHealthTracker(types.VenueKalshi),
		logger: logger.With("component", "kalshi"),
	}
}

// Venue returns the adapter's venue tag.
func (a *Adapter) Venue() types.Venue { return types.VenueKalshi }

// Health returns the adapter's rolling health view.
func (a *Adapter) Health() venue.Health { return a.health.Snapshot() }

// Gate exposes the concurrency gate for rate-limit signalling.
func (a *Adapter) Gate() *venue.Gate { return a.gate }

// StartPush is not implemented for Kalshi; the orchestrator polls
// through the gate instead. The public WS feed requires an authenticated
// session, which the data plane deliberately does not hold.
func (a *Adapter) StartPush(ctx context.Context, externalIDs []string, sink venue.Sink) error {
	return venue.ErrPushUnsupported
}

// StopPush is a no-op; there is no push transport to close.
func (a *Adapter) StopPush() {}

// FetchActiveMarkets pages the /markets listing by cursor, keeping only
// open markets.
func (a *Adapter) FetchActiveMarkets(ctx context.Context) ([]types.Market, int64, error) {
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var all []kalshiMarket
	cursor := ""

	for {
		var page marketsResponse
		req := a.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  "200",
				"status": "open",
			}).
			SetResult(&page)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}
		resp, err := req.Get("/markets")
		if err != nil {
			a.health.RecordError()
			return nil, 0, venue.ClassifyHTTP("fetch_markets", 0, err)
		}
		if resp.StatusCode() != http.StatusOK {
			a.health.RecordError()
			return nil, 0, venue.ClassifyHTTP("fetch_markets", resp.StatusCode(), nil)
		}

		all = append(all, page.Markets...)
		if page.Cursor == "" || len(page.Markets) == 0 {
			break
		}
		cursor = page.Cursor
	}

	latency := time.Since(start).Milliseconds()
	markets := make([]types.Market, 0, len(all))
	for _, km := range all {
		if km.Status != "active" && km.Status != "open" {
			continue
		}
		markets = append(markets, a.normalizeMarket(km, latency))
	}

	a.health.RecordSuccess(latency)
	a.health.SetMarketCount(len(markets))
	return markets, latency, nil
}

func (a *Adapter) normalizeMarket(km kalshiMarket, latencyMS int64) types.Market {
	question := km.Title
	if km.Subtitle != "" {
		question = km.Title + " " + km.Subtitle
	}

	var endDate *time.Time
	if km.CloseTime != "" {
		if t, err := time.Parse(time.RFC3339, km.CloseTime); err == nil {
			endDate = &t
		}
	}

	bid := fromCents(km.YesBid)
	ask := fromCents(km.YesAsk)

	tick := fromCents(km.TickSize)
	if tick.IsZero() {
		tick = fromCents(1)
	}

	m := types.Market{
		Venue:            types.VenueKalshi,
		ExternalID:       km.Ticker,
		Question:         question,
		Description:      km.RulesPrimary,
		Category:         km.Category,
		Outcomes:         []string{"Yes", "No"},
		ResolutionSource: km.RulesSecondary,
		ResolutionRules:  km.RulesPrimary,
		URL:              "https://kalshi.com/markets/" + km.EventTicker,
		EndDate:          endDate,
		TickSize:         tick,
		MinOrderSize:     decimal.NewFromInt(1),
		FeeRate:          types.VenueKalshi.TakerFee(),
		Status:           types.MarketActive,
		YesBid:           bid,
		YesAsk:           ask,
		Spread:           ask.Sub(bid),
		Liquidity:        fromCents(km.Liquidity),
		Volume24h:        decimal.NewFromInt(km.Volume24h),
		LastFetchedAt:    time.Now(),
		FetchLatencyMS:   latencyMS,
	}
	if km.YesBid > 0 || km.YesAsk > 0 {
		m.Midpoint = bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	return m
}

// FetchOrderBook fetches and normalizes one market's book. YES bids map
// directly; YES asks are the complement of NO bids, so a deep NO side
// becomes a deep YES ask side at 1 - no_price.
func (a *Adapter) FetchOrderBook(ctx context.Context, externalID string) (*types.OrderBook, int64, error) {
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var result orderbookResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("depth", "20").
		SetResult(&result).
		Get("/markets/" + externalID + "/orderbook")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.health.RecordError()
		return nil, latency, venue.ClassifyHTTP("fetch_orderbook", 0, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		a.health.RecordError()
		a.gate.OnRateLimited()
		return nil, latency, venue.ClassifyHTTP("fetch_orderbook", resp.StatusCode(), nil)
	}
	if resp.StatusCode() != http.StatusOK {
		if resp.StatusCode() != http.StatusNotFound {
			a.health.RecordError()
		}
		return nil, latency, venue.ClassifyHTTP("fetch_orderbook", resp.StatusCode(), nil)
	}

	book := &types.OrderBook{
		Venue:      types.VenueKalshi,
		ExternalID: externalID,
		Timestamp:  time.Now(),
		LatencyMS:  latency,
	}
	for _, row := range result.Orderbook.Yes {
		lvl, ok := a.yesLevel(row)
		if !ok {
			continue
		}
		book.Bids = append(book.Bids, lvl)
	}
	for _, row := range result.Orderbook.No {
		lvl, ok := a.noToYesAsk(row)
		if !ok {
			continue
		}
		book.Asks = append(book.Asks, lvl)
	}
	if dropped := book.Normalize(); dropped > 0 {
		a.integrityDrops.Add(int64(dropped))
		a.logger.Warn("dropped invalid book levels", "market", externalID, "count", dropped)
	}

	a.health.RecordSuccess(latency)
	return book, latency, nil
}

// yesLevel converts a [price_cents, contracts] row to a YES bid level.
// Size is dollar depth: contracts * price.
func (a *Adapter) yesLevel(row []int64) (types.PriceLevel, bool) {
	if len(row) < 2 {
		a.integrityDrops.Add(1)
		return types.PriceLevel{}, false
	}
	price := fromCents(row[0])
	size := price.Mul(decimal.NewFromInt(row[1]))
	return types.PriceLevel{Price: price, Size: size}, true
}

// noToYesAsk converts a NO bid row to the equivalent YES ask. Selling
// YES to a NO bidder at c cents fills at 1 - c/100 on the YES side.
func (a *Adapter) noToYesAsk(row []int64) (types.PriceLevel, bool) {
	if len(row) < 2 {
		a.integrityDrops.Add(1)
		return types.PriceLevel{}, false
	}
	price := decimal.NewFromInt(1).Sub(fromCents(row[0]))
	size := price.Mul(decimal.NewFromInt(row[1]))
	return types.PriceLevel{Price: price, Size: size}, true
}

// FetchQuote reads top-of-book from the single-market endpoint.
func (a *Adapter) FetchQuote(ctx context.Context, externalID string) (*types.Quote, int64, error) {
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var result struct {
		Market kalshiMarket `json:"market"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + externalID)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.health.RecordError()
		return nil, latency, venue.ClassifyHTTP("fetch_quote", 0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		if resp.StatusCode() != http.StatusNotFound {
			a.health.RecordError()
		}
		return nil, latency, venue.ClassifyHTTP("fetch_quote", resp.StatusCode(), nil)
	}

	km := result.Market
	if km.Ticker == "" {
		return nil, latency, venue.NewError(venue.ErrSchema, "fetch_quote",
			fmt.Errorf("empty market payload for %s", externalID))
	}

	a.health.RecordSuccess(latency)
	return &types.Quote{
		Venue:      types.VenueKalshi,
		ExternalID: externalID,
		BestBid:    fromCents(km.YesBid),
		BestAsk:    fromCents(km.YesAsk),
		LastPrice:  fromCents(km.LastPrice),
		Volume24h:  decimal.NewFromInt(km.Volume24h),
		Timestamp:  time.Now(),
		LatencyMS:  latency,
	}, latency, nil
}

// IntegrityDrops reports how many invalid book levels were discarded.
func (a *Adapter) IntegrityDrops() int64 { return a.integrityDrops.Load() }

func fromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Div(cents)
}
