// Package polymarket implements the Polymarket venue adapter.
//
// Market discovery goes through the Gamma API (paged /markets listing);
// depth and top-of-book go through the CLOB API (/book, /midpoint). Push
// updates arrive over the public market WebSocket channel, subscribed by
// CLOB token ID. All prices are already dollar-denominated in [0,1].
package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"marketarb/internal/config"
	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API.
type gammaMarket struct {
	ID              string  `json:"id"`
	Question        string  `json:"question"`
	Description     string  `json:"description"`
	Category        string  `json:"category"`
	ConditionID     string  `json:"conditionId"`
	Slug            string  `json:"slug"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	EnableOrderBook bool    `json:"enableOrderBook"`
	EndDate         string  `json:"endDate"`
	Liquidity       string  `json:"liquidity"`
	Volume24hr      float64 `json:"volume24hr"`
	Outcomes        string  `json:"outcomes"`
	ClobTokenIds    string  `json:"clobTokenIds"`
	Spread          float64 `json:"spread"`
	BestBid         float64 `json:"bestBid"`
	BestAsk         float64 `json:"bestAsk"`
	LastTradePrice  float64 `json:"lastTradePrice"`
	TickSize        float64 `json:"orderPriceMinTickSize"`
	OrderMinSize    float64 `json:"orderMinSize"`
}

// bookResponse is the CLOB GET /book response for one token.
type bookResponse struct {
	Market    string      `json:"market"`
	AssetID   string      `json:"asset_id"`
	Bids      []restLevel `json:"bids"`
	Asks      []restLevel `json:"asks"`
	Timestamp string      `json:"timestamp"`
}

type restLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// Adapter is the Polymarket implementation of venue.Adapter.
type Adapter struct {
	gamma  *resty.Client // market listing
	clob   *resty.Client // depth + quotes
	gate   *venue.Gate
	health *venue.HealthTracker
	logger *slog.Logger

	// tokens maps Gamma market ID -> YES-token CLOB asset ID, and
	// assetIndex the reverse, so WS events (keyed by token) can be
	// normalized back to the market's external ID.
	mu         sync.RWMutex
	tokens     map[string]string
	assetIndex map[string]string

	feed *marketFeed

	integrityDrops atomic.Int64
}

// New creates a Polymarket adapter from its venue config.
func New(cfg config.VenueConfig, logger *slog.Logger) *Adapter {
	gamma := resty.New().
		SetBaseURL(cfg.MarketsURL).
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

	clob := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Adapter{
		gamma:      gamma,
		clob:       clob,
		gate:       venue.NewGate(cfg.MaxInFlight, cfg.Pacing()),
		health:     venue.NewHealthTracker(types.VenuePolymarket),
		logger:     logger.With("component", "polymarket"),
		tokens:     make(map[string]string),
		assetIndex: make(map[string]string),
		feed:       newMarketFeed(cfg.WSURL, logger),
	}
}

// Venue returns the adapter's venue tag.
func (a *Adapter) Venue() types.Venue { return types.VenuePolymarket }

// Health returns the adapter's rolling health view.
func (a *Adapter) Health() venue.Health { return a.health.Snapshot() }

// Gate exposes the concurrency gate so the orchestrator can signal
// rate-limit widening.
func (a *Adapter) Gate() *venue.Gate { return a.gate }

// FetchActiveMarkets pages through the Gamma listing and normalizes
// every active binary market.
func (a *Adapter) FetchActiveMarkets(ctx context.Context) ([]types.Market, int64, error) {
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var all []gammaMarket
	offset := 0
	const limit = 100

	for {
		var page []gammaMarket
		resp, err := a.gamma.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"limit":  strconv.Itoa(limit),
				"offset": strconv.Itoa(offset),
				"active": "true",
				"closed": "false",
			}).
			SetResult(&page).
			Get("/markets")
		if err != nil {
			a.health.RecordError()
			return nil, 0, venue.ClassifyHTTP("fetch_markets", 0, err)
		}
		if resp.StatusCode() != http.StatusOK {
			a.health.RecordError()
			return nil, 0, venue.ClassifyHTTP("fetch_markets", resp.StatusCode(), nil)
		}

		all = append(all, page...)
		if len(page) < limit {
			break
		}
		offset += limit
	}

	latency := time.Since(start).Milliseconds()
	markets := make([]types.Market, 0, len(all))
	for _, gm := range all {
		m, ok := a.normalizeMarket(gm, latency)
		if !ok {
			continue
		}
		markets = append(markets, m)
	}

	a.health.RecordSuccess(latency)
	a.health.SetMarketCount(len(markets))
	return markets, latency, nil
}

// normalizeMarket converts a Gamma row to the common shape. Markets
// without exactly two outcomes or without CLOB token IDs are skipped:
// the core only cross-references strictly binary markets.
func (a *Adapter) normalizeMarket(gm gammaMarket, latencyMS int64) (types.Market, bool) {
	if !gm.Active || gm.Closed || !gm.AcceptingOrders || !gm.EnableOrderBook {
		return types.Market{}, false
	}

	var outcomes []string
	if gm.Outcomes != "" {
		if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
			a.logger.Debug("unparseable outcomes, skipping market", "id", gm.ID)
			return types.Market{}, false
		}
	}
	if len(outcomes) != 2 {
		return types.Market{}, false
	}

	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		if err := json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs); err != nil || len(tokenIDs) < 2 {
			return types.Market{}, false
		}
	}
	if len(tokenIDs) < 2 {
		return types.Market{}, false
	}

	a.mu.Lock()
	a.tokens[gm.ID] = tokenIDs[0]
	a.assetIndex[tokenIDs[0]] = gm.ID
	a.mu.Unlock()

	var endDate *time.Time
	if gm.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, gm.EndDate); err == nil {
			endDate = &t
		}
	}

	liquidity, _ := decimal.NewFromString(gm.Liquidity)
	bid := decimal.NewFromFloat(gm.BestBid)
	ask := decimal.NewFromFloat(gm.BestAsk)

	m := types.Market{
		Venue:           types.VenuePolymarket,
		ExternalID:      gm.ID,
		Question:        gm.Question,
		Description:     gm.Description,
		Category:        gm.Category,
		Outcomes:        outcomes,
		ResolutionRules: gm.Description,
		URL:             "https://polymarket.com/event/" + gm.Slug,
		EndDate:         endDate,
		TickSize:        decimal.NewFromFloat(gm.TickSize),
		MinOrderSize:    decimal.NewFromFloat(gm.OrderMinSize),
		FeeRate:         types.VenuePolymarket.TakerFee(),
		Status:          types.MarketActive,
		YesBid:          bid,
		YesAsk:          ask,
		Spread:          ask.Sub(bid),
		Liquidity:       liquidity,
		Volume24h:       decimal.NewFromFloat(gm.Volume24hr),
		LastFetchedAt:   time.Now(),
		FetchLatencyMS:  latencyMS,
	}
	if gm.BestBid > 0 || gm.BestAsk > 0 {
		m.Midpoint = bid.Add(ask).Div(decimal.NewFromInt(2))
	}
	return m, true
}

// FetchOrderBook fetches the YES-token book from the CLOB API.
func (a *Adapter) FetchOrderBook(ctx context.Context, externalID string) (*types.OrderBook, int64, error) {
	tokenID, err := a.yesToken(ctx, externalID)
	if err != nil {
		return nil, 0, err
	}

	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var result bookResponse
	resp, err := a.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.health.RecordError()
		return nil, latency, venue.ClassifyHTTP("fetch_orderbook", 0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		if resp.StatusCode() != http.StatusNotFound {
			a.health.RecordError()
		}
		return nil, latency, venue.ClassifyHTTP("fetch_orderbook", resp.StatusCode(), nil)
	}

	book := a.normalizeBook(externalID, result.Bids, result.Asks, latency)
	a.health.RecordSuccess(latency)
	return book, latency, nil
}

// normalizeBook converts string levels to decimals, re-sorts, and drops
// invalid rows with a counted warning. The CLOB returns bids ascending;
// Normalize handles the re-sort either way.
func (a *Adapter) normalizeBook(externalID string, bids, asks []restLevel, latencyMS int64) *types.OrderBook {
	book := &types.OrderBook{
		Venue:      types.VenuePolymarket,
		ExternalID: externalID,
		Timestamp:  time.Now(),
		LatencyMS:  latencyMS,
	}
	for _, l := range bids {
		if lvl, ok := parseLevel(l); ok {
			book.Bids = append(book.Bids, lvl)
		} else {
			a.integrityDrops.Add(1)
		}
	}
	for _, l := range asks {
		if lvl, ok := parseLevel(l); ok {
			book.Asks = append(book.Asks, lvl)
		} else {
			a.integrityDrops.Add(1)
		}
	}
	if dropped := book.Normalize(); dropped > 0 {
		a.integrityDrops.Add(int64(dropped))
		a.logger.Warn("dropped invalid book levels", "market", externalID, "count", dropped)
	}
	return book
}

func parseLevel(l restLevel) (types.PriceLevel, bool) {
	price, err := decimal.NewFromString(l.Price)
	if err != nil {
		return types.PriceLevel{}, false
	}
	size, err := decimal.NewFromString(l.Size)
	if err != nil {
		return types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: price, Size: size}, true
}

// FetchQuote reads top-of-book from the Gamma single-market endpoint,
// which is cheaper than a depth call.
func (a *Adapter) FetchQuote(ctx context.Context, externalID string) (*types.Quote, int64, error) {
	if err := a.gate.Acquire(ctx); err != nil {
		return nil, 0, err
	}
	defer a.gate.Release()

	start := time.Now()
	var gm gammaMarket
	resp, err := a.gamma.R().
		SetContext(ctx).
		SetResult(&gm).
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

	a.health.RecordSuccess(latency)
	return &types.Quote{
		Venue:      types.VenuePolymarket,
		ExternalID: externalID,
		BestBid:    decimal.NewFromFloat(gm.BestBid),
		BestAsk:    decimal.NewFromFloat(gm.BestAsk),
		LastPrice:  decimal.NewFromFloat(gm.LastTradePrice),
		Volume24h:  decimal.NewFromFloat(gm.Volume24hr),
		Timestamp:  time.Now(),
		LatencyMS:  latency,
	}, latency, nil
}

// yesToken resolves a market's YES-token asset ID, fetching the market
// row once if the listing has not populated the map yet.
func (a *Adapter) yesToken(ctx context.Context, externalID string) (string, error) {
	a.mu.RLock()
	tokenID, ok := a.tokens[externalID]
	a.mu.RUnlock()
	if ok {
		return tokenID, nil
	}

	var gm gammaMarket
	resp, err := a.gamma.R().SetContext(ctx).SetResult(&gm).Get("/markets/" + externalID)
	if err != nil {
		return "", venue.ClassifyHTTP("resolve_token", 0, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", venue.ClassifyHTTP("resolve_token", resp.StatusCode(), nil)
	}

	var tokenIDs []string
	if gm.ClobTokenIds == "" || json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs) != nil || len(tokenIDs) < 2 {
		return "", venue.NewError(venue.ErrSchema, "resolve_token", fmt.Errorf("market %s has no token ids", externalID))
	}

	a.mu.Lock()
	a.tokens[externalID] = tokenIDs[0]
	a.assetIndex[tokenIDs[0]] = externalID
	a.mu.Unlock()
	return tokenIDs[0], nil
}

// marketForAsset reverse-maps a CLOB asset ID to the Gamma market ID.
func (a *Adapter) marketForAsset(assetID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.assetIndex[assetID]
	return id, ok
}

// IntegrityDrops reports how many invalid book levels were discarded.
func (a *Adapter) IntegrityDrops() int64 { return a.integrityDrops.Load() }
