package polymarket

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"marketarb/internal/config"
	"marketarb/pkg/types"
)

const gammaMarketJSON = `{
	"id":"m1","question":"Will X win the 2026 election?","description":"Resolves YES if X wins.",
	"category":"Politics","slug":"will-x-win","active":true,"closed":false,
	"acceptingOrders":true,"enableOrderBook":true,"endDate":"2026-11-05T00:00:00Z",
	"liquidity":"125000.50","volume24hr":54321,
	"outcomes":"[\"Yes\",\"No\"]","clobTokenIds":"[\"tok-yes\",\"tok-no\"]",
	"bestBid":0.44,"bestAsk":0.46,"lastTradePrice":0.45,
	"orderPriceMinTickSize":0.01,"orderMinSize":5}`

func newTestAdapter(t *testing.T, handler http.Handler) *Adapter {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.VenueConfig{
		Enabled:     true,
		RESTBaseURL: srv.URL,
		MarketsURL:  srv.URL,
		WSURL:       "ws://unused",
		MaxInFlight: 4,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestFetchActiveMarketsNormalizes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/markets", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "["+gammaMarketJSON+"]")
	})
	a := newTestAdapter(t, mux)

	markets, _, err := a.FetchActiveMarkets(context.Background())
	if err != nil {
		t.Fatalf("FetchActiveMarkets: %v", err)
	}
	if len(markets) != 1 {
		t.Fatalf("markets = %d, want 1", len(markets))
	}

	m := markets[0]
	if m.Venue != types.VenuePolymarket || m.ExternalID != "m1" {
		t.Errorf("identity = %s:%s", m.Venue, m.ExternalID)
	}
	if !m.YesBid.Equal(decimal.RequireFromString("0.44")) {
		t.Errorf("yes bid = %v, want 0.44", m.YesBid)
	}
	if !m.Liquidity.Equal(decimal.RequireFromString("125000.50")) {
		t.Errorf("liquidity = %v, want 125000.50", m.Liquidity)
	}
	if m.URL != "https://polymarket.com/event/will-x-win" {
		t.Errorf("url = %q", m.URL)
	}
	if len(m.Outcomes) != 2 {
		t.Errorf("outcomes = %v, want 2 labels", m.Outcomes)
	}
}

func TestNormalizeMarketSkipsNonBinary(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, http.NewServeMux())

	gm := gammaMarket{
		ID: "multi", Question: "Who wins?", Active: true,
		AcceptingOrders: true, EnableOrderBook: true,
		Outcomes:     `["A","B","C"]`,
		ClobTokenIds: `["t1","t2","t3"]`,
	}
	if _, ok := a.normalizeMarket(gm, 0); ok {
		t.Error("normalizeMarket accepted a three-outcome market")
	}

	gm.Outcomes = `["Yes","No"]`
	gm.ClobTokenIds = ""
	if _, ok := a.normalizeMarket(gm, 0); ok {
		t.Error("normalizeMarket accepted a market without token ids")
	}
}

func TestFetchOrderBookResolvesTokenAndNormalizes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/markets/m1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, gammaMarketJSON)
	})
	mux.HandleFunc("/book", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token_id") != "tok-yes" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"market":"m1","asset_id":"tok-yes",
			"bids":[{"price":"0.43","size":"100"},{"price":"0.44","size":"50"}],
			"asks":[{"price":"0.46","size":"80"},{"price":"bogus","size":"10"}]}`)
	})
	a := newTestAdapter(t, mux)

	book, _, err := a.FetchOrderBook(context.Background(), "m1")
	if err != nil {
		t.Fatalf("FetchOrderBook: %v", err)
	}

	bid, ok := book.BestBid()
	if !ok || !bid.Equal(decimal.RequireFromString("0.44")) {
		t.Errorf("best bid = %v %v, want 0.44 true (re-sorted)", bid, ok)
	}
	if err := book.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if a.IntegrityDrops() != 1 {
		t.Errorf("integrity drops = %d, want 1 for the bogus level", a.IntegrityDrops())
	}
}

func TestMarketForAsset(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, http.NewServeMux())
	a.tokens["m1"] = "tok-yes"
	a.assetIndex["tok-yes"] = "m1"

	if id, ok := a.marketForAsset("tok-yes"); !ok || id != "m1" {
		t.Errorf("marketForAsset = %q %v, want m1 true", id, ok)
	}
	if _, ok := a.marketForAsset("unknown"); ok {
		t.Error("marketForAsset found an unknown asset")
	}
}
