package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketarb/pkg/types"
)

func testBook() *types.OrderBook {
	return &types.OrderBook{
		Venue:      types.VenuePolymarket,
		ExternalID: "m1",
		Bids: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.40"), Size: decimal.RequireFromString("100")},
		},
		Asks: []types.PriceLevel{
			{Price: decimal.RequireFromString("0.50"), Size: decimal.RequireFromString("100")},
		},
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func newTestCache(t *testing.T) (*Cache, redismock.ClientMock) {
	db, mock := redismock.NewClientMock()
	c := NewFromClient(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { c.Close() })
	return c, mock
}

func TestSetGetOrderBook(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)
	book := testBook()

	data, err := json.Marshal(book)
	require.NoError(t, err)

	mock.ExpectSet("orderbook:POLYMARKET:m1", data, BookTTL).SetVal("OK")
	require.NoError(t, c.SetOrderBook(context.Background(), book))

	mock.ExpectGet("orderbook:POLYMARKET:m1").SetVal(string(data))
	got, err := c.GetOrderBook(context.Background(), types.VenuePolymarket, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, book.ExternalID, got.ExternalID)
	assert.True(t, book.Bids[0].Price.Equal(got.Bids[0].Price))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrderBookMissReturnsNil(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)

	mock.ExpectGet("orderbook:KALSHI:absent").RedisNil()
	got, err := c.GetOrderBook(context.Background(), types.VenueKalshi, "absent")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetOrderBookErrorLooksLikeMiss(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)

	mock.ExpectGet("orderbook:KALSHI:m2").SetErr(errors.New("connection refused"))
	got, err := c.GetOrderBook(context.Background(), types.VenueKalshi, "m2")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetOrderBookCorruptLooksLikeMiss(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)

	mock.ExpectGet("orderbook:POLYMARKET:m3").SetVal("{not json")
	got, err := c.GetOrderBook(context.Background(), types.VenuePolymarket, "m3")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetGetQuote(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)

	q := &types.Quote{
		Venue:      types.VenueKalshi,
		ExternalID: "TICK-26",
		BestBid:    decimal.RequireFromString("0.46"),
		BestAsk:    decimal.RequireFromString("0.48"),
		Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
	}
	data, err := json.Marshal(q)
	require.NoError(t, err)

	mock.ExpectSet("quote:KALSHI:TICK-26", data, QuoteTTL).SetVal("OK")
	require.NoError(t, c.SetQuote(context.Background(), q))

	mock.ExpectGet("quote:KALSHI:TICK-26").SetVal(string(data))
	got, err := c.GetQuote(context.Background(), types.VenueKalshi, "TICK-26")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, q.BestBid.Equal(got.BestBid))
}

func TestMemoTTLClamped(t *testing.T) {
	t.Parallel()
	c, mock := newTestCache(t)

	data, _ := json.Marshal("v")
	mock.ExpectSet("memo:short", data, MemoTTLMin).SetVal("OK")
	require.NoError(t, c.SetMemo(context.Background(), "short", "v", time.Second))

	mock.ExpectSet("memo:long", data, MemoTTLMax).SetVal("OK")
	require.NoError(t, c.SetMemo(context.Background(), "long", "v", 5*time.Minute))

	assert.NoError(t, mock.ExpectationsWereMet())
}
