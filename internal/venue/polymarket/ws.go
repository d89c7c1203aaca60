package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

var errNoAssets = errors.New("no known asset ids to subscribe")

const (
	wsReconnectBase = time.Second
	wsReconnectMax  = 30 * time.Second
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 25 * time.Second
)

// marketFeed maintains the public market-channel WebSocket: one
// connection, subscriptions keyed by CLOB asset ID, automatic reconnect
// with exponential backoff.
type marketFeed struct {
	url    string
	logger *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	drops  int64
}

// wsEnvelope covers the two event types on the market channel.
type wsEnvelope struct {
	EventType string      `json:"event_type"`
	AssetID   string      `json:"asset_id"`
	Market    string      `json:"market"`
	Bids      []restLevel `json:"bids"`
	Asks      []restLevel `json:"asks"`
	Changes   []struct {
		AssetID string `json:"asset_id"`
		Price   string `json:"price"`
		Side    string `json:"side"`
		Size    string `json:"size"`
	} `json:"changes"`
	Timestamp string `json:"timestamp"`
}

type wsSubscribe struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

func newMarketFeed(url string, logger *slog.Logger) *marketFeed {
	return &marketFeed{url: url, logger: logger.With("component", "polymarket_ws")}
}

// StartPush subscribes the market channel for the given external IDs and
// streams normalized events to sink until ctx is cancelled. Blocks for
// the duration; the orchestrator runs it in its own goroutine.
func (a *Adapter) StartPush(ctx context.Context, externalIDs []string, sink venue.Sink) error {
	assetIDs := make([]string, 0, len(externalIDs))
	a.mu.RLock()
	for _, id := range externalIDs {
		if token, ok := a.tokens[id]; ok {
			assetIDs = append(assetIDs, token)
		}
	}
	a.mu.RUnlock()
	if len(assetIDs) == 0 {
		return venue.NewError(venue.ErrSchema, "start_push", errNoAssets)
	}

	ctx, cancel := context.WithCancel(ctx)
	a.feed.mu.Lock()
	a.feed.cancel = cancel
	a.feed.mu.Unlock()

	backoff := wsReconnectBase
	for {
		sawFrame, err := a.feed.runOnce(ctx, assetIDs, a, sink)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sawFrame {
			// The session was live; the next failure is fresh, not part
			// of an ongoing outage.
			backoff = wsReconnectBase
		}
		if err != nil {
			a.feed.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

// StopPush tears down the connection and stops the reconnect loop.
func (a *Adapter) StopPush() {
	a.feed.mu.Lock()
	defer a.feed.mu.Unlock()
	if a.feed.cancel != nil {
		a.feed.cancel()
		a.feed.cancel = nil
	}
	if a.feed.conn != nil {
		a.feed.conn.Close()
		a.feed.conn = nil
	}
}

// runOnce dials, subscribes, and pumps messages until the connection
// drops or ctx is cancelled. Reports whether at least one frame was
// read, so the caller can reset its reconnect backoff.
func (f *marketFeed) runOnce(ctx context.Context, assetIDs []string, a *Adapter, sink venue.Sink) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	defer func() {
		conn.Close()
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	if err := conn.WriteJSON(wsSubscribe{AssetIDs: assetIDs, Type: "market"}); err != nil {
		return false, err
	}
	f.logger.Info("market feed subscribed", "assets", len(assetIDs))

	// Keepalive: the server drops idle connections.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-t.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	sawFrame := false
	for {
		if ctx.Err() != nil {
			return sawFrame, ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return sawFrame, err
		}
		sawFrame = true
		f.dispatch(raw, a, sink)
	}
}

// dispatch normalizes one raw frame and hands it to the sink without
// blocking. The market channel delivers frames either as a single object
// or as an array of objects.
func (f *marketFeed) dispatch(raw []byte, a *Adapter, sink venue.Sink) {
	var envs []wsEnvelope
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &envs); err != nil {
			f.logger.Debug("unparseable frame", "error", err)
			return
		}
	} else {
		var env wsEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			f.logger.Debug("unparseable frame", "error", err)
			return
		}
		envs = append(envs, env)
	}

	for _, env := range envs {
		switch env.EventType {
		case "book":
			f.handleBook(env, a, sink)
		case "price_change":
			f.handlePriceChange(env, a, sink)
		}
	}
}

func (f *marketFeed) handleBook(env wsEnvelope, a *Adapter, sink venue.Sink) {
	externalID, ok := a.marketForAsset(env.AssetID)
	if !ok {
		return
	}
	book := a.normalizeBook(externalID, env.Bids, env.Asks, 0)
	f.send(sink, venue.Event{Kind: venue.EventOrderBook, Venue: types.VenuePolymarket, Book: book})
}

// handlePriceChange emits a top-of-book quote derived from the changed
// levels. Deltas without a full book are a price hint, not depth; the
// orchestrator schedules a depth refresh off the quote event.
func (f *marketFeed) handlePriceChange(env wsEnvelope, a *Adapter, sink venue.Sink) {
	for _, ch := range env.Changes {
		externalID, ok := a.marketForAsset(ch.AssetID)
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(ch.Price)
		if err != nil {
			continue
		}
		q := &types.Quote{
			Venue:      types.VenuePolymarket,
			ExternalID: externalID,
			LastPrice:  price,
			Timestamp:  time.Now(),
		}
		if ch.Side == "BUY" {
			q.BestBid = price
		} else {
			q.BestAsk = price
		}
		f.send(sink, venue.Event{Kind: venue.EventPrice, Venue: types.VenuePolymarket, Quote: q})
	}
}

// send delivers without blocking; a full sink drops the event. The
// orchestrator's buffer absorbs bursts, and books are refetched on the
// next cycle anyway.
func (f *marketFeed) send(sink venue.Sink, ev venue.Event) {
	select {
	case sink <- ev:
	default:
		f.mu.Lock()
		f.drops++
		f.mu.Unlock()
		f.logger.Warn("sink full, dropping push event", "kind", ev.Kind)
	}
}
