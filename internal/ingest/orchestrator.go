// Package ingest runs the data plane: periodic full syncs of every
// venue's market list, targeted depth refreshes for the markets that
// matter (those in confirmed matches), and a fan-in loop that applies
// push and poll events in timestamp order.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketarb/internal/cache"
	"marketarb/internal/config"
	"marketarb/internal/push"
	"marketarb/internal/store"
	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

var two = decimal.NewFromInt(2)

// gated is implemented by adapters that expose their concurrency gate
// for rate-limit widening.
type gated interface {
	Gate() *venue.Gate
}

// Stats is the orchestrator's counter snapshot for the status surface.
type Stats struct {
	MarketsIngested   int64     `json:"markets_ingested"`
	OrderbooksUpdated int64     `json:"orderbooks_updated"`
	QuotesUpdated     int64     `json:"quotes_updated"`
	ErrorsCount       int64     `json:"errors_count"`
	EventsDropped     int64     `json:"events_dropped"`
	LastFullSyncAt    time.Time `json:"last_full_sync_at"`
}

// pushWorker tracks one venue's live push subscription: which markets it
// covers and how to tear it down when the set changes.
type pushWorker struct {
	gen    int
	ids    map[string]struct{}
	cancel context.CancelFunc
}

// Orchestrator owns the ingestion loops for all enabled adapters.
type Orchestrator struct {
	adapters []venue.Adapter
	cache    *cache.Cache
	store    *store.Store
	bus      *push.Bus
	cfg      *config.Config
	logger   *slog.Logger

	events chan venue.Event

	// pushQuiet is how long a subscribed market may go without a push
	// event before polling takes over for it again.
	pushQuiet time.Duration

	mu       sync.Mutex
	stats    Stats
	lastSeen map[string]time.Time // per-market event timestamp ordering
	absent   map[string]int       // consecutive full syncs a market was missing
	workers  map[types.Venue]*pushWorker
	noPush   map[types.Venue]bool
	pushGen  int

	deliverMu sync.Mutex
	wg        sync.WaitGroup
}

// New creates an orchestrator over the given adapters.
func New(adapters []venue.Adapter, c *cache.Cache, st *store.Store, bus *push.Bus, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		adapters:  adapters,
		cache:     c,
		store:     st,
		bus:       bus,
		cfg:       cfg,
		logger:    logger.With("component", "ingest"),
		events:    make(chan venue.Event, cfg.Ingestion.EventBuffer),
		pushQuiet: 5 * cfg.IngestionInterval(),
		lastSeen:  make(map[string]time.Time),
		absent:    make(map[string]int),
		workers:   make(map[types.Venue]*pushWorker),
		noPush:    make(map[types.Venue]bool),
	}
}

// Stats returns a copy of the counter snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.stats
	s.EventsDropped += o.bus.Dropped()
	return s
}

// Run starts the full-sync loop, the targeted refresh loop, the push
// transports, and the fan-in loop. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	// Startup sync before any cadence starts, so the matcher and
	// detector have markets to work with immediately. The first targeted
	// pass also primes the push subscriptions.
	o.fullSync(ctx)
	o.refreshTargets(ctx)

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		o.fullSyncLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.refreshLoop(ctx)
	}()
	go func() {
		defer o.wg.Done()
		o.fanIn(ctx)
	}()

	<-ctx.Done()
	for _, a := range o.adapters {
		a.StopPush()
	}
	o.wg.Wait()
	return ctx.Err()
}

func (o *Orchestrator) fullSyncLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.FullSyncInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.fullSync(ctx)
		}
	}
}

// fullSync lists every venue's active markets in parallel. A venue
// failing isolates to that venue; the others still sync.
func (o *Orchestrator) fullSync(ctx context.Context) {
	var wg sync.WaitGroup
	for _, a := range o.adapters {
		wg.Add(1)
		go func(a venue.Adapter) {
			defer wg.Done()
			o.syncVenue(ctx, a)
		}(a)
	}
	wg.Wait()

	o.mu.Lock()
	o.stats.LastFullSyncAt = time.Now()
	o.mu.Unlock()
}

func (o *Orchestrator) syncVenue(ctx context.Context, a venue.Adapter) {
	markets, latency, err := a.FetchActiveMarkets(ctx)
	if err != nil {
		o.countError()
		o.handleVenueError(ctx, a, "", err)
		o.logger.Error("full sync failed", "venue", a.Venue(), "error", err)
		return
	}
	o.logger.Info("full sync", "venue", a.Venue(), "markets", len(markets), "latency_ms", latency)

	seen := make(map[string]struct{}, len(markets))
	for i := range markets {
		m := &markets[i]
		seen[m.Key()] = struct{}{}
		if err := o.store.UpsertMarket(ctx, m); err != nil {
			o.countError()
			o.logger.Error("market upsert failed", "market", m.Key(), "error", err)
			continue
		}
		o.mu.Lock()
		o.stats.MarketsIngested++
		delete(o.absent, m.Key())
		o.mu.Unlock()
	}

	o.reapAbsent(ctx, a.Venue(), seen)
}

// reapAbsent counts markets that stopped appearing in the venue's
// listing; after enough consecutive absences the market is closed and
// its matches go stale.
func (o *Orchestrator) reapAbsent(ctx context.Context, v types.Venue, seen map[string]struct{}) {
	stored, err := o.store.ActiveMarkets(ctx, v)
	if err != nil {
		o.countError()
		o.logger.Error("active market listing failed", "venue", v, "error", err)
		return
	}

	threshold := o.cfg.Ingestion.ClosedAfterSyncs
	for i := range stored {
		m := &stored[i]
		key := m.Key()
		if _, ok := seen[key]; ok {
			continue
		}

		o.mu.Lock()
		o.absent[key]++
		n := o.absent[key]
		o.mu.Unlock()
		if n < threshold {
			continue
		}

		if err := o.store.SetMarketStatus(ctx, m.Venue, m.ExternalID, types.MarketClosed); err != nil {
			o.countError()
			continue
		}
		stale, err := o.store.MarkMatchesStale(ctx, m.Venue, m.ExternalID)
		if err != nil {
			o.countError()
			continue
		}
		o.mu.Lock()
		delete(o.absent, key)
		o.mu.Unlock()
		o.logger.Info("market closed after repeated absence",
			"market", key, "absent_syncs", n, "matches_staled", stale)
	}
}

// refreshLoop re-fetches depth for every market referenced by a
// CONFIRMED match, on the targeted cadence.
func (o *Orchestrator) refreshLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.IngestionInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.refreshTargets(ctx)
		}
	}
}

func (o *Orchestrator) refreshTargets(ctx context.Context) {
	matches, err := o.store.MatchesByStatus(ctx, types.MatchConfirmed)
	if err != nil {
		o.countError()
		o.logger.Error("confirmed match listing failed", "error", err)
		return
	}

	targets := make(map[types.Venue][]string)
	dedupe := make(map[string]struct{})
	for i := range matches {
		m := &matches[i]
		for _, leg := range []struct {
			v  types.Venue
			id string
		}{{m.SourceVenue, m.SourceID}, {m.TargetVenue, m.TargetID}} {
			key := string(leg.v) + ":" + leg.id
			if _, ok := dedupe[key]; ok {
				continue
			}
			dedupe[key] = struct{}{}
			targets[leg.v] = append(targets[leg.v], leg.id)
		}
	}

	o.syncPush(ctx, targets)

	var wg sync.WaitGroup
	for _, a := range o.adapters {
		ids := o.pollList(a.Venue(), targets[a.Venue()])
		if len(ids) == 0 {
			continue
		}
		wg.Add(1)
		go func(a venue.Adapter, ids []string) {
			defer wg.Done()
			for _, id := range ids {
				if ctx.Err() != nil {
					return
				}
				book, _, err := a.FetchOrderBook(ctx, id)
				if err != nil {
					o.countError()
					o.handleVenueError(ctx, a, id, err)
					if venue.KindOf(err) == venue.ErrTransient {
						o.quoteFallback(ctx, a, id)
					}
					continue
				}
				if book == nil {
					continue
				}
				o.deliver(venue.Event{Kind: venue.EventOrderBook, Venue: a.Venue(), Book: book})
			}
		}(a, ids)
	}
	wg.Wait()
}

// pollList returns the targets that still need a REST fetch: everything
// not covered by a live push subscription, plus subscribed markets whose
// feed has gone quiet. A socket stuck reconnecting must not starve the
// markets it nominally covers.
func (o *Orchestrator) pollList(v types.Venue, ids []string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	w := o.workers[v]
	if w == nil {
		return ids
	}
	out := make([]string, 0, len(ids))
	now := time.Now()
	for _, id := range ids {
		if _, ok := w.ids[id]; ok {
			if last, seen := o.lastSeen[string(v)+":"+id]; seen && now.Sub(last) <= o.pushQuiet {
				continue
			}
		}
		out = append(out, id)
	}
	return out
}

// syncPush reconciles each venue's push subscription with the current
// confirmed-match targets: starts a worker when one is missing, restarts
// it when the target set changed, and tears it down when no targets
// remain. Venues that reported no push transport stay on polling.
func (o *Orchestrator) syncPush(ctx context.Context, targets map[types.Venue][]string) {
	for _, a := range o.adapters {
		v := a.Venue()
		ids := targets[v]

		o.mu.Lock()
		if o.noPush[v] {
			o.mu.Unlock()
			continue
		}
		cur := o.workers[v]
		if cur != nil && sameIDSet(cur.ids, ids) {
			o.mu.Unlock()
			continue
		}
		if cur != nil {
			cur.cancel()
			delete(o.workers, v)
		}
		if len(ids) == 0 {
			o.mu.Unlock()
			if cur != nil {
				a.StopPush()
			}
			continue
		}
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		o.pushGen++
		gen := o.pushGen
		wctx, cancel := context.WithCancel(ctx)
		o.workers[v] = &pushWorker{gen: gen, ids: set, cancel: cancel}
		o.mu.Unlock()
		if cur != nil {
			a.StopPush()
		}

		o.wg.Add(1)
		go func(a venue.Adapter, ids []string, gen int, wctx context.Context) {
			defer o.wg.Done()
			err := a.StartPush(wctx, ids, o.events)

			v := a.Venue()
			o.mu.Lock()
			// A restart may already have installed a newer worker.
			if w := o.workers[v]; w != nil && w.gen == gen {
				delete(o.workers, v)
			}
			unsupported := errors.Is(err, venue.ErrPushUnsupported)
			if unsupported {
				o.noPush[v] = true
			}
			o.mu.Unlock()

			switch {
			case unsupported:
				o.logger.Info("venue has no push transport, polling only", "venue", v)
			case err != nil && wctx.Err() == nil:
				o.countError()
				o.logger.Error("push transport stopped", "venue", v, "error", err)
			}
		}(a, ids, gen, wctx)
	}
}

func sameIDSet(set map[string]struct{}, ids []string) bool {
	if len(set) != len(ids) {
		return false
	}
	for _, id := range ids {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

// quoteFallback grabs top-of-book from the lighter quote endpoint when a
// depth fetch failed transiently, so the market still gets a price point
// this cycle.
func (o *Orchestrator) quoteFallback(ctx context.Context, a venue.Adapter, id string) {
	q, _, err := a.FetchQuote(ctx, id)
	if err != nil || q == nil {
		return
	}
	o.deliver(venue.Event{Kind: venue.EventPrice, Venue: a.Venue(), Quote: q})
}

// deliver hands an event to the fan-in without blocking. On overflow the
// oldest queued event for the same market is displaced so the latest
// data wins; only when the buffer holds nothing for that market does the
// oldest event overall go.
func (o *Orchestrator) deliver(ev venue.Event) {
	select {
	case o.events <- ev:
		return
	default:
	}

	o.deliverMu.Lock()
	defer o.deliverMu.Unlock()

	key := eventKey(ev)
	var buf []venue.Event
drain:
	for {
		select {
		case e := <-o.events:
			buf = append(buf, e)
		default:
			break drain
		}
	}

	displaced := false
	kept := buf[:0]
	for _, e := range buf {
		if !displaced && eventKey(e) == key {
			displaced = true
			continue
		}
		kept = append(kept, e)
	}
	if !displaced && len(kept) > 0 {
		kept = kept[1:]
		displaced = true
	}
	if displaced {
		o.mu.Lock()
		o.stats.EventsDropped++
		o.mu.Unlock()
	}

	for _, e := range kept {
		select {
		case o.events <- e:
		default:
			// A push producer refilled the buffer mid-displacement.
			o.mu.Lock()
			o.stats.EventsDropped++
			o.mu.Unlock()
		}
	}
	select {
	case o.events <- ev:
	default:
		o.mu.Lock()
		o.stats.EventsDropped++
		o.mu.Unlock()
	}
}

func eventKey(ev venue.Event) string {
	switch {
	case ev.Book != nil:
		return ev.Book.Key()
	case ev.Quote != nil:
		return ev.Quote.Key()
	}
	return string(ev.Venue)
}

// fanIn applies events in arrival order with per-market timestamp
// gating: an event older than the last applied one for the same market
// is dropped, so a late poll result can never overwrite fresher push
// data.
func (o *Orchestrator) fanIn(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.apply(ctx, ev)
		}
	}
}

func (o *Orchestrator) apply(ctx context.Context, ev venue.Event) {
	// Events from a venue currently marked OFFLINE are suppressed: its
	// data cannot be trusted until it recovers.
	if o.venueOffline(ev.Venue) {
		return
	}

	switch ev.Kind {
	case venue.EventOrderBook:
		o.applyBook(ctx, ev.Book)
	case venue.EventPrice:
		o.applyQuote(ctx, ev.Quote)
	}
}

func (o *Orchestrator) venueOffline(v types.Venue) bool {
	for _, a := range o.adapters {
		if a.Venue() == v {
			return a.Health().Status == venue.StatusOffline
		}
	}
	return false
}

// stale reports whether an event timestamp is older than the last
// applied one for key, and records it otherwise.
func (o *Orchestrator) stale(key string, ts time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.lastSeen[key]; ok && ts.Before(last) {
		o.stats.EventsDropped++
		return true
	}
	o.lastSeen[key] = ts
	return false
}

func (o *Orchestrator) applyBook(ctx context.Context, book *types.OrderBook) {
	if book == nil || o.stale(book.Key(), book.Timestamp) {
		return
	}
	if err := book.Validate(); err != nil {
		o.countError()
		o.logger.Warn("invalid book dropped", "market", book.Key(), "error", err)
		return
	}

	if err := o.cache.SetOrderBook(ctx, book); err != nil {
		o.countError()
		o.logger.Warn("cache write failed", "market", book.Key(), "error", err)
	}

	// Denormalize top-of-book onto the market row and record a snapshot.
	if m, err := o.store.GetMarket(ctx, book.Venue, book.ExternalID); err == nil && m != nil {
		if bid, ok := book.BestBid(); ok {
			m.YesBid = bid
		}
		if ask, ok := book.BestAsk(); ok {
			m.YesAsk = ask
		}
		if mid, ok := book.Midpoint(); ok {
			m.Midpoint = mid
		}
		if spread, ok := book.Spread(); ok {
			m.Spread = spread
		}
		m.LastFetchedAt = book.Timestamp
		if err := o.store.UpsertMarket(ctx, m); err != nil {
			o.countError()
		}
		if err := o.store.AppendSnapshot(ctx, m, o.cfg.Ingestion.SnapshotTrail); err != nil {
			o.countError()
		}
	}

	o.mu.Lock()
	o.stats.OrderbooksUpdated++
	o.mu.Unlock()
	o.bus.PublishBook(book)
}

func (o *Orchestrator) applyQuote(ctx context.Context, q *types.Quote) {
	if q == nil || o.stale(q.Key(), q.Timestamp) {
		return
	}
	// Quotes past the freshness cutoff must not overwrite the market row.
	if time.Since(q.Timestamp) > time.Duration(o.cfg.Arbitrage.PriceStaleMS)*time.Millisecond {
		o.mu.Lock()
		o.stats.EventsDropped++
		o.mu.Unlock()
		return
	}
	if err := o.cache.SetQuote(ctx, q); err != nil {
		o.countError()
	}

	// Denormalize top-of-book onto the market row and record a snapshot,
	// same as a full book update.
	if m, err := o.store.GetMarket(ctx, q.Venue, q.ExternalID); err == nil && m != nil {
		if !q.BestBid.IsZero() {
			m.YesBid = q.BestBid
		}
		if !q.BestAsk.IsZero() {
			m.YesAsk = q.BestAsk
		}
		if !m.YesBid.IsZero() && !m.YesAsk.IsZero() {
			m.Midpoint = m.YesBid.Add(m.YesAsk).Div(two)
			m.Spread = m.YesAsk.Sub(m.YesBid)
		}
		if !q.Volume24h.IsZero() {
			m.Volume24h = q.Volume24h
		}
		m.LastFetchedAt = q.Timestamp
		if err := o.store.UpsertMarket(ctx, m); err != nil {
			o.countError()
		}
		if err := o.store.AppendSnapshot(ctx, m, o.cfg.Ingestion.SnapshotTrail); err != nil {
			o.countError()
		}
	}

	o.mu.Lock()
	o.stats.QuotesUpdated++
	o.mu.Unlock()
	o.bus.PublishPrice(q)
}

// handleVenueError applies the per-kind policy beyond logging: widen the
// gate on rate limits, close markets the venue says are gone.
func (o *Orchestrator) handleVenueError(ctx context.Context, a venue.Adapter, externalID string, err error) {
	switch venue.KindOf(err) {
	case venue.ErrRateLimited:
		if g, ok := a.(gated); ok {
			g.Gate().OnRateLimited()
			o.logger.Warn("rate limited, widening pacing",
				"venue", a.Venue(), "pacing", g.Gate().Pacing())
		}
	case venue.ErrAuth:
		o.logger.Error("auth rejected, venue needs operator attention", "venue", a.Venue())
	case venue.ErrClosed:
		if externalID == "" {
			return
		}
		o.closeMarket(ctx, a.Venue(), externalID)
	}
}

// closeMarket transitions a market the venue reports gone and stales its
// matches immediately, without waiting for the absence counter.
func (o *Orchestrator) closeMarket(ctx context.Context, v types.Venue, externalID string) {
	if err := o.store.SetMarketStatus(ctx, v, externalID, types.MarketClosed); err != nil {
		o.countError()
		return
	}
	stale, err := o.store.MarkMatchesStale(ctx, v, externalID)
	if err != nil {
		o.countError()
		return
	}
	key := string(v) + ":" + externalID
	o.mu.Lock()
	delete(o.absent, key)
	o.mu.Unlock()
	o.logger.Info("market closed by venue", "market", key, "matches_staled", stale)
}

func (o *Orchestrator) countError() {
	o.mu.Lock()
	o.stats.ErrorsCount++
	o.mu.Unlock()
}
