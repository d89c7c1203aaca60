package status

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v9"
	"github.com/jmoiron/sqlx"

	"marketarb/internal/cache"
	"marketarb/internal/config"
	"marketarb/internal/ingest"
	"marketarb/internal/push"
	"marketarb/internal/store"
	"marketarb/internal/venue"
	"marketarb/pkg/types"
)

func TestSnapshotHealthy(t *testing.T) {
	t.Parallel()

	snap := &Snapshot{Platforms: map[string]PlatformStatus{
		"POLYMARKET": {Status: venue.StatusHealthy},
		"KALSHI":     {Status: venue.StatusDegraded},
	}}
	if !snap.Healthy() {
		t.Error("degraded venue should not fail health")
	}

	snap.Platforms["KALSHI"] = PlatformStatus{Status: venue.StatusOffline}
	if snap.Healthy() {
		t.Error("offline venue should fail health")
	}
}

type stubAdapter struct{ v types.Venue }

func (s *stubAdapter) Venue() types.Venue { return s.v }
func (s *stubAdapter) FetchActiveMarkets(ctx context.Context) ([]types.Market, int64, error) {
	return nil, 0, nil
}
func (s *stubAdapter) FetchOrderBook(ctx context.Context, id string) (*types.OrderBook, int64, error) {
	return nil, 0, nil
}
func (s *stubAdapter) FetchQuote(ctx context.Context, id string) (*types.Quote, int64, error) {
	return nil, 0, nil
}
func (s *stubAdapter) StartPush(ctx context.Context, ids []string, sink venue.Sink) error {
	return venue.ErrPushUnsupported
}
func (s *stubAdapter) StopPush() {}
func (s *stubAdapter) Health() venue.Health {
	return venue.Health{Venue: s.v, Status: venue.StatusHealthy, MarketCount: 1}
}

func TestBuildUsesStoredCounts(t *testing.T) {
	t.Parallel()
	db, dbMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	rdb, _ := redismock.NewClientMock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewFromDB(sqlx.NewDb(db, "postgres"), logger)
	c := cache.NewFromClient(rdb, logger)
	t.Cleanup(func() { st.Close(); c.Close() })

	adapters := []venue.Adapter{&stubAdapter{v: types.VenueKalshi}}
	o := ingest.New(adapters, c, st, push.NewBus(8, logger), config.Defaults(), logger)
	b := NewBuilder(adapters, o, nil, nil, st)

	dbMock.ExpectQuery(`SELECT venue, COUNT`).WillReturnRows(
		sqlmock.NewRows([]string{"venue", "n"}).AddRow("KALSHI", 412))
	dbMock.ExpectQuery(`SELECT status, COUNT`).WillReturnRows(
		sqlmock.NewRows([]string{"status", "n"}).
			AddRow("CONFIRMED", 3).
			AddRow("PENDING_REVIEW", 7))
	dbMock.ExpectQuery(`SELECT COUNT\(\*\) FROM arbitrage_opportunities`).WillReturnRows(
		sqlmock.NewRows([]string{"count"}).AddRow(5))
	dbMock.ExpectQuery(`SELECT \* FROM arbitrage_opportunities`).WillReturnRows(
		sqlmock.NewRows([]string{"id"}))

	snap := b.Build(context.Background())

	if got := snap.Platforms["KALSHI"].MarketCount; got != 412 {
		t.Errorf("market count = %d, want 412 from the store", got)
	}
	if snap.Matching.ConfirmedMatches != 3 || snap.Matching.PendingReview != 7 {
		t.Errorf("matching = %+v, want 3 confirmed / 7 pending", snap.Matching)
	}
	if snap.Arbitrage.DetectedLastHour != 5 {
		t.Errorf("detectedLastHour = %d, want 5", snap.Arbitrage.DetectedLastHour)
	}
	if err := dbMock.ExpectationsWereMet(); err != nil {
		t.Errorf("status queries: %v", err)
	}
}
