package store

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketarb/pkg/types"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	s := NewFromDB(sqlx.NewDb(db, "postgres"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func testMarket() *types.Market {
	end := time.Date(2026, 11, 5, 0, 0, 0, 0, time.UTC)
	return &types.Market{
		Venue:         types.VenuePolymarket,
		ExternalID:    "m1",
		Question:      "Will X happen by November?",
		Outcomes:      []string{"Yes", "No"},
		Status:        types.MarketActive,
		EndDate:       &end,
		YesBid:        decimal.RequireFromString("0.40"),
		YesAsk:        decimal.RequireFromString("0.45"),
		LastFetchedAt: time.Now(),
	}
}

func TestUpsertMarket(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO markets`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.UpsertMarket(context.Background(), testMarket())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertMatchDoesNotDemoteStatus(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	// The upsert carries the CASE clause that preserves CONFIRMED and
	// REJECTED verdicts across re-proposals.
	mock.ExpectExec(`INSERT INTO market_matches[\s\S]*CASE[\s\S]*CONFIRMED[\s\S]*REJECTED`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	m := &types.MarketMatch{
		SourceVenue: types.VenueKalshi,
		SourceID:    "TICK-26",
		TargetVenue: types.VenuePolymarket,
		TargetID:    "m1",
		Scores:      types.MatchScores{Semantic: 0.8, Date: 0.5, Category: 1, Resolution: 0.7, Overall: 0.735},
		Status:      types.MatchPendingReview,
	}
	err := s.UpsertMatch(context.Background(), m)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMatchesStale(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE market_matches SET status = 'STALE'`).
		WithArgs(types.VenuePolymarket, "m1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := s.MarkMatchesStale(context.Background(), types.VenuePolymarket, "m1")
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestInsertOpportunity(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO arbitrage_opportunities`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := &types.ArbitrageOpportunity{
		ID:         "11111111-2222-3333-4444-555555555555",
		MatchKey:   "KALSHI:TICK-26|POLYMARKET:m1",
		Status:     types.OpportunityActive,
		DetectedAt: time.Now(),
	}
	err := s.InsertOpportunity(context.Background(), o)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMatchesByStatusDecodesRows(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"source_venue", "source_id", "target_venue", "target_id",
		"semantic_score", "date_score", "category_score", "resolution_score", "overall_score",
		"matched_terms", "resolution_diff", "match_reason", "warnings",
		"status", "created_at", "updated_at",
	}).AddRow(
		"KALSHI", "TICK-26", "POLYMARKET", "m1",
		0.8, 0.5, 1.0, 0.7, 0.735,
		[]byte(`["bitcoin","novemb"]`), nil, "question texts are strongly similar", []byte(`[]`),
		"CONFIRMED", now, now,
	)
	mock.ExpectQuery(`SELECT \* FROM market_matches WHERE status`).
		WithArgs(types.MatchConfirmed).
		WillReturnRows(rows)

	matches, err := s.MatchesByStatus(context.Background(), types.MatchConfirmed)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.VenueKalshi, matches[0].SourceVenue)
	assert.Equal(t, []string{"bitcoin", "novemb"}, matches[0].MatchedTerms)
	assert.InDelta(t, 0.735, matches[0].Scores.Overall, 1e-9)
}

func TestAppendSnapshotTrims(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO price_snapshots`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`DELETE FROM price_snapshots`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	err := s.AppendSnapshot(context.Background(), testMarket(), 100)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
