// Package store is the persistent layer: markets, price snapshots,
// cross-venue matches, and detected opportunities in Postgres. All
// writes are idempotent upserts keyed on natural keys, so replaying an
// ingestion cycle never duplicates rows.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"marketarb/pkg/types"
)

// Schema is applied at startup. Idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
    venue            TEXT NOT NULL,
    external_id      TEXT NOT NULL,
    question         TEXT NOT NULL,
    description      TEXT NOT NULL DEFAULT '',
    category         TEXT NOT NULL DEFAULT '',
    outcomes         JSONB NOT NULL DEFAULT '[]',
    resolution_source TEXT NOT NULL DEFAULT '',
    resolution_rules TEXT NOT NULL DEFAULT '',
    url              TEXT NOT NULL DEFAULT '',
    end_date         TIMESTAMPTZ,
    tick_size        NUMERIC NOT NULL DEFAULT 0,
    min_order_size   NUMERIC NOT NULL DEFAULT 0,
    fee_rate         NUMERIC NOT NULL DEFAULT 0,
    status           TEXT NOT NULL DEFAULT 'ACTIVE',
    yes_bid          NUMERIC NOT NULL DEFAULT 0,
    yes_ask          NUMERIC NOT NULL DEFAULT 0,
    midpoint         NUMERIC NOT NULL DEFAULT 0,
    spread           NUMERIC NOT NULL DEFAULT 0,
    liquidity        NUMERIC NOT NULL DEFAULT 0,
    volume_24h       NUMERIC NOT NULL DEFAULT 0,
    last_fetched_at  TIMESTAMPTZ NOT NULL,
    fetch_latency_ms BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (venue, external_id)
);

CREATE TABLE IF NOT EXISTS price_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    venue       TEXT NOT NULL,
    external_id TEXT NOT NULL,
    yes_bid     NUMERIC NOT NULL,
    yes_ask     NUMERIC NOT NULL,
    midpoint    NUMERIC NOT NULL,
    taken_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_market ON price_snapshots (venue, external_id, taken_at DESC);

CREATE TABLE IF NOT EXISTS market_matches (
    source_venue     TEXT NOT NULL,
    source_id        TEXT NOT NULL,
    target_venue     TEXT NOT NULL,
    target_id        TEXT NOT NULL,
    semantic_score   DOUBLE PRECISION NOT NULL,
    date_score       DOUBLE PRECISION NOT NULL,
    category_score   DOUBLE PRECISION NOT NULL,
    resolution_score DOUBLE PRECISION NOT NULL,
    overall_score    DOUBLE PRECISION NOT NULL,
    matched_terms    JSONB NOT NULL DEFAULT '[]',
    resolution_diff  TEXT,
    match_reason     TEXT NOT NULL DEFAULT '',
    warnings         JSONB NOT NULL DEFAULT '[]',
    status           TEXT NOT NULL DEFAULT 'PENDING_REVIEW',
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (source_venue, source_id, target_venue, target_id)
);
CREATE INDEX IF NOT EXISTS idx_matches_status ON market_matches (status);

CREATE TABLE IF NOT EXISTS arbitrage_opportunities (
    id                 UUID PRIMARY KEY,
    match_key          TEXT NOT NULL,
    strategy           JSONB NOT NULL,
    profit             JSONB NOT NULL,
    confidence         JSONB NOT NULL,
    plan               JSONB NOT NULL,
    status             TEXT NOT NULL DEFAULT 'ACTIVE',
    detected_at        TIMESTAMPTZ NOT NULL,
    source_data_age_ms BIGINT NOT NULL DEFAULT 0,
    target_data_age_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_opps_detected ON arbitrage_opportunities (detected_at DESC);
`

// Store wraps the database handle.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects, pings, and applies the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// NewFromDB wraps an existing handle; used by tests with sqlmock.
func NewFromDB(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "store")}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// UpsertMarket inserts or refreshes a market row by (venue, external_id).
func (s *Store) UpsertMarket(ctx context.Context, m *types.Market) error {
	outcomes, err := json.Marshal(m.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO markets (
			venue, external_id, question, description, category, outcomes,
			resolution_source, resolution_rules, url, end_date,
			tick_size, min_order_size, fee_rate, status,
			yes_bid, yes_ask, midpoint, spread, liquidity, volume_24h,
			last_fetched_at, fetch_latency_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (venue, external_id) DO UPDATE SET
			question = EXCLUDED.question,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			outcomes = EXCLUDED.outcomes,
			resolution_source = EXCLUDED.resolution_source,
			resolution_rules = EXCLUDED.resolution_rules,
			url = EXCLUDED.url,
			end_date = EXCLUDED.end_date,
			tick_size = EXCLUDED.tick_size,
			min_order_size = EXCLUDED.min_order_size,
			fee_rate = EXCLUDED.fee_rate,
			status = EXCLUDED.status,
			yes_bid = EXCLUDED.yes_bid,
			yes_ask = EXCLUDED.yes_ask,
			midpoint = EXCLUDED.midpoint,
			spread = EXCLUDED.spread,
			liquidity = EXCLUDED.liquidity,
			volume_24h = EXCLUDED.volume_24h,
			last_fetched_at = EXCLUDED.last_fetched_at,
			fetch_latency_ms = EXCLUDED.fetch_latency_ms`,
		m.Venue, m.ExternalID, m.Question, m.Description, m.Category, outcomes,
		m.ResolutionSource, m.ResolutionRules, m.URL, m.EndDate,
		m.TickSize, m.MinOrderSize, m.FeeRate, m.Status,
		m.YesBid, m.YesAsk, m.Midpoint, m.Spread, m.Liquidity, m.Volume24h,
		m.LastFetchedAt, m.FetchLatencyMS,
	)
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.Key(), err)
	}
	return nil
}

// marketRow adds the JSONB outcomes column to the scan target.
type marketRow struct {
	types.Market
	OutcomesJSON []byte `db:"outcomes"`
}

// ActiveMarkets returns every ACTIVE market, optionally filtered by venue.
func (s *Store) ActiveMarkets(ctx context.Context, v types.Venue) ([]types.Market, error) {
	query := `SELECT * FROM markets WHERE status = 'ACTIVE'`
	args := []any{}
	if v != "" {
		query += ` AND venue = $1`
		args = append(args, v)
	}
	query += ` ORDER BY venue, external_id`

	var rows []marketRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select active markets: %w", err)
	}
	out := make([]types.Market, 0, len(rows))
	for _, r := range rows {
		m := r.Market
		if len(r.OutcomesJSON) > 0 {
			json.Unmarshal(r.OutcomesJSON, &m.Outcomes)
		}
		out = append(out, m)
	}
	return out, nil
}

// GetMarket fetches one market by natural key.
func (s *Store) GetMarket(ctx context.Context, v types.Venue, externalID string) (*types.Market, error) {
	var r marketRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM markets WHERE venue = $1 AND external_id = $2`, v, externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s:%s: %w", v, externalID, err)
	}
	m := r.Market
	if len(r.OutcomesJSON) > 0 {
		json.Unmarshal(r.OutcomesJSON, &m.Outcomes)
	}
	return &m, nil
}

// SetMarketStatus moves a market to a new lifecycle state.
func (s *Store) SetMarketStatus(ctx context.Context, v types.Venue, externalID string, status types.MarketStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE markets SET status = $3 WHERE venue = $1 AND external_id = $2`,
		v, externalID, status)
	if err != nil {
		return fmt.Errorf("set market status %s:%s: %w", v, externalID, err)
	}
	return nil
}

// AppendSnapshot records a price point and trims the per-market trail to
// keep bounded history.
func (s *Store) AppendSnapshot(ctx context.Context, m *types.Market, trail int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (venue, external_id, yes_bid, yes_ask, midpoint, taken_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.Venue, m.ExternalID, m.YesBid, m.YesAsk, m.Midpoint, time.Now())
	if err != nil {
		return fmt.Errorf("append snapshot %s: %w", m.Key(), err)
	}
	if trail <= 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM price_snapshots
		WHERE venue = $1 AND external_id = $2 AND id NOT IN (
			SELECT id FROM price_snapshots
			WHERE venue = $1 AND external_id = $2
			ORDER BY taken_at DESC LIMIT $3
		)`,
		m.Venue, m.ExternalID, trail)
	if err != nil {
		return fmt.Errorf("trim snapshots %s: %w", m.Key(), err)
	}
	return nil
}

// UpsertMatch inserts or refreshes a proposed match. Scores and reason
// are always refreshed; the review status is never demoted, so a row a
// reviewer already CONFIRMED or REJECTED keeps its verdict when the
// matcher re-proposes the same pair.
func (s *Store) UpsertMatch(ctx context.Context, m *types.MarketMatch) error {
	terms, err := json.Marshal(m.MatchedTerms)
	if err != nil {
		return fmt.Errorf("marshal matched terms: %w", err)
	}
	warnings, err := json.Marshal(m.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO market_matches (
			source_venue, source_id, target_venue, target_id,
			semantic_score, date_score, category_score, resolution_score, overall_score,
			matched_terms, resolution_diff, match_reason, warnings,
			status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		ON CONFLICT (source_venue, source_id, target_venue, target_id) DO UPDATE SET
			semantic_score = EXCLUDED.semantic_score,
			date_score = EXCLUDED.date_score,
			category_score = EXCLUDED.category_score,
			resolution_score = EXCLUDED.resolution_score,
			overall_score = EXCLUDED.overall_score,
			matched_terms = EXCLUDED.matched_terms,
			resolution_diff = EXCLUDED.resolution_diff,
			match_reason = EXCLUDED.match_reason,
			warnings = EXCLUDED.warnings,
			status = CASE
				WHEN market_matches.status IN ('CONFIRMED', 'REJECTED') THEN market_matches.status
				ELSE EXCLUDED.status
			END,
			updated_at = EXCLUDED.updated_at`,
		m.SourceVenue, m.SourceID, m.TargetVenue, m.TargetID,
		m.Scores.Semantic, m.Scores.Date, m.Scores.Category, m.Scores.Resolution, m.Scores.Overall,
		terms, m.ResolutionDiff, m.MatchReason, warnings,
		m.Status, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert match %s: %w", m.Key(), err)
	}
	return nil
}

type matchRow struct {
	SourceVenue     types.Venue       `db:"source_venue"`
	SourceID        string            `db:"source_id"`
	TargetVenue     types.Venue       `db:"target_venue"`
	TargetID        string            `db:"target_id"`
	Semantic        float64           `db:"semantic_score"`
	Date            float64           `db:"date_score"`
	Category        float64           `db:"category_score"`
	Resolution      float64           `db:"resolution_score"`
	Overall         float64           `db:"overall_score"`
	MatchedTerms    []byte            `db:"matched_terms"`
	ResolutionDiff  *string           `db:"resolution_diff"`
	MatchReason     string            `db:"match_reason"`
	Warnings        []byte            `db:"warnings"`
	Status          types.MatchStatus `db:"status"`
	CreatedAt       time.Time         `db:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"`
}

func (r matchRow) toMatch() types.MarketMatch {
	m := types.MarketMatch{
		SourceVenue: r.SourceVenue,
		SourceID:    r.SourceID,
		TargetVenue: r.TargetVenue,
		TargetID:    r.TargetID,
		Scores: types.MatchScores{
			Semantic:   r.Semantic,
			Date:       r.Date,
			Category:   r.Category,
			Resolution: r.Resolution,
			Overall:    r.Overall,
		},
		ResolutionDiff: r.ResolutionDiff,
		MatchReason:    r.MatchReason,
		Status:         r.Status,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.MatchedTerms) > 0 {
		json.Unmarshal(r.MatchedTerms, &m.MatchedTerms)
	}
	if len(r.Warnings) > 0 {
		json.Unmarshal(r.Warnings, &m.Warnings)
	}
	return m
}

// MatchesByStatus returns every match in the given state.
func (s *Store) MatchesByStatus(ctx context.Context, status types.MatchStatus) ([]types.MarketMatch, error) {
	var rows []matchRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM market_matches WHERE status = $1 ORDER BY overall_score DESC`, status)
	if err != nil {
		return nil, fmt.Errorf("select matches by status: %w", err)
	}
	out := make([]types.MarketMatch, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMatch())
	}
	return out, nil
}

// MarkMatchesStale flips every non-terminal match touching the given
// market to STALE. Called when a market closes or disappears.
func (s *Store) MarkMatchesStale(ctx context.Context, v types.Venue, externalID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE market_matches SET status = 'STALE', updated_at = $3
		WHERE status IN ('PENDING_REVIEW', 'CONFIRMED')
		  AND ((source_venue = $1 AND source_id = $2) OR (target_venue = $1 AND target_id = $2))`,
		v, externalID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("mark matches stale %s:%s: %w", v, externalID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertOpportunity appends one detection row. Append-only.
func (s *Store) InsertOpportunity(ctx context.Context, o *types.ArbitrageOpportunity) error {
	strategy, err := json.Marshal(o.Strategy)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	profit, err := json.Marshal(o.Profit)
	if err != nil {
		return fmt.Errorf("marshal profit: %w", err)
	}
	confidence, err := json.Marshal(o.Confidence)
	if err != nil {
		return fmt.Errorf("marshal confidence: %w", err)
	}
	plan, err := json.Marshal(o.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO arbitrage_opportunities (
			id, match_key, strategy, profit, confidence, plan,
			status, detected_at, source_data_age_ms, target_data_age_ms
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		o.ID, o.MatchKey, strategy, profit, confidence, plan,
		o.Status, o.DetectedAt, o.SourceDataAgeMS, o.TargetDataAgeMS)
	if err != nil {
		return fmt.Errorf("insert opportunity %s: %w", o.ID, err)
	}
	return nil
}

// RecentOpportunities returns the newest opportunity rows, decoded.
func (s *Store) RecentOpportunities(ctx context.Context, limit int) ([]types.ArbitrageOpportunity, error) {
	rows := []struct {
		ID              string                  `db:"id"`
		MatchKey        string                  `db:"match_key"`
		Strategy        []byte                  `db:"strategy"`
		Profit          []byte                  `db:"profit"`
		Confidence      []byte                  `db:"confidence"`
		Plan            []byte                  `db:"plan"`
		Status          types.OpportunityStatus `db:"status"`
		DetectedAt      time.Time               `db:"detected_at"`
		SourceDataAgeMS int64                   `db:"source_data_age_ms"`
		TargetDataAgeMS int64                   `db:"target_data_age_ms"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM arbitrage_opportunities ORDER BY detected_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("select recent opportunities: %w", err)
	}
	out := make([]types.ArbitrageOpportunity, 0, len(rows))
	for _, r := range rows {
		o := types.ArbitrageOpportunity{
			ID:              r.ID,
			MatchKey:        r.MatchKey,
			Status:          r.Status,
			DetectedAt:      r.DetectedAt,
			SourceDataAgeMS: r.SourceDataAgeMS,
			TargetDataAgeMS: r.TargetDataAgeMS,
		}
		json.Unmarshal(r.Strategy, &o.Strategy)
		json.Unmarshal(r.Profit, &o.Profit)
		json.Unmarshal(r.Confidence, &o.Confidence)
		json.Unmarshal(r.Plan, &o.Plan)
		out = append(out, o)
	}
	return out, nil
}

// Counts for the status snapshot.

// CountMarkets returns active market counts per venue.
func (s *Store) CountMarkets(ctx context.Context) (map[types.Venue]int, error) {
	rows := []struct {
		Venue types.Venue `db:"venue"`
		N     int         `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT venue, COUNT(*) AS n FROM markets WHERE status = 'ACTIVE' GROUP BY venue`)
	if err != nil {
		return nil, fmt.Errorf("count markets: %w", err)
	}
	out := make(map[types.Venue]int, len(rows))
	for _, r := range rows {
		out[r.Venue] = r.N
	}
	return out, nil
}

// CountMatches returns match counts per status.
func (s *Store) CountMatches(ctx context.Context) (map[types.MatchStatus]int, error) {
	rows := []struct {
		Status types.MatchStatus `db:"status"`
		N      int               `db:"n"`
	}{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM market_matches GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count matches: %w", err)
	}
	out := make(map[types.MatchStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// CountOpportunitiesSince returns how many opportunities were detected
// after the given time.
func (s *Store) CountOpportunitiesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM arbitrage_opportunities WHERE detected_at >= $1`, since)
	if err != nil {
		return 0, fmt.Errorf("count opportunities: %w", err)
	}
	return n, nil
}
