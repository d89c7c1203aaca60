package match

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"marketarb/internal/config"
	"marketarb/internal/store"
	"marketarb/pkg/types"
)

// Matcher proposes cross-venue market equivalences on a fixed cadence.
type Matcher struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger

	mu           sync.Mutex
	lastRun      time.Time
	lastProposed int
	lastPairs    int
}

// New creates a matcher over the store.
func New(st *store.Store, cfg *config.Config, logger *slog.Logger) *Matcher {
	return &Matcher{store: st, cfg: cfg, logger: logger.With("component", "match")}
}

// Run loops until ctx is cancelled. The cycle itself checks ctx between
// pairs, so shutdown never waits on a long scoring pass.
func (m *Matcher) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.MatchingInterval())
	defer t.Stop()

	// First cycle immediately; markets are already synced at startup.
	if err := m.Cycle(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("matching cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := m.Cycle(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("matching cycle failed", "error", err)
			}
		}
	}
}

// Cycle scores every unordered cross-venue pair of active markets and
// upserts proposals above the threshold.
func (m *Matcher) Cycle(ctx context.Context) error {
	markets, err := m.store.ActiveMarkets(ctx, "")
	if err != nil {
		return fmt.Errorf("list active markets: %w", err)
	}

	// Tokenize once per market; the TF-IDF corpus spans every question.
	tokens := make([][]string, len(markets))
	for i := range markets {
		tokens[i] = Tokenize(markets[i].Question)
	}
	corp := buildCorpus(tokens)

	proposed := 0
	pairs := 0
	for i := range markets {
		for j := i + 1; j < len(markets); j++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a, b := &markets[i], &markets[j]
			if a.Venue == b.Venue {
				continue
			}
			if m.endDatesTooFar(a, b) {
				continue
			}
			pairs++

			match, ok := m.score(a, b, tokens[i], tokens[j], corp)
			if !ok {
				continue
			}
			if err := m.store.UpsertMatch(ctx, &match); err != nil {
				m.logger.Error("match upsert failed", "key", match.Key(), "error", err)
				continue
			}
			proposed++
		}
	}

	m.mu.Lock()
	m.lastRun = time.Now()
	m.lastProposed = proposed
	m.lastPairs = pairs
	m.mu.Unlock()
	m.logger.Info("matching cycle done",
		"markets", len(markets), "pairs_scored", pairs, "proposed", proposed)
	return nil
}

// endDatesTooFar applies the hard prefilter: both end dates known and
// more than the configured gap apart.
func (m *Matcher) endDatesTooFar(a, b *types.Market) bool {
	if a.EndDate == nil || b.EndDate == nil {
		return false
	}
	gap := a.EndDate.Sub(*b.EndDate)
	if gap < 0 {
		gap = -gap
	}
	return gap > time.Duration(m.cfg.Matching.MaxEndDateGapDays)*24*time.Hour
}

func (m *Matcher) score(a, b *types.Market, ta, tb []string, corp *corpus) (types.MarketMatch, bool) {
	scores := types.MatchScores{
		Semantic: semanticScore(ta, tb, corp),
		Date:     dateScore(a.Question, b.Question),
		Category: categoryScore(a.Category, b.Category),
	}
	resScore, warnings := resolutionScore(a.ResolutionRules, b.ResolutionRules)
	scores.Resolution = resScore
	scores.Overall = overall(scores)

	if scores.Overall < m.cfg.Matching.MinOverall {
		return types.MarketMatch{}, false
	}

	// Stable pair ordering: the lexicographically smaller
	// (venue, external_id) is always the source.
	src, tgt := a, b
	if tgt.Key() < src.Key() {
		src, tgt = tgt, src
	}

	terms := matchedStems(ta, tb, 5)
	match := types.MarketMatch{
		SourceVenue:  src.Venue,
		SourceID:     src.ExternalID,
		TargetVenue:  tgt.Venue,
		TargetID:     tgt.ExternalID,
		Scores:       scores,
		MatchedTerms: terms,
		MatchReason:  buildReason(scores, terms),
		Warnings:     warnings,
		Status:       types.MatchPendingReview,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if resScore < 1.0 && a.ResolutionRules != "" && b.ResolutionRules != "" {
		diff := fmt.Sprintf("resolution overlap %.2f; review rule texts for divergence", resScore)
		match.ResolutionDiff = &diff
	}
	return match, true
}

// buildReason composes the human explanation from sub-score bands and
// the shared stems.
func buildReason(s types.MatchScores, terms []string) string {
	var parts []string

	switch {
	case s.Semantic >= 0.8:
		parts = append(parts, "question texts are nearly identical")
	case s.Semantic >= 0.6:
		parts = append(parts, "question texts are strongly similar")
	default:
		parts = append(parts, "question texts share significant vocabulary")
	}

	switch {
	case s.Date >= 0.9:
		parts = append(parts, "date references align")
	case s.Date >= 0.5:
		parts = append(parts, "date references are compatible")
	default:
		parts = append(parts, "date references differ")
	}

	switch {
	case s.Resolution >= 0.7:
		parts = append(parts, "resolution rules overlap heavily")
	case s.Resolution >= 0.4:
		parts = append(parts, "resolution rules partially overlap")
	default:
		parts = append(parts, "resolution rules need manual review")
	}

	reason := strings.Join(parts, "; ")
	if len(terms) > 0 {
		reason += "; shared terms: " + strings.Join(terms, ", ")
	}
	return reason
}

// LastCycle reports when the matcher last completed and what it did,
// for the status surface.
func (m *Matcher) LastCycle() (time.Time, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun, m.lastPairs, m.lastProposed
}
