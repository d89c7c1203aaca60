package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Defaults()

	if cfg.Ingestion.IntervalMS != 2000 {
		t.Errorf("interval_ms = %d, want 2000", cfg.Ingestion.IntervalMS)
	}
	if cfg.Ingestion.FullSyncIntervalS != 300 {
		t.Errorf("full_sync_interval_s = %d, want 300", cfg.Ingestion.FullSyncIntervalS)
	}
	if cfg.Matching.MinOverall != 0.65 {
		t.Errorf("min_overall = %v, want 0.65", cfg.Matching.MinOverall)
	}
	if cfg.Matching.MaxEndDateGapDays != 30 {
		t.Errorf("max_end_date_gap_days = %d, want 30", cfg.Matching.MaxEndDateGapDays)
	}
	if cfg.Arbitrage.OrderbookStaleMS != 3000 {
		t.Errorf("orderbook_stale_ms = %d, want 3000", cfg.Arbitrage.OrderbookStaleMS)
	}
	if cfg.Arbitrage.MinConfidence != 0.6 {
		t.Errorf("min_confidence = %v, want 0.6", cfg.Arbitrage.MinConfidence)
	}
	if cfg.Arbitrage.MinExecutableSizeUSD != 10 {
		t.Errorf("min_executable_size_usd = %v, want 10", cfg.Arbitrage.MinExecutableSizeUSD)
	}
	if cfg.ScanInterval() != time.Second {
		t.Errorf("scan interval = %v, want 1s", cfg.ScanInterval())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults().Validate() = %v", err)
	}
}

func TestVenuePacing(t *testing.T) {
	t.Parallel()

	if got := (VenueConfig{PacingMS: 250, RateLimitPerM: 60}).Pacing(); got != 250*time.Millisecond {
		t.Errorf("explicit pacing = %v, want 250ms", got)
	}
	if got := (VenueConfig{RateLimitPerM: 120}).Pacing(); got != 500*time.Millisecond {
		t.Errorf("derived pacing = %v, want 500ms for 120/min", got)
	}
	if got := (VenueConfig{}).Pacing(); got != 0 {
		t.Errorf("pacing = %v, want disabled", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
venues:
  kalshi:
    enabled: true
    rest_base_url: "https://example.test/v2"
    max_in_flight: 3
matching:
  min_overall: 0.7
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Matching.MinOverall != 0.7 {
		t.Errorf("min_overall = %v, want 0.7", cfg.Matching.MinOverall)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
	// Unset keys fall back to defaults.
	if cfg.Arbitrage.ScanIntervalMS != 1000 {
		t.Errorf("scan_interval_ms = %d, want default 1000", cfg.Arbitrage.ScanIntervalMS)
	}
	if cfg.Venues["kalshi"].MaxInFlight != 3 {
		t.Errorf("max_in_flight = %d, want 3", cfg.Venues["kalshi"].MaxInFlight)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := Defaults()
	cfg.Venues = map[string]VenueConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted zero enabled venues")
	}

	cfg = Defaults()
	vc := cfg.Venues["kalshi"]
	vc.RESTBaseURL = ""
	cfg.Venues["kalshi"] = vc
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted an enabled venue without a base URL")
	}

	cfg = Defaults()
	cfg.Arbitrage.MinConfidence = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted min_confidence > 1")
	}
}
