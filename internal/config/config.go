// Package config defines all configuration for the arbitrage core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via ARB_* environment variables, and validated once
// at startup. A bootstrap failure here is the only thing that should make
// the process exit non-zero.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Venues    map[string]VenueConfig `mapstructure:"venues"`
	Ingestion IngestionConfig        `mapstructure:"ingestion"`
	Matching  MatchingConfig         `mapstructure:"matching"`
	Arbitrage ArbitrageConfig        `mapstructure:"arbitrage"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Postgres  PostgresConfig         `mapstructure:"postgres"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// VenueConfig holds per-venue wiring: enablement, endpoints, and the
// concurrency gate limits.
type VenueConfig struct {
	Enabled bool `mapstructure:"enabled"`

	RESTBaseURL   string `mapstructure:"rest_base_url"`
	MarketsURL    string `mapstructure:"markets_url"` // secondary API host if the venue splits listing from depth
	WSURL         string `mapstructure:"ws_url"`
	APIKey        string `mapstructure:"api_key"` // read-only data key where a venue requires one
	MaxInFlight   int    `mapstructure:"max_in_flight"`
	RateLimitPerM int    `mapstructure:"rate_limit_per_min"`
	PacingMS      int    `mapstructure:"pacing_ms"` // min gap between depth calls when polling
}

// Pacing resolves the polling gap: an explicit pacing_ms wins, otherwise
// it derives from the per-minute quota, otherwise pacing is disabled.
func (vc VenueConfig) Pacing() time.Duration {
	if vc.PacingMS > 0 {
		return time.Duration(vc.PacingMS) * time.Millisecond
	}
	if vc.RateLimitPerM > 0 {
		return time.Minute / time.Duration(vc.RateLimitPerM)
	}
	return 0
}

// IngestionConfig drives the orchestrator cadences and buffer sizing.
type IngestionConfig struct {
	IntervalMS        int `mapstructure:"interval_ms"`          // targeted refresh cadence
	FullSyncIntervalS int `mapstructure:"full_sync_interval_s"` // periodic full sync
	EventBuffer       int `mapstructure:"event_buffer"`
	SnapshotTrail     int `mapstructure:"snapshot_trail"` // price snapshots kept per market
	ClosedAfterSyncs  int `mapstructure:"closed_after_syncs"`
}

// MatchingConfig tunes the cross-venue matcher.
type MatchingConfig struct {
	IntervalMS   int     `mapstructure:"interval_ms"`
	MinOverall   float64 `mapstructure:"min_overall"`   // proposal threshold
	MaxEndDateGapDays int `mapstructure:"max_end_date_gap_days"`
}

// ArbitrageConfig tunes the detector gates.
type ArbitrageConfig struct {
	ScanIntervalMS         int     `mapstructure:"scan_interval_ms"`
	PriceStaleMS           int     `mapstructure:"price_stale_ms"`
	OrderbookStaleMS       int     `mapstructure:"orderbook_stale_ms"`
	MinSpreadPct           float64 `mapstructure:"min_spread_pct"`
	MinConfidence          float64 `mapstructure:"min_confidence"`
	MinExecutableSizeUSD   float64 `mapstructure:"min_executable_size_usd"`
	MaxExecutableSizeUSD   float64 `mapstructure:"max_executable_size_usd"`
	SlippageBandPct        float64 `mapstructure:"slippage_band_pct"` // admit levels within this % of top
}

// RedisConfig points at the orderbook cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PostgresConfig points at the persistent store.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with ARB_* env var overrides,
// then applies defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// Defaults returns a config with every default applied and both venues
// enabled. Used by tests and as the base when no file is given.
func Defaults() *Config {
	cfg := &Config{
		Venues: map[string]VenueConfig{
			"polymarket": {
				Enabled:     true,
				RESTBaseURL: "https://clob.polymarket.com",
				MarketsURL:  "https://gamma-api.polymarket.com",
				WSURL:       "wss://ws-subscriptions-clob.polymarket.com/ws/market",
				MaxInFlight: 10,
			},
			"kalshi": {
				Enabled:     true,
				RESTBaseURL: "https://api.elections.kalshi.com/trade-api/v2",
				WSURL:       "wss://api.elections.kalshi.com/trade-api/ws/v2",
				MaxInFlight: 5,
				PacingMS:    100,
			},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingestion.interval_ms", 2000)
	v.SetDefault("ingestion.full_sync_interval_s", 300)
	v.SetDefault("ingestion.event_buffer", 256)
	v.SetDefault("ingestion.snapshot_trail", 100)
	v.SetDefault("ingestion.closed_after_syncs", 3)
	v.SetDefault("matching.interval_ms", 60000)
	v.SetDefault("matching.min_overall", 0.65)
	v.SetDefault("matching.max_end_date_gap_days", 30)
	v.SetDefault("arbitrage.scan_interval_ms", 1000)
	v.SetDefault("arbitrage.price_stale_ms", 5000)
	v.SetDefault("arbitrage.orderbook_stale_ms", 3000)
	v.SetDefault("arbitrage.min_spread_pct", 0.5)
	v.SetDefault("arbitrage.min_confidence", 0.6)
	v.SetDefault("arbitrage.min_executable_size_usd", 10)
	v.SetDefault("arbitrage.max_executable_size_usd", 10000)
	v.SetDefault("arbitrage.slippage_band_pct", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("postgres.dsn", "postgres://localhost/marketarb?sslmode=disable")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyDefaults fills zero values that viper defaults don't reach
// (nested map entries and structs built in code).
func (c *Config) applyDefaults() {
	if c.Ingestion.IntervalMS == 0 {
		c.Ingestion.IntervalMS = 2000
	}
	if c.Ingestion.FullSyncIntervalS == 0 {
		c.Ingestion.FullSyncIntervalS = 300
	}
	if c.Ingestion.EventBuffer == 0 {
		c.Ingestion.EventBuffer = 256
	}
	if c.Ingestion.SnapshotTrail == 0 {
		c.Ingestion.SnapshotTrail = 100
	}
	if c.Ingestion.ClosedAfterSyncs == 0 {
		c.Ingestion.ClosedAfterSyncs = 3
	}
	if c.Matching.IntervalMS == 0 {
		c.Matching.IntervalMS = 60000
	}
	if c.Matching.MinOverall == 0 {
		c.Matching.MinOverall = 0.65
	}
	if c.Matching.MaxEndDateGapDays == 0 {
		c.Matching.MaxEndDateGapDays = 30
	}
	if c.Arbitrage.ScanIntervalMS == 0 {
		c.Arbitrage.ScanIntervalMS = 1000
	}
	if c.Arbitrage.PriceStaleMS == 0 {
		c.Arbitrage.PriceStaleMS = 5000
	}
	if c.Arbitrage.OrderbookStaleMS == 0 {
		c.Arbitrage.OrderbookStaleMS = 3000
	}
	if c.Arbitrage.MinSpreadPct == 0 {
		c.Arbitrage.MinSpreadPct = 0.5
	}
	if c.Arbitrage.MinConfidence == 0 {
		c.Arbitrage.MinConfidence = 0.6
	}
	if c.Arbitrage.MinExecutableSizeUSD == 0 {
		c.Arbitrage.MinExecutableSizeUSD = 10
	}
	if c.Arbitrage.MaxExecutableSizeUSD == 0 {
		c.Arbitrage.MaxExecutableSizeUSD = 10000
	}
	if c.Arbitrage.SlippageBandPct == 0 {
		c.Arbitrage.SlippageBandPct = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Postgres.DSN == "" {
		c.Postgres.DSN = "postgres://localhost/marketarb?sslmode=disable"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for name, vc := range c.Venues {
		if vc.MaxInFlight == 0 {
			vc.MaxInFlight = 5
		}
		c.Venues[name] = vc
	}
}

// IngestionInterval returns the targeted refresh cadence as a Duration.
func (c *Config) IngestionInterval() time.Duration {
	return time.Duration(c.Ingestion.IntervalMS) * time.Millisecond
}

// FullSyncInterval returns the periodic full-sync cadence.
func (c *Config) FullSyncInterval() time.Duration {
	return time.Duration(c.Ingestion.FullSyncIntervalS) * time.Second
}

// MatchingInterval returns the matcher cadence.
func (c *Config) MatchingInterval() time.Duration {
	return time.Duration(c.Matching.IntervalMS) * time.Millisecond
}

// ScanInterval returns the detector cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Arbitrage.ScanIntervalMS) * time.Millisecond
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	enabled := 0
	for name, vc := range c.Venues {
		if !vc.Enabled {
			continue
		}
		enabled++
		if vc.RESTBaseURL == "" {
			return fmt.Errorf("venues.%s.rest_base_url is required when enabled", name)
		}
		if vc.MaxInFlight <= 0 {
			return fmt.Errorf("venues.%s.max_in_flight must be > 0", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one venue must be enabled")
	}
	if c.Arbitrage.OrderbookStaleMS <= 0 {
		return fmt.Errorf("arbitrage.orderbook_stale_ms must be > 0")
	}
	if c.Arbitrage.MinConfidence < 0 || c.Arbitrage.MinConfidence > 1 {
		return fmt.Errorf("arbitrage.min_confidence must be in [0,1]")
	}
	if c.Matching.MinOverall < 0 || c.Matching.MinOverall > 1 {
		return fmt.Errorf("matching.min_overall must be in [0,1]")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	return nil
}
