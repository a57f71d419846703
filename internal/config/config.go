// Package config loads the position engine's settings from a TOML file,
// an optional .env file and POSENGINE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/costbasis"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	CostBasis CostBasisConfig `toml:"cost_basis"`
	Cache     CacheConfig     `toml:"cache"`
	Pricing   PricingConfig   `toml:"pricing"`
	Display   DisplayConfig   `toml:"display"`
	LogLevel  string          `toml:"log_level"`
}

// duration wraps time.Duration so TOML can hold strings like "15m".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the trade store. An empty DSN runs in memory.
type DatabaseConfig struct {
	DSN        string `toml:"dsn"`
	MaxConns   int    `toml:"max_conns"`
	InitSchema bool   `toml:"init_schema"`
}

// RedisConfig enables the shared snapshot mirror and shared price cache.
// An empty Addr disables both.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// CostBasisConfig selects the costing method.
type CostBasisConfig struct {
	Method string `toml:"method"`
}

// CacheConfig tunes the snapshot cache.
type CacheConfig struct {
	TTL             duration `toml:"ttl"`
	MaxEntries      int      `toml:"max_entries"`
	RefreshTimeout  duration `toml:"refresh_timeout"`
	MirrorEnabled   bool     `toml:"mirror_enabled"`
	MirrorRetention duration `toml:"mirror_retention"`
}

// PricingConfig tunes the price resolver and batch pricing.
type PricingConfig struct {
	BatchConcurrency int      `toml:"batch_concurrency"`
	BatchDeadline    duration `toml:"batch_deadline"`
	ProviderTimeout  duration `toml:"provider_timeout"`
	MemoTTL          duration `toml:"memo_ttl"`
	StreamURL        string   `toml:"stream_url"`
	StreamMaxAge     duration `toml:"stream_max_age"`
	AggregatorURL    string   `toml:"aggregator_url"`
	AggregatorAPIKey string   `toml:"aggregator_api_key"`
	SharedPriceTTL   duration `toml:"shared_price_ttl"`
	HistoryMaxAge    duration `toml:"history_max_age"`
}

// DisplayConfig controls what is shown, not what is counted.
type DisplayConfig struct {
	// DustThresholdUSD is a decimal string in TOML, e.g. "1.00".
	DustThresholdUSD decimal.Decimal `toml:"dust_threshold_usd"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns: 10,
		},
		CostBasis: CostBasisConfig{
			Method: string(costbasis.MethodFIFO),
		},
		Cache: CacheConfig{
			TTL:             duration{900 * time.Second},
			MaxEntries:      1000,
			RefreshTimeout:  duration{60 * time.Second},
			MirrorRetention: duration{24 * time.Hour},
		},
		Pricing: PricingConfig{
			BatchConcurrency: 20,
			BatchDeadline:    duration{10 * time.Second},
			ProviderTimeout:  duration{3 * time.Second},
			MemoTTL:          duration{15 * time.Second},
			StreamMaxAge:     duration{5 * time.Minute},
			SharedPriceTTL:   duration{10 * time.Minute},
			HistoryMaxAge:    duration{24 * time.Hour},
		},
		Display: DisplayConfig{
			DustThresholdUSD: decimal.RequireFromString("1.00"),
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, "database: max_conns must be >= 1")
	}
	if _, err := costbasis.ParseMethod(c.CostBasis.Method); err != nil {
		errs = append(errs, fmt.Sprintf("cost_basis: unknown method %q (valid: fifo, weighted_average)", c.CostBasis.Method))
	}

	if c.Cache.TTL.Duration <= 0 {
		errs = append(errs, "cache: ttl must be > 0")
	}
	if c.Cache.MaxEntries < 1 {
		errs = append(errs, "cache: max_entries must be >= 1")
	}
	if c.Cache.RefreshTimeout.Duration <= 0 {
		errs = append(errs, "cache: refresh_timeout must be > 0")
	}
	if c.Cache.MirrorEnabled && c.Redis.Addr == "" {
		errs = append(errs, "cache: mirror_enabled requires redis.addr")
	}

	if c.Pricing.BatchConcurrency < 1 {
		errs = append(errs, "pricing: batch_concurrency must be >= 1")
	}
	if c.Pricing.ProviderTimeout.Duration <= 0 {
		errs = append(errs, "pricing: provider_timeout must be > 0")
	}
	if c.Pricing.BatchDeadline.Duration < 0 || c.Pricing.MemoTTL.Duration < 0 {
		errs = append(errs, "pricing: batch_deadline and memo_ttl must not be negative")
	}
	if c.Pricing.StreamURL == "" && c.Pricing.AggregatorURL == "" && c.Redis.Addr == "" && c.Database.DSN == "" {
		errs = append(errs, "pricing: no price source configured (set stream_url, aggregator_url, redis.addr or database.dsn)")
	}

	if c.Display.DustThresholdUSD.IsNegative() {
		errs = append(errs, "display: dust_threshold_usd must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Method returns the parsed cost basis method. Call after Validate.
func (c *Config) Method() costbasis.Method {
	m, _ := costbasis.ParseMethod(c.CostBasis.Method)
	return m
}
