package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty or the file
// does not exist) on top of Defaults, then applies POSENGINE_* environment
// overrides. The caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "POSENGINE_SERVER_PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "POSENGINE_SERVER_SHUTDOWN_TIMEOUT")

	setStr(&cfg.Database.DSN, "DATABASE_URL")
	setStr(&cfg.Database.DSN, "POSENGINE_DATABASE_DSN")
	setInt(&cfg.Database.MaxConns, "POSENGINE_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.InitSchema, "POSENGINE_DATABASE_INIT_SCHEMA")

	setStr(&cfg.Redis.Addr, "POSENGINE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POSENGINE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POSENGINE_REDIS_DB")

	setStr(&cfg.CostBasis.Method, "POSENGINE_COST_BASIS_METHOD")

	setDuration(&cfg.Cache.TTL, "POSENGINE_CACHE_TTL")
	setInt(&cfg.Cache.MaxEntries, "POSENGINE_CACHE_MAX_ENTRIES")
	setDuration(&cfg.Cache.RefreshTimeout, "POSENGINE_CACHE_REFRESH_TIMEOUT")
	setBool(&cfg.Cache.MirrorEnabled, "POSENGINE_CACHE_MIRROR_ENABLED")
	setDuration(&cfg.Cache.MirrorRetention, "POSENGINE_CACHE_MIRROR_RETENTION")

	setInt(&cfg.Pricing.BatchConcurrency, "POSENGINE_PRICING_BATCH_CONCURRENCY")
	setDuration(&cfg.Pricing.BatchDeadline, "POSENGINE_PRICING_BATCH_DEADLINE")
	setDuration(&cfg.Pricing.ProviderTimeout, "POSENGINE_PRICING_PROVIDER_TIMEOUT")
	setDuration(&cfg.Pricing.MemoTTL, "POSENGINE_PRICING_MEMO_TTL")
	setStr(&cfg.Pricing.StreamURL, "POSENGINE_PRICING_STREAM_URL")
	setDuration(&cfg.Pricing.StreamMaxAge, "POSENGINE_PRICING_STREAM_MAX_AGE")
	setStr(&cfg.Pricing.AggregatorURL, "POSENGINE_PRICING_AGGREGATOR_URL")
	setStr(&cfg.Pricing.AggregatorAPIKey, "POSENGINE_PRICING_AGGREGATOR_API_KEY")
	setDuration(&cfg.Pricing.SharedPriceTTL, "POSENGINE_PRICING_SHARED_PRICE_TTL")
	setDuration(&cfg.Pricing.HistoryMaxAge, "POSENGINE_PRICING_HISTORY_MAX_AGE")

	setDecimal(&cfg.Display.DustThresholdUSD, "POSENGINE_DISPLAY_DUST_THRESHOLD_USD")

	setStr(&cfg.LogLevel, "POSENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
