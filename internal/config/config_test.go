package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/costbasis"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Cache.TTL.Duration != 900*time.Second || cfg.Cache.MaxEntries != 1000 {
		t.Errorf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.Pricing.BatchConcurrency != 20 {
		t.Errorf("expected batch concurrency 20, got %d", cfg.Pricing.BatchConcurrency)
	}
	if !cfg.Display.DustThresholdUSD.Equal(decimal.RequireFromString("1")) {
		t.Errorf("expected dust threshold 1.00, got %s", cfg.Display.DustThresholdUSD)
	}
	if cfg.Method() != costbasis.MethodFIFO {
		t.Errorf("expected fifo, got %s", cfg.Method())
	}
}

func TestLoad_TOMLOverDefaults(t *testing.T) {
	path := writeTOML(t, `
log_level = "debug"

[cost_basis]
method = "weighted_average"

[cache]
ttl = "5m"
max_entries = 50

[pricing]
aggregator_url = "https://prices.example.com"
memo_ttl = "30s"

[display]
dust_threshold_usd = "0.50"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Method() != costbasis.MethodWeightedAverage {
		t.Errorf("expected weighted_average, got %s", cfg.Method())
	}
	if cfg.Cache.TTL.Duration != 5*time.Minute || cfg.Cache.MaxEntries != 50 {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Pricing.MemoTTL.Duration != 30*time.Second {
		t.Errorf("expected memo ttl 30s, got %s", cfg.Pricing.MemoTTL.Duration)
	}
	if !cfg.Display.DustThresholdUSD.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected dust 0.50, got %s", cfg.Display.DustThresholdUSD)
	}
	// Untouched keys keep their defaults.
	if cfg.Pricing.BatchConcurrency != 20 || cfg.Server.Port != 8080 {
		t.Errorf("defaults lost: %+v %+v", cfg.Pricing, cfg.Server)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected defaults, got %+v", cfg.Cache)
	}
}

func TestLoad_BadTOML(t *testing.T) {
	path := writeTOML(t, "[cache]\nttl = \"forever\"\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POSENGINE_CACHE_TTL", "2m")
	t.Setenv("POSENGINE_PRICING_BATCH_CONCURRENCY", "8")
	t.Setenv("POSENGINE_COST_BASIS_METHOD", "avg")
	t.Setenv("POSENGINE_DISPLAY_DUST_THRESHOLD_USD", "5")
	t.Setenv("POSENGINE_REDIS_ADDR", "localhost:6379")
	t.Setenv("POSENGINE_CACHE_MIRROR_ENABLED", "true")
	t.Setenv("POSENGINE_PRICING_MEMO_TTL", "not-a-duration")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Cache.TTL.Duration != 2*time.Minute || cfg.Pricing.BatchConcurrency != 8 {
		t.Errorf("env overrides not applied: %+v %+v", cfg.Cache, cfg.Pricing)
	}
	if cfg.Method() != costbasis.MethodWeightedAverage {
		t.Errorf("expected avg alias to parse as weighted_average, got %s", cfg.Method())
	}
	if !cfg.Display.DustThresholdUSD.Equal(decimal.NewFromInt(5)) || !cfg.Cache.MirrorEnabled {
		t.Errorf("unexpected display/mirror config")
	}
	if cfg.Pricing.MemoTTL.Duration != 15*time.Second {
		t.Errorf("unparseable override should be ignored, got %s", cfg.Pricing.MemoTTL.Duration)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "verbose"
	cfg.CostBasis.Method = "lifo"
	cfg.Cache.MaxEntries = 0
	cfg.Cache.MirrorEnabled = true
	cfg.Pricing.BatchConcurrency = 0
	cfg.Display.DustThresholdUSD = decimal.NewFromInt(-1)

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"log_level", "cost_basis", "max_entries", "mirror_enabled",
		"batch_concurrency", "no price source", "dust_threshold_usd",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got:\n%s", want, err)
		}
	}
}
