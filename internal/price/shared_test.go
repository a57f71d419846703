package price

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/store"
)

func TestRedisProvider_PointInTimeNotAnswered(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer rdb.Close()
	p := NewRedisProvider(rdb, 0)

	if p.Tier() != model.ConfidenceEstimated {
		t.Errorf("shared prices are estimates, got %s", p.Tier())
	}
	_, err := p.GetPrice(context.Background(), mint, &When{Slot: 42})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for a point-in-time lookup, got %v", err)
	}
}

func TestRedisProvider_BackendDownIsAnError(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()
	p := NewRedisProvider(rdb, 0)

	_, err := p.GetPrice(context.Background(), mint, nil)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a backend error distinct from not found, got %v", err)
	}
}

// The round trips below need live backends and run only when
// POSENGINE_TEST_REDIS_ADDR or POSENGINE_TEST_DATABASE_URL is set.

func TestRedisProvider_RecordThenGet(t *testing.T) {
	addr := os.Getenv("POSENGINE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("POSENGINE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	testMint := "test-" + mint
	defer rdb.Del(ctx, priceKey(testMint))

	p := NewRedisProvider(rdb, time.Minute)
	if _, err := p.GetPrice(ctx, testMint, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before recording, got %v", err)
	}

	observed := time.Unix(1735787045, 500).UTC()
	err := p.RecordQuote(ctx, model.PriceQuote{TokenMint: testMint, PriceUSD: d("0.0000231"), Source: "stream", ObservedAt: observed})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := p.GetPrice(ctx, testMint, nil)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.USD.Equal(d("0.0000231")) || !got.ObservedAt.Equal(observed) || got.Source != "redis_shared:stream" {
		t.Errorf("unexpected price %+v", got)
	}
	if ttl := rdb.TTL(ctx, priceKey(testMint)).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected the key to expire within a minute, got %v", ttl)
	}
}

func TestHistoryProvider_RecordThenGet(t *testing.T) {
	dsn := os.Getenv("POSENGINE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("POSENGINE_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := store.NewPostgresStore(pool).InitSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	testMint := "test-" + mint
	defer pool.Exec(ctx, `DELETE FROM token_prices WHERE mint = $1`, testMint)

	p := NewHistoryProvider(pool, 24*time.Hour)
	old := time.Now().Add(-2 * time.Hour).UTC().Truncate(time.Microsecond)
	recent := time.Now().Add(-time.Minute).UTC().Truncate(time.Microsecond)
	for _, q := range []model.PriceQuote{
		{TokenMint: testMint, PriceUSD: d("1.25"), Source: "stream", ObservedAt: old},
		{TokenMint: testMint, PriceUSD: d("1.50"), Source: "stream", ObservedAt: recent},
	} {
		if err := p.RecordQuote(ctx, q); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	latest, err := p.GetPrice(ctx, testMint, nil)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.USD.Equal(d("1.50")) || latest.Source != "price_history:stream" {
		t.Errorf("unexpected latest price %+v", latest)
	}

	past, err := p.GetPrice(ctx, testMint, &When{Time: old.Add(time.Minute)})
	if err != nil {
		t.Fatalf("point in time: %v", err)
	}
	if !past.USD.Equal(d("1.25")) || !past.ObservedAt.Equal(old) {
		t.Errorf("unexpected point-in-time price %+v", past)
	}

	if _, err := p.GetPrice(ctx, testMint, &When{Time: old.Add(-time.Hour)}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before the first record, got %v", err)
	}
}
