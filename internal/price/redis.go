package price

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

// RedisProvider serves and records last-known prices shared between
// instances. Each mint is a hash at "price:{mint}" with fields "price"
// (decimal string), "ts" (unix nanoseconds) and "source".
//
// A shared price is a copy of someone else's observation, so it carries the
// "est" tier regardless of where it came from.
type RedisProvider struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisProvider creates a provider on rdb. Recorded prices expire after ttl.
func NewRedisProvider(rdb *redis.Client, ttl time.Duration) *RedisProvider {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisProvider{rdb: rdb, ttl: ttl}
}

func priceKey(mint string) string {
	return "price:" + mint
}

func (p *RedisProvider) Name() string { return "redis_shared" }

func (p *RedisProvider) Tier() model.Confidence { return model.ConfidenceEstimated }

// GetPrice implements Provider. Only latest prices are held, so point-in-time
// lookups are not answered.
func (p *RedisProvider) GetPrice(ctx context.Context, mint string, at *When) (Price, error) {
	if !at.IsZero() {
		return Price{}, fmt.Errorf("%w: shared cache holds latest prices only", ErrNotFound)
	}

	vals, err := p.rdb.HGetAll(ctx, priceKey(mint)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Price{}, fmt.Errorf("redis: get price %s: %w", mint, err)
	}
	if len(vals) == 0 {
		return Price{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}

	priceStr, ok := vals["price"]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
	}
	usd, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Price{}, fmt.Errorf("redis: parse price %s: %w", mint, err)
	}

	var observed time.Time
	if tsStr, ok := vals["ts"]; ok {
		tsNano, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return Price{}, fmt.Errorf("redis: parse ts %s: %w", mint, err)
		}
		observed = time.Unix(0, tsNano).UTC()
	}

	source := p.Name()
	if s := vals["source"]; s != "" {
		source = p.Name() + ":" + s
	}
	return Price{USD: usd, Source: source, ObservedAt: observed}, nil
}

// RecordQuote implements Recorder.
func (p *RedisProvider) RecordQuote(ctx context.Context, q model.PriceQuote) error {
	key := priceKey(q.TokenMint)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price":  q.PriceUSD.String(),
		"ts":     strconv.FormatInt(q.ObservedAt.UnixNano(), 10),
		"source": q.Source,
	})
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", q.TokenMint, err)
	}
	return nil
}
