package price

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

// HistoryProvider reads recorded prices from PostgreSQL and is the only
// provider that answers point-in-time lookups for arbitrary past moments.
// Prices are stored as NUMERIC for exact decimal precision.
//
//	CREATE TABLE token_prices (
//	    mint        TEXT        NOT NULL,
//	    price_usd   NUMERIC     NOT NULL,
//	    source      TEXT        NOT NULL,
//	    slot        BIGINT      NOT NULL DEFAULT 0,
//	    observed_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (mint, observed_at, source)
//	);
type HistoryProvider struct {
	pool   *pgxpool.Pool
	maxAge time.Duration
}

// NewHistoryProvider creates a provider on pool. For latest-price lookups,
// rows older than maxAge are ignored.
func NewHistoryProvider(pool *pgxpool.Pool, maxAge time.Duration) *HistoryProvider {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &HistoryProvider{pool: pool, maxAge: maxAge}
}

func (p *HistoryProvider) Name() string { return "price_history" }

func (p *HistoryProvider) Tier() model.Confidence { return model.ConfidenceEstimated }

// GetPrice implements Provider.
func (p *HistoryProvider) GetPrice(ctx context.Context, mint string, at *When) (Price, error) {
	var row pgx.Row
	switch {
	case at.IsZero():
		row = p.pool.QueryRow(ctx,
			`SELECT price_usd::TEXT, source, observed_at
			 FROM token_prices
			 WHERE mint = $1 AND observed_at >= $2
			 ORDER BY observed_at DESC LIMIT 1`,
			mint, time.Now().Add(-p.maxAge))
	case at.Slot != 0:
		row = p.pool.QueryRow(ctx,
			`SELECT price_usd::TEXT, source, observed_at
			 FROM token_prices
			 WHERE mint = $1 AND slot > 0 AND slot <= $2
			 ORDER BY slot DESC, observed_at DESC LIMIT 1`,
			mint, int64(at.Slot))
	default:
		row = p.pool.QueryRow(ctx,
			`SELECT price_usd::TEXT, source, observed_at
			 FROM token_prices
			 WHERE mint = $1 AND observed_at <= $2
			 ORDER BY observed_at DESC LIMIT 1`,
			mint, at.Time)
	}

	var priceS, source string
	var observed time.Time
	if err := row.Scan(&priceS, &source, &observed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Price{}, fmt.Errorf("%w: no recorded price for %s", ErrNotFound, mint)
		}
		return Price{}, fmt.Errorf("get price history %s: %w", mint, err)
	}

	usd, err := decimal.NewFromString(priceS)
	if err != nil {
		return Price{}, fmt.Errorf("parse price history %s: %w", mint, err)
	}
	return Price{USD: usd, Source: p.Name() + ":" + source, ObservedAt: observed.UTC()}, nil
}

// RecordQuote implements Recorder.
func (p *HistoryProvider) RecordQuote(ctx context.Context, q model.PriceQuote) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO token_prices (mint, price_usd, source, observed_at)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT DO NOTHING`,
		q.TokenMint, q.PriceUSD.String(), q.Source, q.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("record price %s: %w", q.TokenMint, err)
	}
	return nil
}
