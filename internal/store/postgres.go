package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

// Schema creates the tables the PostgreSQL store and the price history
// provider read from. Amounts and prices are NUMERIC for exact decimal
// precision.
const Schema = `
CREATE TABLE IF NOT EXISTS trades (
    id              BIGSERIAL   PRIMARY KEY,
    wallet          TEXT        NOT NULL,
    signature       TEXT        NOT NULL,
    token_mint      TEXT        NOT NULL,
    token_symbol    TEXT        NOT NULL DEFAULT '',
    action          TEXT        NOT NULL,
    amount          NUMERIC     NOT NULL,
    decimals        INTEGER     NOT NULL,
    trade_price_usd NUMERIC,
    value_usd       NUMERIC     NOT NULL,
    fee_usd         NUMERIC     NOT NULL DEFAULT 0,
    timestamp       TIMESTAMPTZ NOT NULL,
    UNIQUE (wallet, signature, token_mint, action)
);

CREATE INDEX IF NOT EXISTS idx_trades_wallet_ts ON trades (wallet, timestamp, id);

CREATE TABLE IF NOT EXISTS token_prices (
    mint        TEXT        NOT NULL,
    price_usd   NUMERIC     NOT NULL,
    source      TEXT        NOT NULL,
    slot        BIGINT      NOT NULL DEFAULT 0,
    observed_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (mint, observed_at, source)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates missing tables.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTrades(ctx context.Context, wallet string, trades []model.Trade) (int, error) {
	for _, t := range trades {
		if t.Signature == "" {
			return 0, ErrMissingSignature
		}
	}

	batch := &pgx.Batch{}
	for _, t := range trades {
		var tradePrice *string
		if t.TradePriceUSD != nil {
			p := t.TradePriceUSD.String()
			tradePrice = &p
		}
		batch.Queue(
			`INSERT INTO trades (wallet, signature, token_mint, token_symbol, action,
			                     amount, decimals, trade_price_usd, value_usd, fee_usd, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
			 ON CONFLICT (wallet, signature, token_mint, action) DO NOTHING`,
			wallet, t.Signature, t.TokenMint, t.TokenSymbol, string(t.Action),
			t.Amount.String(), t.Decimals, tradePrice, t.ValueUSD.String(), t.FeeUSD.String(),
			t.Timestamp,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert trades %s: %w", wallet, err)
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for range trades {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert trades %s: %w", wallet, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("insert trades %s: %w", wallet, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("insert trades %s: %w", wallet, err)
	}
	return inserted, nil
}

func (s *PostgresStore) TradesByWallet(ctx context.Context, wallet string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT signature, token_mint, token_symbol, action,
		        amount::TEXT, decimals, trade_price_usd::TEXT, value_usd::TEXT, fee_usd::TEXT,
		        timestamp
		 FROM trades WHERE wallet = $1 ORDER BY timestamp, id`, wallet)
	if err != nil {
		return nil, fmt.Errorf("get trades %s: %w", wallet, err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// pgxRows is the subset of pgx.Rows that scanTrades needs.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var action, amountS, valueS, feeS string
		var priceS *string

		if err := rows.Scan(&t.Signature, &t.TokenMint, &t.TokenSymbol, &action,
			&amountS, &t.Decimals, &priceS, &valueS, &feeS,
			&t.Timestamp); err != nil {
			return nil, err
		}

		t.Action = model.Action(action)
		t.Amount, _ = decimal.NewFromString(amountS)
		t.ValueUSD, _ = decimal.NewFromString(valueS)
		t.FeeUSD, _ = decimal.NewFromString(feeS)
		if priceS != nil {
			if p, err := decimal.NewFromString(*priceS); err == nil {
				t.TradePriceUSD = &p
			}
		}
		t.Timestamp = t.Timestamp.UTC()

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
