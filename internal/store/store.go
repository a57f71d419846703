// Package store defines the trade persistence boundary for the position engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing and development).
package store

import (
	"context"
	"errors"

	"github.com/walletdoctor/position-engine/internal/model"
)

// ErrMissingSignature is returned when a trade has no signature to
// deduplicate on.
var ErrMissingSignature = errors.New("store: trade has no signature")

// Store is the trade persistence interface. Trades are keyed by
// (wallet, signature, token_mint, action) so one transaction may carry both
// legs of a token-for-token swap.
type Store interface {
	// InsertTrades appends trades for wallet, skipping any already stored.
	// It returns how many were new.
	InsertTrades(ctx context.Context, wallet string, trades []model.Trade) (int, error)

	// TradesByWallet returns every trade of wallet, oldest first. Trades with
	// equal timestamps keep their insertion order.
	TradesByWallet(ctx context.Context, wallet string) ([]model.Trade, error)
}

type tradeKey struct {
	signature string
	mint      string
	action    model.Action
}

func keyOf(t model.Trade) tradeKey {
	return tradeKey{signature: t.Signature, mint: t.TokenMint, action: t.Action}
}
