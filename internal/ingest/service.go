package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/walletdoctor/position-engine/internal/metrics"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/store"
)

// Invalidator drops cached state for a wallet.
type Invalidator interface {
	Invalidate(ctx context.Context, wallet string)
}

// Rejection is a trade that could not be ingested at all.
type Rejection struct {
	Index     int    `json:"index"`
	Signature string `json:"signature,omitempty"`
	Reason    string `json:"reason"`
}

// Result summarises one ingested batch.
type Result struct {
	Wallet   string         `json:"wallet"`
	Received int            `json:"received"`
	Inserted int            `json:"inserted"`
	Rejected []Rejection    `json:"rejected,omitempty"`
	Warnings []FieldWarning `json:"warnings,omitempty"`
}

// Service persists trades and invalidates the wallet's cached snapshot
// whenever something new arrives.
type Service struct {
	store  store.Store
	cache  Invalidator
	logger *slog.Logger
}

// NewService creates an ingestion service. cache may be nil.
func NewService(s store.Store, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, cache: cache, logger: logger}
}

// Ingest parses raws and stores the usable ones for wallet. Only a store
// failure is returned as an error.
func (s *Service) Ingest(ctx context.Context, wallet string, raws []RawTrade) (*Result, error) {
	res := &Result{Wallet: wallet, Received: len(raws)}

	trades := make([]model.Trade, 0, len(raws))
	for i, raw := range raws {
		t, warns, err := Parse(wallet, i, raw)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Index: i, Signature: raw.Signature, Reason: err.Error()})
			s.logger.Warn("rejected trade", "wallet", wallet, "index", i, "signature", raw.Signature, "err", err)
			continue
		}
		for _, w := range warns {
			metrics.MalformedTradeFields.WithLabelValues(w.Field).Inc()
			s.logger.Warn("malformed trade field coerced to zero",
				"wallet", wallet, "index", w.Index, "signature", t.Signature, "field", w.Field, "value", w.Value)
		}
		res.Warnings = append(res.Warnings, warns...)
		trades = append(trades, t)
	}

	if len(trades) == 0 {
		return res, nil
	}

	n, err := s.store.InsertTrades(ctx, wallet, trades)
	if err != nil {
		return nil, fmt.Errorf("ingest: store trades %s: %w", wallet, err)
	}
	res.Inserted = n
	metrics.TradesIngested.Add(float64(n))

	if n > 0 && s.cache != nil {
		s.cache.Invalidate(ctx, wallet)
	}
	s.logger.Info("trades ingested",
		"wallet", wallet,
		"received", res.Received,
		"inserted", n,
		"rejected", len(res.Rejected),
		"warnings", len(res.Warnings))
	return res, nil
}
