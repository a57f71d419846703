package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

// PositionView is one row of a wallet response.
type PositionView struct {
	TokenMint        string           `json:"token_mint"`
	TokenSymbol      string           `json:"token_symbol"`
	Balance          decimal.Decimal  `json:"balance"`
	CostBasisUSD     decimal.Decimal  `json:"cost_basis_usd"`
	RealizedPnLUSD   decimal.Decimal  `json:"realized_pnl_usd"`
	CurrentPriceUSD  *decimal.Decimal `json:"current_price_usd"`
	CurrentValueUSD  *decimal.Decimal `json:"current_value_usd"`
	UnrealizedPnLUSD *decimal.Decimal `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct *decimal.Decimal `json:"unrealized_pnl_pct"`
	PriceConfidence  model.Confidence `json:"price_confidence"`
	PriceAgeSeconds  *int64           `json:"price_age_seconds"`
	PriceSource      string           `json:"price_source,omitempty"`
	OpenedAt         time.Time        `json:"opened_at"`
	Notes            []string         `json:"notes,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// PositionsResponse is the body of GET /api/v1/wallets/{wallet}/positions.
type PositionsResponse struct {
	Wallet          string         `json:"wallet"`
	GeneratedAt     time.Time      `json:"generated_at"`
	Stale           bool           `json:"stale"`
	AgeSeconds      int64          `json:"age_seconds"`
	CostBasisMethod string         `json:"cost_basis_method"`
	Positions       []PositionView `json:"positions"`
	Summary         model.Summary  `json:"summary"`
	Message         string         `json:"message,omitempty"`
}

func newPositionsResponse(snap *model.PositionSnapshot, stale bool, age time.Duration) PositionsResponse {
	if age < 0 {
		age = 0
	}
	resp := PositionsResponse{
		Wallet:          snap.Wallet,
		GeneratedAt:     snap.GeneratedAt,
		Stale:           stale,
		AgeSeconds:      int64(age / time.Second),
		CostBasisMethod: snap.CostBasisMethod,
		Positions:       make([]PositionView, 0, len(snap.Positions)),
		Summary:         snap.Summary,
		Message:         snap.Message,
	}
	for _, p := range snap.Positions {
		resp.Positions = append(resp.Positions, PositionView{
			TokenMint:        p.Position.TokenMint,
			TokenSymbol:      p.Position.TokenSymbol,
			Balance:          p.Position.Balance,
			CostBasisUSD:     p.Position.CostBasisUSD,
			RealizedPnLUSD:   p.Position.RealizedPnLUSD,
			CurrentPriceUSD:  p.CurrentPriceUSD,
			CurrentValueUSD:  p.CurrentValueUSD,
			UnrealizedPnLUSD: p.UnrealizedPnLUSD,
			UnrealizedPnLPct: p.UnrealizedPnLPct,
			PriceConfidence:  p.PriceConfidence,
			PriceAgeSeconds:  p.PriceAgeSeconds,
			PriceSource:      p.PriceSource,
			OpenedAt:         p.Position.OpenedAt,
			Notes:            p.Position.Notes,
			Error:            p.Error,
		})
	}
	return resp
}
