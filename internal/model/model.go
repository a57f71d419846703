// Package model defines the core domain types shared across the position engine.
// Money and token quantities are shopspring/decimal values, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Action is the direction of a trade from the wallet's point of view.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// NativeDecimals is the smallest-unit convention of the chain (lamports).
// Trades that arrive without decimals use it.
const NativeDecimals = 9

// Annotation notes.
const (
	NoteInsufficientLotHistory = "insufficient_lot_history"
)

// MessageNoPositionData marks a snapshot of a wallet with no usable trades.
const MessageNoPositionData = "no position data"

// Trade is an immutable swap record supplied by the ingestion layer.
// Schema: {timestamp, action, token, amount, price, value, fee, signature}
type Trade struct {
	Timestamp     time.Time        `json:"timestamp" db:"timestamp"`
	Action        Action           `json:"action" db:"action"`
	TokenMint     string           `json:"token_mint" db:"token_mint"`
	TokenSymbol   string           `json:"token_symbol" db:"token_symbol"`
	Amount        decimal.Decimal  `json:"amount" db:"amount"` // UI units, decimals already applied
	Decimals      int              `json:"decimals" db:"decimals"`
	TradePriceUSD *decimal.Decimal `json:"trade_price_usd,omitempty" db:"trade_price_usd"`
	ValueUSD      decimal.Decimal  `json:"value_usd" db:"value_usd"`
	FeeUSD        decimal.Decimal  `json:"fee_usd" db:"fee_usd"`
	Signature     string           `json:"signature" db:"signature"`
}

// UnitPriceUSD returns the per-token execution price. When the trade carries
// no explicit price it is derived from value_usd / amount.
func (t Trade) UnitPriceUSD() decimal.Decimal {
	if t.TradePriceUSD != nil {
		return *t.TradePriceUSD
	}
	if !t.Amount.IsPositive() {
		return decimal.Zero
	}
	return t.ValueUSD.DivRound(t.Amount, 18)
}

// BuyRecord is one purchase lot. RemainingAmount only ever decreases, and only
// through lot consumption on a sell.
type BuyRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	Amount          decimal.Decimal `json:"amount"`
	PricePerUnitUSD decimal.Decimal `json:"price_per_unit_usd"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
}

// PositionState is the lifecycle state of a position.
type PositionState string

const (
	PositionOpen   PositionState = "open"
	PositionClosed PositionState = "closed"
)

// Position is one lifecycle of a wallet's holding in one token. A lifecycle
// starts on the first buy after a close and ends when the balance reaches zero.
type Position struct {
	Wallet         string          `json:"wallet"`
	TokenMint      string          `json:"token_mint"`
	TokenSymbol    string          `json:"token_symbol"`
	Decimals       int             `json:"decimals"`
	Balance        decimal.Decimal `json:"balance"`
	CostBasisUSD   decimal.Decimal `json:"cost_basis_usd"`
	RealizedPnLUSD decimal.Decimal `json:"realized_pnl_usd"`
	State          PositionState   `json:"state"`
	OpenedAt       time.Time       `json:"opened_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
	Notes          []string        `json:"notes,omitempty"`
	Lots           []BuyRecord     `json:"-"`
}

// Confidence labels a price by source reliability and freshness.
type Confidence string

const (
	ConfidenceHigh        Confidence = "high"
	ConfidenceEstimated   Confidence = "est"
	ConfidenceStale       Confidence = "stale"
	ConfidenceUnavailable Confidence = "unavailable"
)

// PriceQuote is a transient price observation produced by the resolver.
type PriceQuote struct {
	TokenMint  string          `json:"token_mint"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
	Source     string          `json:"source_name"`
	ObservedAt time.Time       `json:"observed_at"`
	Confidence Confidence      `json:"confidence"`
}

// PositionPnL is a position marked to market. Price fields are nil when no
// source produced a quote.
type PositionPnL struct {
	Position         Position         `json:"position"`
	CurrentPriceUSD  *decimal.Decimal `json:"current_price_usd"`
	CurrentValueUSD  *decimal.Decimal `json:"current_value_usd"`
	UnrealizedPnLUSD *decimal.Decimal `json:"unrealized_pnl_usd"`
	UnrealizedPnLPct *decimal.Decimal `json:"unrealized_pnl_pct"`
	PriceConfidence  Confidence       `json:"price_confidence"`
	PriceAgeSeconds  *int64           `json:"price_age_seconds"`
	PriceSource      string           `json:"price_source,omitempty"`
	Error            string           `json:"error,omitempty"`
}

// Summary aggregates a snapshot. Percentages derive from the sums.
type Summary struct {
	TotalCostBasisUSD     decimal.Decimal `json:"total_cost_basis_usd"`
	TotalCurrentValueUSD  decimal.Decimal `json:"total_current_value_usd"`
	TotalUnrealizedPnLUSD decimal.Decimal `json:"total_unrealized_pnl_usd"`
	TotalUnrealizedPnLPct decimal.Decimal `json:"total_unrealized_pnl_pct"`
	PricedCostBasisUSD    decimal.Decimal `json:"priced_cost_basis_usd"`
	OpenPositionsCount    int             `json:"open_positions_count"`
}

// PositionSnapshot is the priced state of a wallet at GeneratedAt. It is
// never mutated after construction.
type PositionSnapshot struct {
	Wallet          string        `json:"wallet"`
	GeneratedAt     time.Time     `json:"generated_at"`
	CostBasisMethod string        `json:"cost_basis_method"`
	Positions       []PositionPnL `json:"positions"`
	Summary         Summary       `json:"summary"`
	Message         string        `json:"message,omitempty"`
}

// TradeAnnotation is the per-trade result of replaying a wallet's history.
type TradeAnnotation struct {
	Signature            string           `json:"signature"`
	Timestamp            time.Time        `json:"timestamp"`
	Action               Action           `json:"action"`
	TokenMint            string           `json:"token_mint"`
	Amount               decimal.Decimal  `json:"amount"`
	RemainingBalance     decimal.Decimal  `json:"remaining_balance"`
	PositionClosed       bool             `json:"position_closed"`
	CostBasisMethod      string           `json:"cost_basis_method"`
	CostBasisConsumedUSD *decimal.Decimal `json:"cost_basis_consumed_usd,omitempty"`
	PnLUSD               *decimal.Decimal `json:"pnl_usd,omitempty"`
	Notes                []string         `json:"notes,omitempty"`
}
