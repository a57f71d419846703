// Package pnl marks positions to market and aggregates wallet totals.
package pnl

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/costbasis"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/price"
)

// Quote age thresholds for confidence degradation.
const (
	FreshFor   = 60 * time.Second
	StaleAfter = 300 * time.Second
)

var hundred = decimal.NewFromInt(100)

// QuoteSource resolves the current price of a mint.
type QuoteSource interface {
	Resolve(ctx context.Context, mint string, at *price.When) (model.PriceQuote, error)
}

// Options configures a Calculator.
type Options struct {
	// Concurrency caps parallel price lookups per batch. Default 20.
	Concurrency int
	// Deadline bounds a whole batch. Positions not priced in time come back
	// unavailable. Zero means no batch deadline.
	Deadline time.Duration
	// DustThresholdUSD hides priced positions worth less than this from
	// display. Zero disables the filter.
	DustThresholdUSD decimal.Decimal
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Calculator computes unrealized P&L. It is safe for concurrent use.
type Calculator struct {
	quotes      QuoteSource
	concurrency int
	deadline    time.Duration
	dust        decimal.Decimal
	clock       clock.Clock
	logger      *slog.Logger
}

// NewCalculator creates a calculator that prices positions through quotes.
func NewCalculator(quotes QuoteSource, opts Options) *Calculator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 20
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Calculator{
		quotes:      quotes,
		concurrency: opts.Concurrency,
		deadline:    opts.Deadline,
		dust:        opts.DustThresholdUSD,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
}

// Degrade returns the confidence a quote of the given tier deserves at age.
func Degrade(tier model.Confidence, age time.Duration) model.Confidence {
	switch {
	case tier == model.ConfidenceUnavailable:
		return tier
	case age > StaleAfter:
		return model.ConfidenceStale
	case age >= FreshFor && tier == model.ConfidenceHigh:
		return model.ConfidenceEstimated
	default:
		return tier
	}
}

// Calculate marks pos to market with quote. A nil quote yields an
// "unavailable" row with every price field nil. When the position has no
// cost basis the percentage is nil rather than a division by zero.
func (c *Calculator) Calculate(pos model.Position, quote *model.PriceQuote) model.PositionPnL {
	out := model.PositionPnL{
		Position:        pos,
		PriceConfidence: model.ConfidenceUnavailable,
	}
	if quote == nil {
		return out
	}

	age := c.clock.Now().Sub(quote.ObservedAt)
	if age < 0 {
		age = 0
	}
	ageSec := int64(age / time.Second)

	priceUSD := quote.PriceUSD
	value := costbasis.USD(pos.Balance.Mul(priceUSD))
	unrealized := value.Sub(costbasis.USD(pos.CostBasisUSD))

	out.CurrentPriceUSD = &priceUSD
	out.CurrentValueUSD = &value
	out.UnrealizedPnLUSD = &unrealized
	out.PriceConfidence = Degrade(quote.Confidence, age)
	out.PriceAgeSeconds = &ageSec
	out.PriceSource = quote.Source

	if pos.CostBasisUSD.IsPositive() {
		pct := percent(unrealized, pos.CostBasisUSD)
		out.UnrealizedPnLPct = &pct
	}
	return out
}

// CalculateBatch prices every position with bounded concurrency. A failed
// lookup marks only its own position unavailable. Output order matches input.
func (c *Calculator) CalculateBatch(ctx context.Context, positions []model.Position) []model.PositionPnL {
	out := make([]model.PositionPnL, len(positions))
	if len(positions) == 0 {
		return out
	}

	if c.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, pos := range positions {
		g.Go(func() error {
			quote, err := c.quotes.Resolve(gctx, pos.TokenMint, nil)
			if err != nil {
				c.logger.Debug("position priced as unavailable", "wallet", pos.Wallet, "mint", pos.TokenMint, "err", err)
				row := c.Calculate(pos, nil)
				row.Error = err.Error()
				out[i] = row
				return nil
			}
			out[i] = c.Calculate(pos, &quote)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Visible drops dust: priced positions whose current value is below the
// threshold. Unpriced positions are kept since their value is unknown.
func (c *Calculator) Visible(pnls []model.PositionPnL) []model.PositionPnL {
	if !c.dust.IsPositive() {
		return pnls
	}
	out := make([]model.PositionPnL, 0, len(pnls))
	for _, p := range pnls {
		if p.CurrentValueUSD != nil && p.CurrentValueUSD.LessThan(c.dust) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Aggregate sums cost basis over every position. Value, unrealized P&L and
// the cost basis they are measured against are summed over priced positions
// only, and the percentage is derived from those priced sums.
func Aggregate(pnls []model.PositionPnL) model.Summary {
	s := model.Summary{
		TotalCostBasisUSD:     decimal.Zero,
		TotalCurrentValueUSD:  decimal.Zero,
		TotalUnrealizedPnLUSD: decimal.Zero,
		TotalUnrealizedPnLPct: decimal.Zero,
		PricedCostBasisUSD:    decimal.Zero,
	}
	for _, p := range pnls {
		if p.Position.State == model.PositionOpen {
			s.OpenPositionsCount++
		}
		cost := costbasis.USD(p.Position.CostBasisUSD)
		s.TotalCostBasisUSD = s.TotalCostBasisUSD.Add(cost)
		if p.CurrentValueUSD != nil {
			s.TotalCurrentValueUSD = s.TotalCurrentValueUSD.Add(*p.CurrentValueUSD)
		}
		if p.UnrealizedPnLUSD != nil {
			s.TotalUnrealizedPnLUSD = s.TotalUnrealizedPnLUSD.Add(*p.UnrealizedPnLUSD)
			s.PricedCostBasisUSD = s.PricedCostBasisUSD.Add(cost)
		}
	}
	if s.PricedCostBasisUSD.IsPositive() {
		s.TotalUnrealizedPnLPct = percent(s.TotalUnrealizedPnLUSD, s.PricedCostBasisUSD)
	}
	return s
}

func percent(pnl, cost decimal.Decimal) decimal.Decimal {
	return costbasis.USD(pnl.Mul(hundred).DivRound(cost, 18))
}
