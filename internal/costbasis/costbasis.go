// Package costbasis assigns USD cost to held token units from a sequence of
// purchase lots, using either FIFO lot consumption or a weighted average.
//
// Money and token quantities are shopspring/decimal values, never float64.
// Per-token values keep UnitScale fractional digits and USD totals keep
// USDScale. Every rounding step rounds toward zero so gains are never
// overstated by rounding.
package costbasis

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/model"
)

var (
	// ErrUnknownMethod is returned when a method name is not recognised.
	ErrUnknownMethod = errors.New("costbasis: unknown cost basis method")

	// UnitScale is the number of fractional digits kept for per-token values
	// (amounts and per-unit prices).
	UnitScale int32 = 8

	// USDScale is the number of fractional digits kept for USD totals.
	USDScale int32 = 2

	// divScale is the working precision for intermediate division.
	divScale int32 = 18
)

// Method selects how cost is assigned to sold and held units.
type Method string

const (
	MethodFIFO            Method = "fifo"
	MethodWeightedAverage Method = "weighted_average"
)

// ParseMethod maps a configuration value onto a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fifo":
		return MethodFIFO, nil
	case "weighted_average", "weighted-average", "average", "avg":
		return MethodWeightedAverage, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
	}
}

// Units rounds a per-token value down to UnitScale digits.
func Units(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(UnitScale)
}

// USD rounds a USD amount down to USDScale digits.
func USD(d decimal.Decimal) decimal.Decimal {
	return d.RoundDown(USDScale)
}

// Consumption is the outcome of drawing a sell amount from a lot sequence.
type Consumption struct {
	// CostUSD is the USD cost of the units drawn, at USDScale.
	CostUSD decimal.Decimal
	// Drawn is the number of units actually taken from lots.
	Drawn decimal.Decimal
	// Shortfall is the part of the sell amount no lot could cover. A positive
	// shortfall means the tracked buy history is incomplete.
	Shortfall decimal.Decimal
}

// Insufficient reports whether the sell exceeded the available lots.
func (c Consumption) Insufficient() bool {
	return c.Shortfall.IsPositive()
}

// FIFO draws sellAmount from lots oldest first, decrementing each lot's
// RemainingAmount by the units taken from it. It stops as soon as the sell is
// covered. When the lots hold less than sellAmount everything available is
// consumed and the uncovered units are reported as Shortfall; this never fails.
func FIFO(lots []model.BuyRecord, sellAmount decimal.Decimal) Consumption {
	need := sellAmount
	cost := decimal.Zero
	drawn := decimal.Zero

	for i := range lots {
		if !need.IsPositive() {
			break
		}
		lot := &lots[i]
		if !lot.RemainingAmount.IsPositive() {
			continue
		}
		take := decimal.Min(lot.RemainingAmount, need)
		lot.RemainingAmount = lot.RemainingAmount.Sub(take)
		need = need.Sub(take)
		drawn = drawn.Add(take)
		cost = cost.Add(take.Mul(lot.PricePerUnitUSD))
	}

	shortfall := decimal.Zero
	if need.IsPositive() {
		shortfall = need
	}
	return Consumption{CostUSD: USD(cost), Drawn: drawn, Shortfall: shortfall}
}

// WeightedAverage returns the per-unit average cost Σ(amount×price)/Σ(amount)
// over the lots of the current lifecycle. Lots are weighted by their original
// purchase amount, so the result does not depend on lot order or on sells
// made since the lifecycle opened. Zero-price lots (airdrops) count with cost 0.
func WeightedAverage(lots []model.BuyRecord) decimal.Decimal {
	totalCost := decimal.Zero
	totalUnits := decimal.Zero
	for _, lot := range lots {
		totalCost = totalCost.Add(lot.Amount.Mul(lot.PricePerUnitUSD))
		totalUnits = totalUnits.Add(lot.Amount)
	}
	if !totalUnits.IsPositive() {
		return decimal.Zero
	}
	return Units(totalCost.DivRound(totalUnits, divScale))
}

// RealizedPnL is sell value minus the cost consumed, both at USDScale, so the
// identity revenue − cost == realized holds exactly.
func RealizedPnL(sellValueUSD, costConsumedUSD decimal.Decimal) decimal.Decimal {
	return USD(sellValueUSD).Sub(USD(costConsumedUSD))
}

// Calculator applies one configured Method. It holds no lot state; lots are
// passed in and mutated in place. Safe for concurrent use.
type Calculator struct {
	method Method
}

// NewCalculator creates a calculator for the given method.
func NewCalculator(m Method) (*Calculator, error) {
	switch m {
	case MethodFIFO, MethodWeightedAverage:
		return &Calculator{method: m}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, m)
	}
}

// Method returns the configured method.
func (c *Calculator) Method() Method {
	return c.method
}

// Consume determines the USD cost of selling sellAmount out of lots.
//
// Under both methods lots are drawn down oldest first so that the sum of
// RemainingAmount always equals the position balance. Under weighted average
// the cost of the drawn units is priced at the lifecycle average instead of
// each lot's own price.
func (c *Calculator) Consume(lots []model.BuyRecord, sellAmount decimal.Decimal) Consumption {
	if c.method == MethodFIFO {
		return FIFO(lots, sellAmount)
	}

	avg := WeightedAverage(lots)
	res := FIFO(lots, sellAmount)
	res.CostUSD = USD(res.Drawn.Mul(avg))
	return res
}

// ForPosition returns the USD cost basis of the units still held. A closed
// position (zero balance) always has cost basis 0.
func (c *Calculator) ForPosition(lots []model.BuyRecord, balance decimal.Decimal) decimal.Decimal {
	if !balance.IsPositive() {
		return decimal.Zero
	}

	if c.method == MethodWeightedAverage {
		return USD(balance.Mul(WeightedAverage(lots)))
	}

	cost := decimal.Zero
	for _, lot := range lots {
		if lot.RemainingAmount.IsPositive() {
			cost = cost.Add(lot.RemainingAmount.Mul(lot.PricePerUnitUSD))
		}
	}
	return USD(cost)
}

// OpenUnits sums RemainingAmount across lots.
func OpenUnits(lots []model.BuyRecord) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingAmount)
	}
	return total
}
