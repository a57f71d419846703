// Package position replays a wallet's trade history into positions.
//
// Each (wallet, token) pair moves through a small state machine:
//
//	(none) --buy--> OPEN --buy / partial sell--> OPEN --sell to zero--> CLOSED
//	CLOSED --buy--> OPEN (new lifecycle, fresh lots, no carried cost basis)
//
// A lifecycle's lots and realized P&L belong to it alone; reopening never
// references a prior lifecycle.
package position

import (
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/address"
	"github.com/walletdoctor/position-engine/internal/costbasis"
	"github.com/walletdoctor/position-engine/internal/model"
)

// Builder turns trade sequences into positions. It holds no per-wallet state
// and is safe for concurrent use across wallets.
type Builder struct {
	calc   *costbasis.Calculator
	logger *slog.Logger
}

// NewBuilder creates a builder that prices sells with calc.
func NewBuilder(calc *costbasis.Calculator, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{calc: calc, logger: logger}
}

// Method returns the cost basis method the builder applies.
func (b *Builder) Method() costbasis.Method {
	return b.calc.Method()
}

// Result is the outcome of replaying one wallet's trades.
type Result struct {
	Wallet string
	// Open holds the live lifecycle of every token with a positive balance,
	// ordered by OpenedAt then mint.
	Open []model.Position
	// History holds every lifecycle per mint in chronological order, closed
	// ones included. The last entry is the open lifecycle, if any.
	History map[string][]model.Position
	// Annotations holds one entry per replayed trade, in replay order.
	Annotations []model.TradeAnnotation
	// Skipped counts trades that named no position token.
	Skipped int
}

// HistoryFor returns every lifecycle of mint.
func (r *Result) HistoryFor(mint string) []model.Position {
	return r.History[mint]
}

// AnnotationsFor returns the annotations of mint's trades.
func (r *Result) AnnotationsFor(mint string) []model.TradeAnnotation {
	var out []model.TradeAnnotation
	for _, a := range r.Annotations {
		if a.TokenMint == mint {
			out = append(out, a)
		}
	}
	return out
}

// HasData reports whether any trade contributed to a position.
func (r *Result) HasData() bool {
	return len(r.History) > 0
}

// Build replays trades for wallet. Trades are grouped by token and replayed in
// ascending timestamp order; equal timestamps keep their input order.
func (b *Builder) Build(wallet string, trades []model.Trade) *Result {
	res := &Result{
		Wallet:  wallet,
		History: make(map[string][]model.Position),
	}

	groups := make(map[string][]model.Trade)
	var mints []string
	for _, t := range trades {
		if !address.IsPositionToken(t.TokenMint) {
			res.Skipped++
			continue
		}
		if _, ok := groups[t.TokenMint]; !ok {
			mints = append(mints, t.TokenMint)
		}
		groups[t.TokenMint] = append(groups[t.TokenMint], t)
	}

	for _, mint := range mints {
		group := groups[mint]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})

		r := &replay{builder: b, wallet: wallet, mint: mint}
		for _, t := range group {
			if ann, ok := r.apply(t); ok {
				res.Annotations = append(res.Annotations, ann)
			}
		}

		if r.current != nil {
			r.current.CostBasisUSD = b.calc.ForPosition(r.current.Lots, r.current.Balance)
			r.history = append(r.history, *r.current)
			res.Open = append(res.Open, *r.current)
		}
		if len(r.history) > 0 {
			res.History[mint] = r.history
		}
	}

	sort.SliceStable(res.Open, func(i, j int) bool {
		if !res.Open[i].OpenedAt.Equal(res.Open[j].OpenedAt) {
			return res.Open[i].OpenedAt.Before(res.Open[j].OpenedAt)
		}
		return res.Open[i].TokenMint < res.Open[j].TokenMint
	})

	return res
}

// replay is the per-token state machine.
type replay struct {
	builder *Builder
	wallet  string
	mint    string
	current *model.Position
	history []model.Position
}

func (r *replay) apply(t model.Trade) (model.TradeAnnotation, bool) {
	if !t.Amount.IsPositive() {
		r.builder.logger.Debug("skipping trade with non-positive amount",
			"wallet", r.wallet, "mint", r.mint, "signature", t.Signature)
		return model.TradeAnnotation{}, false
	}

	ann := model.TradeAnnotation{
		Signature:       t.Signature,
		Timestamp:       t.Timestamp,
		Action:          t.Action,
		TokenMint:       r.mint,
		Amount:          t.Amount,
		CostBasisMethod: string(r.builder.calc.Method()),
	}

	switch t.Action {
	case model.ActionBuy:
		r.buy(t)
		ann.RemainingBalance = r.current.Balance
	case model.ActionSell:
		r.sell(t, &ann)
	default:
		r.builder.logger.Warn("skipping trade with unknown action",
			"wallet", r.wallet, "mint", r.mint, "signature", t.Signature, "action", t.Action)
		return model.TradeAnnotation{}, false
	}
	return ann, true
}

func (r *replay) buy(t model.Trade) {
	if r.current == nil {
		decimals := t.Decimals
		if decimals <= 0 {
			decimals = model.NativeDecimals
		}
		r.current = &model.Position{
			Wallet:         r.wallet,
			TokenMint:      r.mint,
			TokenSymbol:    t.TokenSymbol,
			Decimals:       decimals,
			Balance:        decimal.Zero,
			CostBasisUSD:   decimal.Zero,
			RealizedPnLUSD: decimal.Zero,
			State:          model.PositionOpen,
			OpenedAt:       t.Timestamp,
		}
	}
	if r.current.TokenSymbol == "" {
		r.current.TokenSymbol = t.TokenSymbol
	}

	r.current.Lots = append(r.current.Lots, model.BuyRecord{
		Timestamp:       t.Timestamp,
		Amount:          t.Amount,
		PricePerUnitUSD: costbasis.Units(t.UnitPriceUSD()),
		RemainingAmount: t.Amount,
	})
	r.current.Balance = r.current.Balance.Add(t.Amount)
}

func (r *replay) sell(t model.Trade, ann *model.TradeAnnotation) {
	revenue := t.ValueUSD
	if revenue.IsZero() && t.TradePriceUSD != nil {
		revenue = t.Amount.Mul(*t.TradePriceUSD)
	}

	if r.current == nil {
		// Nothing tracked: the whole sell is uncovered.
		cost := decimal.Zero
		pnl := costbasis.RealizedPnL(revenue, cost)
		ann.CostBasisConsumedUSD = &cost
		ann.PnLUSD = &pnl
		ann.RemainingBalance = decimal.Zero
		ann.Notes = append(ann.Notes, model.NoteInsufficientLotHistory)
		r.builder.logger.Warn("sell without tracked buy history",
			"wallet", r.wallet, "mint", r.mint, "signature", t.Signature,
			"amount", t.Amount.String())
		return
	}

	cons := r.builder.calc.Consume(r.current.Lots, t.Amount)
	pnl := costbasis.RealizedPnL(revenue, cons.CostUSD)
	cost := cons.CostUSD

	r.current.Balance = r.current.Balance.Sub(cons.Drawn)
	r.current.RealizedPnLUSD = r.current.RealizedPnLUSD.Add(pnl)

	ann.CostBasisConsumedUSD = &cost
	ann.PnLUSD = &pnl
	ann.RemainingBalance = r.current.Balance

	if cons.Insufficient() {
		ann.Notes = append(ann.Notes, model.NoteInsufficientLotHistory)
		r.current.Notes = appendNote(r.current.Notes, model.NoteInsufficientLotHistory)
		r.builder.logger.Warn("sell exceeds tracked lot history",
			"wallet", r.wallet, "mint", r.mint, "signature", t.Signature,
			"amount", t.Amount.String(), "shortfall", cons.Shortfall.String())
	}

	if r.current.Balance.IsZero() {
		r.close(t.Timestamp)
		ann.PositionClosed = true
	}
}

func (r *replay) close(at time.Time) {
	closedAt := at
	r.current.State = model.PositionClosed
	r.current.ClosedAt = &closedAt
	r.current.CostBasisUSD = decimal.Zero
	r.current.Lots = nil
	r.history = append(r.history, *r.current)
	r.current = nil
}

func appendNote(notes []string, note string) []string {
	for _, n := range notes {
		if n == note {
			return notes
		}
	}
	return append(notes, note)
}
