package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/address"
	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/costbasis"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/pnl"
	"github.com/walletdoctor/position-engine/internal/position"
	"github.com/walletdoctor/position-engine/internal/price"
	"github.com/walletdoctor/position-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var t0 = time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

type fixedQuotes map[string]string

func (f fixedQuotes) Resolve(_ context.Context, mint string, _ *price.When) (model.PriceQuote, error) {
	p, ok := f[mint]
	if !ok {
		return model.PriceQuote{}, price.ErrNotFound
	}
	return model.PriceQuote{TokenMint: mint, PriceUSD: d(p), Source: "fixed", ObservedAt: t0, Confidence: model.ConfidenceHigh}, nil
}

type failingTrades struct{}

func (failingTrades) TradesByWallet(context.Context, string) ([]model.Trade, error) {
	return nil, errors.New("connection refused")
}

func buy(sig, mint, amount, value string, at time.Duration) model.Trade {
	return model.Trade{Timestamp: t0.Add(at), Action: model.ActionBuy, TokenMint: mint, Amount: d(amount), ValueUSD: d(value), Signature: sig}
}

func sell(sig, mint, amount, value string, at time.Duration) model.Trade {
	return model.Trade{Timestamp: t0.Add(at), Action: model.ActionSell, TokenMint: mint, Amount: d(amount), ValueUSD: d(value), Signature: sig}
}

func newEngine(t *testing.T, trades TradeSource, quotes pnl.QuoteSource) *Engine {
	t.Helper()
	calc, err := costbasis.NewCalculator(costbasis.MethodFIFO)
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(t0.Add(time.Hour))
	p := pnl.NewCalculator(quotes, pnl.Options{DustThresholdUSD: d("1.00"), Clock: clk})
	return NewEngine(trades, position.NewBuilder(calc, nil), p, clk, nil)
}

func TestCompute_PricesOpenPositions(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InsertTrades(context.Background(), "w1", []model.Trade{
		buy("b1", "tokA", "100", "100", 0),
		buy("b2", "tokA", "100", "200", time.Minute),
		sell("s1", "tokA", "150", "375", 2*time.Minute),
		buy("b3", "dust", "10", "0.1", 3*time.Minute),
		buy("b4", "gone", "5", "5", 4*time.Minute),
		sell("s2", "gone", "5", "6", 5*time.Minute),
	})

	e := newEngine(t, ms, fixedQuotes{"tokA": "3", "dust": "0.01", "gone": "2"})
	snap, err := e.Compute(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if snap.CostBasisMethod != "fifo" || snap.Message != "" {
		t.Errorf("unexpected header %+v", snap)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("expected only tokA visible, got %d positions", len(snap.Positions))
	}
	row := snap.Positions[0]
	if row.Position.TokenMint != "tokA" || !row.Position.Balance.Equal(d("50")) {
		t.Errorf("unexpected position %+v", row.Position)
	}
	if !row.Position.CostBasisUSD.Equal(d("100")) || !row.UnrealizedPnLUSD.Equal(d("50")) {
		t.Errorf("expected cost 100 and pnl 50, got %s / %s", row.Position.CostBasisUSD, row.UnrealizedPnLUSD)
	}

	s := snap.Summary
	if s.OpenPositionsCount != 2 {
		t.Errorf("dust still counts as open, expected 2, got %d", s.OpenPositionsCount)
	}
	if !s.TotalCostBasisUSD.Equal(d("100.10")) || !s.TotalCurrentValueUSD.Equal(d("150.10")) {
		t.Errorf("unexpected totals %s / %s", s.TotalCostBasisUSD, s.TotalCurrentValueUSD)
	}
	if !s.TotalUnrealizedPnLPct.Equal(d("49.95")) {
		t.Errorf("expected pct 49.95, got %s", s.TotalUnrealizedPnLPct)
	}
	if !snap.GeneratedAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("generated_at should come from the clock, got %v", snap.GeneratedAt)
	}
}

func TestCompute_UnpricedTokenDoesNotFailSnapshot(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InsertTrades(context.Background(), "w1", []model.Trade{
		buy("b1", "tokA", "10", "10", 0),
		buy("b2", "tokB", "10", "10", time.Second),
	})

	e := newEngine(t, ms, fixedQuotes{"tokA": "2"})
	snap, err := e.Compute(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Positions) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(snap.Positions))
	}
	if snap.Positions[1].PriceConfidence != model.ConfidenceUnavailable {
		t.Errorf("expected tokB unavailable, got %s", snap.Positions[1].PriceConfidence)
	}
}

func TestCompute_NoPositionData(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InsertTrades(context.Background(), "w1", []model.Trade{
		buy("b1", address.USDC, "100", "100", 0),
	})

	e := newEngine(t, ms, fixedQuotes{})
	snap, err := e.Compute(context.Background(), "w1")
	if err != nil {
		t.Fatalf("no data is not an error: %v", err)
	}
	if snap.Message != model.MessageNoPositionData || len(snap.Positions) != 0 {
		t.Errorf("expected empty snapshot with message, got %+v", snap)
	}
}

func TestCompute_StoreFailure(t *testing.T) {
	e := newEngine(t, failingTrades{}, fixedQuotes{})
	if _, err := e.Compute(context.Background(), "w1"); err == nil {
		t.Error("expected error when trades cannot be loaded")
	}
}

func TestHistory_ReturnsAllLifecycles(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InsertTrades(context.Background(), "w1", []model.Trade{
		buy("b1", "tokA", "10", "10", 0),
		sell("s1", "tokA", "10", "20", time.Minute),
		buy("b2", "tokA", "5", "50", 2*time.Minute),
		buy("b3", "tokB", "1", "1", 3*time.Minute),
	})

	e := newEngine(t, ms, fixedQuotes{})
	h, err := e.History(context.Background(), "w1", "tokA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Lifecycles) != 2 {
		t.Fatalf("expected 2 lifecycles, got %d", len(h.Lifecycles))
	}
	if h.Lifecycles[0].State != model.PositionClosed || !h.Lifecycles[0].RealizedPnLUSD.Equal(d("10")) {
		t.Errorf("unexpected first lifecycle %+v", h.Lifecycles[0])
	}
	if h.Lifecycles[1].State != model.PositionOpen || !h.Lifecycles[1].CostBasisUSD.Equal(d("50")) {
		t.Errorf("unexpected second lifecycle %+v", h.Lifecycles[1])
	}
	if len(h.Trades) != 3 {
		t.Errorf("expected 3 annotated trades, got %d", len(h.Trades))
	}
}

func TestHistory_UnknownMint(t *testing.T) {
	e := newEngine(t, store.NewMemoryStore(), fixedQuotes{})
	h, err := e.History(context.Background(), "w1", "nothing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Lifecycles == nil || len(h.Lifecycles) != 0 || h.Trades == nil {
		t.Errorf("expected empty, non-nil slices, got %+v", h)
	}
}
