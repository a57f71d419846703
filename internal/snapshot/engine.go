// Package snapshot composes the trade store, position builder and P&L
// calculator into one priced view of a wallet.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/metrics"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/pnl"
	"github.com/walletdoctor/position-engine/internal/position"
)

// TradeSource loads a wallet's full trade list.
type TradeSource interface {
	TradesByWallet(ctx context.Context, wallet string) ([]model.Trade, error)
}

// History is every lifecycle of one token in a wallet, with the annotated
// trades that produced them.
type History struct {
	Wallet          string                  `json:"wallet"`
	TokenMint       string                  `json:"token_mint"`
	CostBasisMethod string                  `json:"cost_basis_method"`
	Lifecycles      []model.Position        `json:"lifecycles"`
	Trades          []model.TradeAnnotation `json:"trades"`
}

// Engine computes wallet snapshots. Each call works on its own trade list,
// so wallets can be computed in parallel.
type Engine struct {
	trades  TradeSource
	builder *position.Builder
	pnl     *pnl.Calculator
	clock   clock.Clock
	logger  *slog.Logger
}

// NewEngine creates a snapshot engine.
func NewEngine(trades TradeSource, builder *position.Builder, calc *pnl.Calculator, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{trades: trades, builder: builder, pnl: calc, clock: clk, logger: logger}
}

// Compute loads wallet's trades and prices its open positions. Only a
// failure to load trades is returned as an error; price failures show up
// per position. A wallet without usable trades yields an empty snapshot
// carrying model.MessageNoPositionData.
func (e *Engine) Compute(ctx context.Context, wallet string) (*model.PositionSnapshot, error) {
	start := time.Now()

	trades, err := e.trades.TradesByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load trades %s: %w", wallet, err)
	}

	res := e.builder.Build(wallet, trades)
	snap := &model.PositionSnapshot{
		Wallet:          wallet,
		CostBasisMethod: string(e.builder.Method()),
		Positions:       []model.PositionPnL{},
	}

	if !res.HasData() {
		snap.GeneratedAt = e.clock.Now()
		snap.Summary = pnl.Aggregate(nil)
		snap.Message = model.MessageNoPositionData
		return snap, nil
	}

	rows := e.pnl.CalculateBatch(ctx, res.Open)
	snap.Summary = pnl.Aggregate(rows)
	snap.Positions = append(snap.Positions, e.pnl.Visible(rows)...)
	snap.GeneratedAt = e.clock.Now()

	metrics.SnapshotLatency.Observe(time.Since(start).Seconds())
	metrics.SnapshotPositions.Observe(float64(len(res.Open)))
	e.logger.Debug("snapshot computed",
		"wallet", wallet,
		"trades", len(trades),
		"open_positions", len(res.Open),
		"visible_positions", len(snap.Positions),
		"duration", time.Since(start))
	return snap, nil
}

// History replays wallet's trades and returns every lifecycle of mint.
func (e *Engine) History(ctx context.Context, wallet, mint string) (*History, error) {
	trades, err := e.trades.TradesByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load trades %s: %w", wallet, err)
	}

	res := e.builder.Build(wallet, trades)
	h := &History{
		Wallet:          wallet,
		TokenMint:       mint,
		CostBasisMethod: string(e.builder.Method()),
		Lifecycles:      res.HistoryFor(mint),
		Trades:          res.AnnotationsFor(mint),
	}
	if h.Lifecycles == nil {
		h.Lifecycles = []model.Position{}
	}
	if h.Trades == nil {
		h.Trades = []model.TradeAnnotation{}
	}
	return h, nil
}
