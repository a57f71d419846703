// Package api serves wallet positions, position history and trade ingestion
// over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/walletdoctor/position-engine/internal/address"
	"github.com/walletdoctor/position-engine/internal/cache"
	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/ingest"
	"github.com/walletdoctor/position-engine/internal/model"
	"github.com/walletdoctor/position-engine/internal/snapshot"
)

// maxIngestBody caps one trade batch upload.
const maxIngestBody = 8 << 20

// Snapshots computes wallet snapshots and position histories.
type Snapshots interface {
	Compute(ctx context.Context, wallet string) (*model.PositionSnapshot, error)
	History(ctx context.Context, wallet, mint string) (*snapshot.History, error)
}

// Ingester persists raw trade batches.
type Ingester interface {
	Ingest(ctx context.Context, wallet string, raws []ingest.RawTrade) (*ingest.Result, error)
}

// Service holds the HTTP handlers.
type Service struct {
	cache     *cache.PositionCache
	snapshots Snapshots
	ingester  Ingester
	clock     clock.Clock
	logger    *slog.Logger

	// cold coalesces concurrent misses for one wallet.
	cold singleflight.Group
}

// NewService creates the API service.
func NewService(c *cache.PositionCache, snaps Snapshots, ing Ingester, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: c, snapshots: snaps, ingester: ing, clock: clk, logger: logger}
}

// Routes mounts the wallet endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/wallets/{wallet}/positions", s.GetPositions)
	r.Get("/wallets/{wallet}/positions/{mint}/history", s.GetHistory)
	r.Post("/wallets/{wallet}/trades", s.IngestTrades)
	r.Delete("/wallets/{wallet}/cache", s.InvalidateCache)
}

// GetPositions handles GET /api/v1/wallets/{wallet}/positions.
// A cached snapshot is served as is, flagged stale once past the TTL. A miss
// computes the snapshot inline.
func (s *Service) GetPositions(w http.ResponseWriter, r *http.Request) {
	wallet, err := address.ParseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if hit, ok := s.cache.Get(r.Context(), wallet); ok {
		writeJSON(w, http.StatusOK, newPositionsResponse(hit.Snapshot, hit.Stale, hit.Age))
		return
	}

	// The computation outlives any single caller that gives up.
	ctx := context.WithoutCancel(r.Context())
	v, err, shared := s.cold.Do(wallet, func() (any, error) {
		tok := s.cache.Begin(wallet)
		defer s.cache.Release(tok)

		snap, err := s.snapshots.Compute(ctx, wallet)
		if err != nil {
			return nil, err
		}
		s.cache.Commit(ctx, tok, snap)
		return snap, nil
	})
	if err != nil {
		s.logger.Error("snapshot failed", "wallet", wallet, "err", err)
		writeError(w, "failed to compute positions", http.StatusInternalServerError)
		return
	}
	snap := v.(*model.PositionSnapshot)
	if !shared {
		s.logger.Info("snapshot computed",
			"wallet", wallet,
			"positions", len(snap.Positions),
			"open_positions", snap.Summary.OpenPositionsCount)
	}

	writeJSON(w, http.StatusOK, newPositionsResponse(snap, false, s.clock.Now().Sub(snap.GeneratedAt)))
}

// GetHistory handles GET /api/v1/wallets/{wallet}/positions/{mint}/history.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	wallet, err := address.ParseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mint := chi.URLParam(r, "mint")
	if !address.ValidMint(mint) {
		writeError(w, "invalid token mint", http.StatusBadRequest)
		return
	}

	h, err := s.snapshots.History(r.Context(), wallet, mint)
	if err != nil {
		s.logger.Error("history failed", "wallet", wallet, "mint", mint, "err", err)
		writeError(w, "failed to load position history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// IngestTrades handles POST /api/v1/wallets/{wallet}/trades. The body is a
// JSON array of trades. It responds 201 when anything new was stored and
// 200 when the whole batch was already known or rejected.
func (s *Service) IngestTrades(w http.ResponseWriter, r *http.Request) {
	wallet, err := address.ParseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var raws []ingest.RawTrade
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&raws); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, "invalid request body: expected a JSON array of trades", http.StatusBadRequest)
		return
	}

	res, err := s.ingester.Ingest(r.Context(), wallet, raws)
	if err != nil {
		s.logger.Error("ingest failed", "wallet", wallet, "err", err)
		writeError(w, "failed to store trades", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if res.Inserted > 0 {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// InvalidateCache handles DELETE /api/v1/wallets/{wallet}/cache.
func (s *Service) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	wallet, err := address.ParseWallet(chi.URLParam(r, "wallet"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.cache.Invalidate(r.Context(), wallet)
	s.logger.Info("cache invalidated", "wallet", wallet)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
