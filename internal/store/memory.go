package store

import (
	"context"
	"sort"
	"sync"

	"github.com/walletdoctor/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	trades map[string][]model.Trade
	seen   map[string]map[tradeKey]struct{}
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string][]model.Trade),
		seen:   make(map[string]map[tradeKey]struct{}),
	}
}

func (s *MemoryStore) InsertTrades(_ context.Context, wallet string, trades []model.Trade) (int, error) {
	for _, t := range trades {
		if t.Signature == "" {
			return 0, ErrMissingSignature
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seen[wallet]
	if !ok {
		seen = make(map[tradeKey]struct{})
		s.seen[wallet] = seen
	}

	inserted := 0
	for _, t := range trades {
		k := keyOf(t)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		s.trades[wallet] = append(s.trades[wallet], t)
		inserted++
	}

	// Keep the slice chronological so reads can hand out a sorted copy.
	sort.SliceStable(s.trades[wallet], func(i, j int) bool {
		return s.trades[wallet][i].Timestamp.Before(s.trades[wallet][j].Timestamp)
	})
	return inserted, nil
}

func (s *MemoryStore) TradesByWallet(_ context.Context, wallet string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Trade, len(s.trades[wallet]))
	copy(out, s.trades[wallet])
	return out, nil
}
