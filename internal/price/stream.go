package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/model"
)

// Tick is one pool price observation pushed by the on-chain feed.
type Tick struct {
	Mint      string          `json:"mint"`
	PriceUSD  decimal.Decimal `json:"price_usd"`
	Pool      string          `json:"pool"`
	Slot      uint64          `json:"slot"`
	Timestamp int64           `json:"ts"` // unix seconds
}

type subscribeMessage struct {
	Op    string   `json:"op"`
	Mints []string `json:"mints"`
}

// StreamProvider keeps the latest pool-derived price per mint from a
// websocket feed of on-chain pool reads. Prices are computed from pool
// reserves, so quotes carry the "high" tier. Ticks older than MaxAge are
// treated as missing so that lower tiers can answer instead.
type StreamProvider struct {
	url    string
	maxAge time.Duration
	clock  clock.Clock
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.RWMutex
	ticks   map[string]Tick
	tracked map[string]struct{}
	subs    chan []string
}

// NewStreamProvider creates a provider for the feed at url. Call Run to
// connect; until then GetPrice only answers from ticks recorded directly.
func NewStreamProvider(url string, maxAge time.Duration, clk clock.Clock, logger *slog.Logger) *StreamProvider {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &StreamProvider{
		url:     url,
		maxAge:  maxAge,
		clock:   clk,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		ticks:   make(map[string]Tick),
		tracked: make(map[string]struct{}),
		subs:    make(chan []string, 64),
	}
}

func (s *StreamProvider) Name() string { return "pool_stream" }

func (s *StreamProvider) Tier() model.Confidence { return model.ConfidenceHigh }

// GetPrice implements Provider. Point-in-time lookups are answered only when
// the held tick is not newer than the requested point.
func (s *StreamProvider) GetPrice(ctx context.Context, mint string, at *When) (Price, error) {
	if err := ctx.Err(); err != nil {
		return Price{}, err
	}

	s.mu.RLock()
	tick, ok := s.ticks[mint]
	s.mu.RUnlock()

	if !ok {
		s.track(mint)
		return Price{}, fmt.Errorf("%w: no tick for %s", ErrNotFound, mint)
	}

	observed := time.Unix(tick.Timestamp, 0).UTC()
	if s.clock.Now().Sub(observed) > s.maxAge {
		return Price{}, fmt.Errorf("%w: tick for %s is older than %s", ErrNotFound, mint, s.maxAge)
	}
	if !at.IsZero() {
		if (at.Slot != 0 && tick.Slot > at.Slot) || (!at.Time.IsZero() && observed.After(at.Time)) {
			return Price{}, fmt.Errorf("%w: tick for %s is newer than requested point", ErrNotFound, mint)
		}
	}

	return Price{USD: tick.PriceUSD, Source: "pool:" + tick.Pool, ObservedAt: observed}, nil
}

// Record stores a tick if it is newer than the one held for its mint.
func (s *StreamProvider) Record(t Tick) {
	if t.Mint == "" || !t.PriceUSD.IsPositive() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ticks[t.Mint]; ok && prev.Slot > t.Slot {
		return
	}
	s.ticks[t.Mint] = t
}

// track asks the feed to start streaming mint.
func (s *StreamProvider) track(mint string) {
	s.mu.Lock()
	_, seen := s.tracked[mint]
	s.tracked[mint] = struct{}{}
	s.mu.Unlock()
	if seen {
		return
	}
	select {
	case s.subs <- []string{mint}:
	default:
		// Picked up by the full resubscribe on the next reconnect.
	}
}

// Run connects to the feed and reads ticks until ctx is cancelled,
// reconnecting with capped exponential backoff.
func (s *StreamProvider) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("price stream disconnected", "url", s.url, "err", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *StreamProvider) session(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("price: stream dial: %w", err)
	}
	defer conn.Close()
	s.logger.Info("price stream connected", "url", s.url)

	s.mu.RLock()
	all := make([]string, 0, len(s.tracked))
	for m := range s.tracked {
		all = append(all, m)
	}
	s.mu.RUnlock()
	if len(all) > 0 {
		if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Mints: all}); err != nil {
			return fmt.Errorf("price: stream subscribe: %w", err)
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer: subscriptions and keepalive pings go through one goroutine.
	writeErr := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sessCtx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case mints := <-s.subs:
				if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Mints: mints}); err != nil {
					writeErr <- err
					_ = conn.Close()
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					writeErr <- err
					_ = conn.Close()
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case werr := <-writeErr:
				return fmt.Errorf("price: stream write: %w", werr)
			default:
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("price: stream read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var tick Tick
		if err := json.Unmarshal(data, &tick); err != nil {
			s.logger.Debug("ignoring malformed stream message", "err", err)
			continue
		}
		s.Record(tick)
	}
}
