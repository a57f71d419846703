// Package price resolves USD prices for token mints across an ordered chain
// of providers. Providers are tried strictly in priority order and the first
// success wins; a provider failure or timeout is logged and the chain moves on.
package price

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/metrics"
	"github.com/walletdoctor/position-engine/internal/model"
)

var (
	// ErrNotFound is returned when a provider, or the whole chain, has no
	// price for a mint.
	ErrNotFound = errors.New("price: not found")

	// ErrNoProviders is returned by NewResolver when the chain is empty.
	ErrNoProviders = errors.New("price: no providers configured")
)

// When optionally pins a lookup to a point in chain history. A zero When
// asks for the latest price.
type When struct {
	Slot uint64
	Time time.Time
}

// IsZero reports whether no point in time was requested.
func (w *When) IsZero() bool {
	return w == nil || (w.Slot == 0 && w.Time.IsZero())
}

func (w *When) key() string {
	if w.IsZero() {
		return "latest"
	}
	return strconv.FormatUint(w.Slot, 10) + "@" + strconv.FormatInt(w.Time.Unix(), 10)
}

// Price is what a provider returns for one mint.
type Price struct {
	USD decimal.Decimal
	// Source names the concrete venue or API; empty means the provider name.
	Source string
	// ObservedAt is when the price was valid; zero means "now".
	ObservedAt time.Time
}

// Provider is one price source. Implementations return ErrNotFound (possibly
// wrapped) when they have no price, and must honour ctx cancellation.
type Provider interface {
	Name() string
	// Tier is the confidence a fresh quote from this provider deserves.
	Tier() model.Confidence
	GetPrice(ctx context.Context, mint string, at *When) (Price, error)
}

// Recorder persists first-hand quotes so other instances and later
// point-in-time lookups can reuse them.
type Recorder interface {
	RecordQuote(ctx context.Context, q model.PriceQuote) error
}

// Options configures a Resolver.
type Options struct {
	// ProviderTimeout bounds each provider call. Default 3s.
	ProviderTimeout time.Duration
	// MemoTTL is how long a resolution is reused. Zero disables the memo.
	MemoTTL time.Duration
	// Recorders receive every "high" tier quote, asynchronously.
	Recorders []Recorder
	Clock     clock.Clock
	Logger    *slog.Logger
}

type memoEntry struct {
	quote   model.PriceQuote
	found   bool
	expires time.Time
}

// Resolver walks an ordered provider chain. It is safe for concurrent use.
type Resolver struct {
	providers []Provider
	timeout   time.Duration
	memoTTL   time.Duration
	recorders []Recorder
	clock     clock.Clock
	logger    *slog.Logger

	mu    sync.Mutex
	memo  map[string]memoEntry
	group singleflight.Group
}

// NewResolver creates a resolver over providers, highest priority first.
func NewResolver(providers []Provider, opts Options) (*Resolver, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		providers: providers,
		timeout:   opts.ProviderTimeout,
		memoTTL:   opts.MemoTTL,
		recorders: opts.Recorders,
		clock:     opts.Clock,
		logger:    opts.Logger,
		memo:      make(map[string]memoEntry),
	}, nil
}

// Providers returns the provider names in priority order.
func (r *Resolver) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Resolve returns the first price any provider produces for mint. The quote
// carries the winning provider's tier as its confidence. When every provider
// fails it returns an error wrapping ErrNotFound.
func (r *Resolver) Resolve(ctx context.Context, mint string, at *When) (model.PriceQuote, error) {
	key := mint + "|" + at.key()

	if q, found, ok := r.memoized(key); ok {
		metrics.PriceMemoHits.Inc()
		if !found {
			return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
		}
		return q, nil
	}

	if err := ctx.Err(); err != nil {
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %w", ErrNotFound, mint, err)
	}

	// The lookup is shared by every caller waiting on key, so it runs
	// detached from any one caller's deadline. Each caller still stops
	// waiting when its own context ends.
	shared := context.WithoutCancel(ctx)
	ch := r.group.DoChan(key, func() (interface{}, error) {
		q, err := r.walk(shared, mint, at)
		r.remember(key, q, err == nil)
		return q, err
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return model.PriceQuote{}, res.Err
		}
		return res.Val.(model.PriceQuote), nil
	case <-ctx.Done():
		return model.PriceQuote{}, fmt.Errorf("%w: %s: %w", ErrNotFound, mint, ctx.Err())
	}
}

func (r *Resolver) walk(ctx context.Context, mint string, at *When) (model.PriceQuote, error) {
	for _, p := range r.providers {
		price, err := r.attempt(ctx, p, mint, at)
		if err != nil {
			continue
		}

		observed := price.ObservedAt
		if observed.IsZero() {
			observed = r.clock.Now()
		}
		source := price.Source
		if source == "" {
			source = p.Name()
		}
		q := model.PriceQuote{
			TokenMint:  mint,
			PriceUSD:   price.USD,
			Source:     source,
			ObservedAt: observed,
			Confidence: p.Tier(),
		}
		if q.Confidence == model.ConfidenceHigh && at.IsZero() {
			r.record(q)
		}
		return q, nil
	}

	metrics.PriceUnavailable.Inc()
	r.logger.Warn("no provider produced a price", "mint", mint, "providers", len(r.providers))
	return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrNotFound, mint)
}

// attempt runs one provider under its own deadline and turns a provider panic
// into an ordinary failure.
func (r *Resolver) attempt(ctx context.Context, p Provider, mint string, at *When) (price Price, err error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("price: provider %s panicked: %v", p.Name(), rec)
			metrics.PriceLookups.WithLabelValues(p.Name(), "error").Inc()
			r.logger.Error("price provider panicked", "provider", p.Name(), "mint", mint, "panic", rec)
		}
	}()

	price, err = p.GetPrice(callCtx, mint, at)
	switch {
	case err == nil && !price.USD.IsPositive():
		err = fmt.Errorf("%w: non-positive price %s", ErrNotFound, price.USD)
		metrics.PriceLookups.WithLabelValues(p.Name(), "not_found").Inc()
	case err == nil:
		metrics.PriceLookups.WithLabelValues(p.Name(), "ok").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.PriceLookups.WithLabelValues(p.Name(), "not_found").Inc()
		r.logger.Debug("price provider has no price", "provider", p.Name(), "mint", mint)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.PriceLookups.WithLabelValues(p.Name(), "timeout").Inc()
		r.logger.Warn("price provider timed out", "provider", p.Name(), "mint", mint, "timeout", r.timeout)
	default:
		metrics.PriceLookups.WithLabelValues(p.Name(), "error").Inc()
		r.logger.Warn("price provider failed", "provider", p.Name(), "mint", mint, "err", err)
	}
	return price, err
}

func (r *Resolver) record(q model.PriceQuote) {
	for _, rec := range r.recorders {
		go func(rec Recorder) {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			defer cancel()
			if err := rec.RecordQuote(ctx, q); err != nil {
				r.logger.Debug("price record failed", "mint", q.TokenMint, "err", err)
			}
		}(rec)
	}
}

func (r *Resolver) memoized(key string) (model.PriceQuote, bool, bool) {
	if r.memoTTL <= 0 {
		return model.PriceQuote{}, false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.memo[key]
	if !ok {
		return model.PriceQuote{}, false, false
	}
	if !r.clock.Now().Before(e.expires) {
		delete(r.memo, key)
		return model.PriceQuote{}, false, false
	}
	return e.quote, e.found, true
}

func (r *Resolver) remember(key string, q model.PriceQuote, found bool) {
	if r.memoTTL <= 0 {
		return
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	// Opportunistic sweep keeps the memo bounded by the working set.
	for k, e := range r.memo {
		if !now.Before(e.expires) {
			delete(r.memo, k)
		}
	}
	r.memo[key] = memoEntry{quote: q, found: found, expires: now.Add(r.memoTTL)}
}
