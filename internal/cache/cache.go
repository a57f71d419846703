// Package cache holds computed wallet snapshots behind a fixed-capacity LRU
// with TTL staleness. An expired entry is still served, flagged stale, while
// at most one background refresh per wallet recomputes it.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/walletdoctor/position-engine/internal/clock"
	"github.com/walletdoctor/position-engine/internal/metrics"
	"github.com/walletdoctor/position-engine/internal/model"
)

// ErrRefreshHeld is returned by Mirror.AcquireRefresh when another instance
// is already refreshing the wallet.
var ErrRefreshHeld = errors.New("cache: refresh already held")

// Refresher recomputes a wallet's snapshot.
type Refresher func(ctx context.Context, wallet string) (*model.PositionSnapshot, error)

// Entry is a snapshot with the time it was stored.
type Entry struct {
	Snapshot *model.PositionSnapshot `json:"snapshot"`
	StoredAt time.Time               `json:"stored_at"`
}

// Mirror is a shared backing store consulted on local misses so that
// replicas reuse each other's snapshots. Load returns (nil, nil) on a miss.
type Mirror interface {
	Load(ctx context.Context, wallet string) (*Entry, error)
	Store(ctx context.Context, wallet string, e Entry) error
	Delete(ctx context.Context, wallet string) error
	// AcquireRefresh takes a short cross-instance refresh lock. It returns
	// ErrRefreshHeld when another holder has it.
	AcquireRefresh(ctx context.Context, wallet string, ttl time.Duration) (func(), error)
}

// Options configures a PositionCache.
type Options struct {
	// TTL is how long an entry is fresh. Default 900s.
	TTL time.Duration
	// MaxEntries caps the LRU. Default 1000.
	MaxEntries int
	// RefreshTimeout bounds one background refresh. Default 60s.
	RefreshTimeout time.Duration
	// Mirror is optional.
	Mirror Mirror
	Clock  clock.Clock
	Logger *slog.Logger
}

// Lookup is the result of a cache hit.
type Lookup struct {
	Snapshot *model.PositionSnapshot
	Stale    bool
	Age      time.Duration
}

type entry struct {
	snap     *model.PositionSnapshot
	storedAt time.Time
	gen      uint64
}

// Token marks the start of a computation whose result goes through Commit.
type Token struct {
	wallet string
	epoch  uint64
}

// pendingCompute tracks the computations begun for one wallet. Invalidate
// bumps epoch so results begun earlier are dropped.
type pendingCompute struct {
	epoch uint64
	refs  int
}

// PositionCache is safe for concurrent use. Construct one per process and
// pass it to whoever reads or invalidates snapshots.
type PositionCache struct {
	lru            *lru.Cache[string, entry]
	ttl            time.Duration
	refreshTimeout time.Duration
	refresher      Refresher
	mirror         Mirror
	clock          clock.Clock
	logger         *slog.Logger

	// mu serialises LRU writes so a refresh can compare-and-replace.
	mu       sync.Mutex
	gen      uint64
	inflight map[string]struct{}
	pending  map[string]*pendingCompute

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a cache whose stale entries are recomputed by refresher.
func New(refresher Refresher, opts Options) (*PositionCache, error) {
	if opts.TTL <= 0 {
		opts.TTL = 900 * time.Second
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 60 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l, err := lru.New[string, entry](opts.MaxEntries)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PositionCache{
		lru:            l,
		ttl:            opts.TTL,
		refreshTimeout: opts.RefreshTimeout,
		refresher:      refresher,
		mirror:         opts.Mirror,
		clock:          opts.Clock,
		logger:         opts.Logger,
		inflight:       make(map[string]struct{}),
		pending:        make(map[string]*pendingCompute),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Get returns wallet's snapshot if one is held. An entry older than the TTL
// is returned with Stale set, and a background refresh is started unless one
// is already running for wallet.
func (c *PositionCache) Get(ctx context.Context, wallet string) (Lookup, bool) {
	e, ok := c.lru.Get(wallet)
	if !ok {
		e, ok = c.loadMirror(ctx, wallet)
	}
	if !ok {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Lookup{}, false
	}

	age := c.clock.Now().Sub(e.storedAt)
	if age < 0 {
		age = 0
	}
	if age <= c.ttl {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return Lookup{Snapshot: e.snap, Age: age}, true
	}

	metrics.CacheLookups.WithLabelValues("stale").Inc()
	c.startRefresh(wallet, e.gen)
	return Lookup{Snapshot: e.snap, Stale: true, Age: age}, true
}

// Set stores snap as wallet's fresh entry.
func (c *PositionCache) Set(ctx context.Context, wallet string, snap *model.PositionSnapshot) {
	now := c.clock.Now()
	c.mu.Lock()
	c.put(wallet, snap, now)
	c.mu.Unlock()

	c.storeMirror(ctx, wallet, Entry{Snapshot: snap, StoredAt: now})
}

// Begin registers a computation of wallet's snapshot that the caller will
// store with Commit. Every Begin must be paired with a Release.
func (c *PositionCache) Begin(wallet string) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[wallet]
	if !ok {
		p = &pendingCompute{}
		c.pending[wallet] = p
	}
	p.refs++
	return Token{wallet: wallet, epoch: p.epoch}
}

// Release ends the computation begun with tok.
func (c *PositionCache) Release(tok Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[tok.wallet]
	if !ok {
		return
	}
	if p.refs--; p.refs <= 0 {
		delete(c.pending, tok.wallet)
	}
}

// Commit stores snap like Set unless wallet was invalidated after tok was
// taken, in which case snap predates the newest trades and is dropped.
func (c *PositionCache) Commit(ctx context.Context, tok Token, snap *model.PositionSnapshot) bool {
	now := c.clock.Now()
	c.mu.Lock()
	if !c.current(tok) {
		c.mu.Unlock()
		metrics.CacheRefreshes.WithLabelValues("discarded").Inc()
		c.logger.Debug("snapshot invalidated while computing, not caching", "wallet", tok.wallet)
		return false
	}
	c.put(tok.wallet, snap, now)
	c.mu.Unlock()

	c.storeMirror(ctx, tok.wallet, Entry{Snapshot: snap, StoredAt: now})

	// An Invalidate that ran between put and storeMirror has already
	// deleted the mirror copy; take the late write back out.
	c.mu.Lock()
	moved := !c.current(tok)
	c.mu.Unlock()
	if moved && c.mirror != nil {
		if err := c.mirror.Delete(ctx, tok.wallet); err != nil {
			c.backendError("delete", tok.wallet, err)
		}
	}
	return true
}

// current must be called with c.mu held.
func (c *PositionCache) current(tok Token) bool {
	p, ok := c.pending[tok.wallet]
	return ok && p.epoch == tok.epoch
}

// Invalidate drops wallet's entry so the next read recomputes. A refresh
// already running for wallet, and any computation begun before this call,
// will discard its result.
func (c *PositionCache) Invalidate(ctx context.Context, wallet string) {
	c.mu.Lock()
	c.lru.Remove(wallet)
	if p, ok := c.pending[wallet]; ok {
		p.epoch++
	}
	metrics.CacheEntries.Set(float64(c.lru.Len()))
	c.mu.Unlock()

	if c.mirror != nil {
		if err := c.mirror.Delete(ctx, wallet); err != nil {
			c.backendError("delete", wallet, err)
		}
	}
}

// Len returns the number of locally held entries.
func (c *PositionCache) Len() int {
	return c.lru.Len()
}

// Refreshing reports whether a background refresh is running for wallet.
func (c *PositionCache) Refreshing(wallet string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[wallet]
	return ok
}

// Wait blocks until every background refresh has finished.
func (c *PositionCache) Wait() {
	c.wg.Wait()
}

// Close cancels running refreshes and waits for them to exit.
func (c *PositionCache) Close() {
	c.cancel()
	c.wg.Wait()
}

// put must be called with c.mu held.
func (c *PositionCache) put(wallet string, snap *model.PositionSnapshot, storedAt time.Time) {
	c.gen++
	if evicted := c.lru.Add(wallet, entry{snap: snap, storedAt: storedAt, gen: c.gen}); evicted {
		metrics.CacheEvictions.Inc()
	}
	metrics.CacheEntries.Set(float64(c.lru.Len()))
}

func (c *PositionCache) startRefresh(wallet string, gen uint64) {
	c.mu.Lock()
	if _, busy := c.inflight[wallet]; busy {
		c.mu.Unlock()
		metrics.CacheRefreshesSuppressed.Inc()
		return
	}
	c.inflight[wallet] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.refresh(wallet, gen)
}

func (c *PositionCache) refresh(wallet string, gen uint64) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, wallet)
		c.mu.Unlock()
	}()

	id := uuid.NewString()
	logger := c.logger.With("wallet", wallet, "refresh_id", id)
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CacheRefreshes.WithLabelValues("error").Inc()
			logger.Error("snapshot refresh panicked", "panic", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, c.refreshTimeout)
	defer cancel()

	if c.mirror != nil {
		release, err := c.mirror.AcquireRefresh(ctx, wallet, c.refreshTimeout)
		switch {
		case errors.Is(err, ErrRefreshHeld):
			metrics.CacheRefreshesSuppressed.Inc()
			logger.Debug("snapshot refresh held by another instance")
			return
		case err != nil:
			c.backendError("lock", wallet, err)
		default:
			defer release()
			if c.adoptMirror(ctx, wallet, gen) {
				metrics.CacheRefreshes.WithLabelValues("ok").Inc()
				return
			}
		}
	}

	start := time.Now()
	snap, err := c.refresher(ctx, wallet)
	if err != nil {
		metrics.CacheRefreshes.WithLabelValues("error").Inc()
		logger.Warn("snapshot refresh failed, keeping stale entry", "err", err)
		return
	}

	now := c.clock.Now()
	c.mu.Lock()
	cur, ok := c.lru.Peek(wallet)
	if !ok || cur.gen != gen {
		c.mu.Unlock()
		metrics.CacheRefreshes.WithLabelValues("discarded").Inc()
		logger.Debug("snapshot refresh superseded, discarding result")
		return
	}
	c.put(wallet, snap, now)
	c.mu.Unlock()

	c.storeMirror(ctx, wallet, Entry{Snapshot: snap, StoredAt: now})
	metrics.CacheRefreshes.WithLabelValues("ok").Inc()
	logger.Debug("snapshot refreshed", "duration", time.Since(start))
}

// adoptMirror replaces the local entry with a fresh one another instance
// already stored, if there is one.
func (c *PositionCache) adoptMirror(ctx context.Context, wallet string, gen uint64) bool {
	me, err := c.mirror.Load(ctx, wallet)
	if err != nil {
		c.backendError("load", wallet, err)
		return false
	}
	if me == nil || me.Snapshot == nil || c.clock.Now().Sub(me.StoredAt) > c.ttl {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.lru.Peek(wallet)
	if !ok || cur.gen != gen || !me.StoredAt.After(cur.storedAt) {
		return false
	}
	c.put(wallet, me.Snapshot, me.StoredAt)
	return true
}

func (c *PositionCache) loadMirror(ctx context.Context, wallet string) (entry, bool) {
	if c.mirror == nil {
		return entry{}, false
	}
	me, err := c.mirror.Load(ctx, wallet)
	if err != nil {
		c.backendError("load", wallet, err)
		return entry{}, false
	}
	if me == nil || me.Snapshot == nil {
		return entry{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Set may have won while the mirror was read.
	if cur, ok := c.lru.Peek(wallet); ok {
		return cur, true
	}
	c.put(wallet, me.Snapshot, me.StoredAt)
	cur, _ := c.lru.Peek(wallet)
	return cur, true
}

func (c *PositionCache) storeMirror(ctx context.Context, wallet string, e Entry) {
	if c.mirror == nil {
		return
	}
	if err := c.mirror.Store(ctx, wallet, e); err != nil {
		c.backendError("store", wallet, err)
	}
}

func (c *PositionCache) backendError(op, wallet string, err error) {
	metrics.CacheBackendErrors.WithLabelValues(op).Inc()
	c.logger.Warn("shared cache backend unavailable", "op", op, "wallet", wallet, "err", err)
}
