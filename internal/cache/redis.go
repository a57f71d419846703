package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes a lock key only if it still holds the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisMirror implements Mirror on Redis. Snapshots are JSON under
// "snapshot:{wallet}" and outlive the local TTL by retention so replicas can
// serve them stale while refreshing.
type RedisMirror struct {
	rdb       *redis.Client
	retention time.Duration
	release   *redis.Script
}

// NewRedisMirror creates a mirror on rdb.
func NewRedisMirror(rdb *redis.Client, retention time.Duration) *RedisMirror {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisMirror{
		rdb:       rdb,
		retention: retention,
		release:   redis.NewScript(releaseLua),
	}
}

func snapshotKey(wallet string) string { return fmt.Sprintf("snapshot:%s", wallet) }
func refreshKey(wallet string) string  { return fmt.Sprintf("lock:snapshot-refresh:%s", wallet) }

func (m *RedisMirror) Load(ctx context.Context, wallet string) (*Entry, error) {
	data, err := m.rdb.Get(ctx, snapshotKey(wallet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: load snapshot %s: %w", wallet, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// A corrupt entry is a miss; the next Store overwrites it.
		return nil, nil
	}
	return &e, nil
}

func (m *RedisMirror) Store(ctx context.Context, wallet string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", wallet, err)
	}
	if err := m.rdb.Set(ctx, snapshotKey(wallet), data, m.retention).Err(); err != nil {
		return fmt.Errorf("redis: store snapshot %s: %w", wallet, err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, wallet string) error {
	if err := m.rdb.Del(ctx, snapshotKey(wallet)).Err(); err != nil {
		return fmt.Errorf("redis: delete snapshot %s: %w", wallet, err)
	}
	return nil
}

// AcquireRefresh implements Mirror with SETNX and a token-checked release.
// The returned release func is safe to call more than once.
func (m *RedisMirror) AcquireRefresh(ctx context.Context, wallet string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := refreshKey(wallet)

	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire refresh lock %s: %w", wallet, err)
	}
	if !ok {
		return nil, ErrRefreshHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.release.Run(relCtx, m.rdb, []string{key}, token).Err()
	}, nil
}

var _ Mirror = (*RedisMirror)(nil)
