package eventlock

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// CacheBackend holds the lock as a Redis key with an expiry. Redis
// guarantees a single holder; the expiry frees leases of crashed holders.
type CacheBackend struct {
	rdb   *redis.Client
	lease time.Duration
}

func NewCacheBackend(rdb *redis.Client, lease time.Duration) *CacheBackend {
	if lease <= 0 {
		lease = 120 * time.Second
	}
	return &CacheBackend{rdb: rdb, lease: lease}
}

func (b *CacheBackend) Name() string { return KindCache }

func (b *CacheBackend) TryAcquire(ctx context.Context, eventID string, token Token) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, key(eventID), string(token), b.lease).Result()
	if err != nil {
		return false, fmt.Errorf("set event lease: %w", err)
	}
	return ok, nil
}

func (b *CacheBackend) Release(ctx context.Context, eventID string, token Token) error {
	n, err := redisx.CompareAndDelete.Run(ctx, b.rdb, []string{key(eventID)}, string(token)).Int()
	if err != nil {
		return fmt.Errorf("release event lease: %w", err)
	}
	if n == 0 {
		return ErrLockNotOwned
	}
	return nil
}

func key(eventID string) string {
	return fmt.Sprintf(redisx.KeyEventLock, eventID)
}
