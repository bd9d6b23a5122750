package eventlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout means every acquisition attempt failed. The caller
	// must abort the whole operation.
	ErrLockTimeout = errors.New("event lock: timed out acquiring lock")

	// ErrLockNotOwned means the token no longer matches the stored
	// owner: the lock was reclaimed as stale while still in use.
	ErrLockNotOwned = errors.New("event lock: lock not owned by caller")
)

// Backend is a single-attempt lock primitive. TryAcquire returns false
// without error when another holder currently owns the event.
type Backend interface {
	TryAcquire(ctx context.Context, eventID string, token Token) (bool, error)
	Release(ctx context.Context, eventID string, token Token) error
	Name() string
}

const (
	KindStorage = "storage"
	KindCache   = "cache"
)

// BackendOptions carries what either backend may need.
type BackendOptions struct {
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Clock      clock.Clock
	StaleAfter time.Duration
	Lease      time.Duration
}

// NewBackend selects the backend named by kind.
func NewBackend(kind string, opts BackendOptions) (Backend, error) {
	switch kind {
	case KindStorage:
		if opts.Pool == nil {
			return nil, fmt.Errorf("event lock: %s backend needs a postgres pool", kind)
		}
		return NewStorageBackend(opts.Pool, opts.Clock, opts.StaleAfter), nil
	case KindCache:
		if opts.Redis == nil {
			return nil, fmt.Errorf("event lock: %s backend needs a redis client", kind)
		}
		lease := opts.Lease
		if lease <= 0 {
			lease = opts.StaleAfter
		}
		return NewCacheBackend(opts.Redis, lease), nil
	default:
		return nil, fmt.Errorf("event lock: unknown backend %q", kind)
	}
}
