package eventlock

import (
	"context"
	"fmt"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"github.com/ariefcatur/go-ticket-quota/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StorageBackend keeps one event_locks row per held event. A row older
// than staleAfter is treated as abandoned and its token is swapped.
type StorageBackend struct {
	pool       *pgxpool.Pool
	clock      clock.Clock
	staleAfter time.Duration
}

func NewStorageBackend(pool *pgxpool.Pool, clk clock.Clock, staleAfter time.Duration) *StorageBackend {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if staleAfter <= 0 {
		staleAfter = 120 * time.Second
	}
	return &StorageBackend{pool: pool, clock: clk, staleAfter: staleAfter}
}

func (b *StorageBackend) Name() string { return KindStorage }

func (b *StorageBackend) TryAcquire(ctx context.Context, eventID string, token Token) (bool, error) {
	now := b.clock.Now()

	tag, err := b.pool.Exec(ctx, `
INSERT INTO event_locks (event_id, token, acquired_at)
VALUES ($1, $2, $3)
ON CONFLICT (event_id) DO NOTHING`, eventID, string(token), now)
	if err != nil {
		return false, fmt.Errorf("insert event lock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var held string
	var acquiredAt time.Time
	err = b.pool.QueryRow(ctx,
		`SELECT token, acquired_at FROM event_locks WHERE event_id = $1`, eventID,
	).Scan(&held, &acquiredAt)
	if err != nil {
		if postgres.IsNoRows(err) {
			// Released between our insert and read; the next attempt can win.
			return false, nil
		}
		return false, fmt.Errorf("read event lock: %w", err)
	}
	if now.Sub(acquiredAt) < b.staleAfter {
		return false, nil
	}

	// Swap only the token we saw so two reclaimers cannot both succeed.
	tag, err = b.pool.Exec(ctx, `
UPDATE event_locks SET token = $3, acquired_at = $4
WHERE event_id = $1 AND token = $2`, eventID, held, string(token), now)
	if err != nil {
		return false, fmt.Errorf("reclaim event lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (b *StorageBackend) Release(ctx context.Context, eventID string, token Token) error {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM event_locks WHERE event_id = $1 AND token = $2`, eventID, string(token))
	if err != nil {
		return fmt.Errorf("delete event lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotOwned
	}
	return nil
}

// PurgeStale removes rows past the staleness threshold. Acquisition
// reclaims such rows on its own; this only keeps the table small.
func (b *StorageBackend) PurgeStale(ctx context.Context) (int64, error) {
	cutoff := b.clock.Now().Add(-b.staleAfter)
	tag, err := b.pool.Exec(ctx, `DELETE FROM event_locks WHERE acquired_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stale event locks: %w", err)
	}
	return tag.RowsAffected(), nil
}
