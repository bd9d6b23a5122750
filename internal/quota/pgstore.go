package quota

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-ticket-quota/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps quota counters in the quotas table. It joins any
// transaction already carried on the context.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return postgres.WithTx(ctx, s.pool, fn)
}

func (s *PGStore) LoadForUpdate(ctx context.Context, refs []Ref) ([]Quota, error) {
	const query = `
SELECT id, event_id, name, size, confirmed, cart_holds, voucher_blocks
FROM quotas
WHERE id = ANY($1)
ORDER BY id
FOR UPDATE`

	rows, err := postgres.Conn(ctx, s.pool).Query(ctx, query, quotaIDs(refs))
	if err != nil {
		return nil, fmt.Errorf("load quotas: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]Quota, len(refs))
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		byID[q.Ref.QuotaID] = q
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quotas: %w", err)
	}

	out := make([]Quota, 0, len(refs))
	for _, r := range refs {
		q, ok := byID[r.QuotaID]
		if !ok || q.Ref.EventID != r.EventID {
			return nil, fmt.Errorf("%w: %s", ErrQuotaNotFound, r.QuotaID)
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *PGStore) Adjust(ctx context.Context, refs []Ref, counter Counter, delta int) error {
	if !counter.Valid() {
		return fmt.Errorf("adjust: unknown counter %q", counter)
	}
	// counter is one of three fixed column names, never user input.
	stmt := fmt.Sprintf(`UPDATE quotas SET %[1]s = GREATEST(%[1]s + $2, 0) WHERE id = ANY($1)`, counter)
	tag, err := postgres.Conn(ctx, s.pool).Exec(ctx, stmt, quotaIDs(refs), delta)
	if err != nil {
		return fmt.Errorf("adjust %s: %w", counter, err)
	}
	if tag.RowsAffected() != int64(len(refs)) {
		return fmt.Errorf("adjust %s: %w", counter, ErrQuotaNotFound)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, ref Ref) (Quota, error) {
	const query = `
SELECT id, event_id, name, size, confirmed, cart_holds, voucher_blocks
FROM quotas
WHERE id = $1`

	q, err := scanQuota(postgres.Conn(ctx, s.pool).QueryRow(ctx, query, ref.QuotaID))
	if err != nil {
		if postgres.IsNoRows(err) {
			return Quota{}, ErrQuotaNotFound
		}
		return Quota{}, err
	}
	if ref.EventID != "" && q.Ref.EventID != ref.EventID {
		return Quota{}, ErrQuotaNotFound
	}
	return q, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuota(row scanner) (Quota, error) {
	var q Quota
	err := row.Scan(&q.Ref.QuotaID, &q.Ref.EventID, &q.Name, &q.Size, &q.Confirmed, &q.CartHolds, &q.VoucherBlocks)
	if err != nil {
		if postgres.IsNoRows(err) {
			return Quota{}, err
		}
		return Quota{}, fmt.Errorf("scan quota: %w", err)
	}
	return q, nil
}

func quotaIDs(refs []Ref) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.QuotaID)
	}
	return ids
}
