package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps records in idempotency_calls. The unique constraint on
// (auth_hash, idempotency_key) is what makes Begin atomic.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Begin(ctx context.Context, authHash, key string, now time.Time) (Record, bool, error) {
	// A concurrent Abandon can delete the row between our insert and
	// read, so try twice before giving up.
	for i := 0; i < 2; i++ {
		tag, err := s.pool.Exec(ctx, `
INSERT INTO idempotency_calls (auth_hash, idempotency_key, locked_at, created_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (auth_hash, idempotency_key) DO NOTHING`, authHash, key, now)
		if err != nil {
			return Record{}, false, fmt.Errorf("insert idempotency record: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return Record{AuthHash: authHash, Key: key, LockedAt: now}, true, nil
		}

		rec, err := s.get(ctx, authHash, key)
		if postgres.IsNoRows(err) {
			continue
		}
		if err != nil {
			return Record{}, false, err
		}
		return rec, false, nil
	}
	return Record{}, false, fmt.Errorf("idempotency record for %q keeps disappearing", key)
}

func (s *PGStore) get(ctx context.Context, authHash, key string) (Record, error) {
	var (
		lockedAt *time.Time
		code     *int
		headers  []byte
		body     []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT locked_at, response_code, response_headers, response_body
FROM idempotency_calls
WHERE auth_hash = $1 AND idempotency_key = $2`, authHash, key,
	).Scan(&lockedAt, &code, &headers, &body)
	if err != nil {
		if postgres.IsNoRows(err) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("read idempotency record: %w", err)
	}

	rec := Record{AuthHash: authHash, Key: key}
	if lockedAt != nil || code == nil {
		if lockedAt != nil {
			rec.LockedAt = *lockedAt
		}
		return rec, nil
	}

	resp := &Response{Code: *code, Body: body}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &resp.Header); err != nil {
			return Record{}, fmt.Errorf("decode stored headers: %w", err)
		}
	}
	if resp.Body == nil {
		resp.Body = []byte{}
	}
	rec.Response = resp
	return rec, nil
}

func (s *PGStore) Complete(ctx context.Context, authHash, key string, resp Response) error {
	header := resp.Header
	if header == nil {
		header = http.Header{}
	}
	headers, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tag, err := s.pool.Exec(ctx, `
UPDATE idempotency_calls
SET locked_at = NULL, response_code = $3, response_headers = $4, response_body = $5
WHERE auth_hash = $1 AND idempotency_key = $2`,
		authHash, key, resp.Code, string(headers), body)
	if err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store idempotent response: record %q is gone", key)
	}
	return nil
}

func (s *PGStore) Abandon(ctx context.Context, authHash, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_calls WHERE auth_hash = $1 AND idempotency_key = $2`, authHash, key)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *PGStore) PurgeStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM idempotency_calls WHERE locked_at IS NOT NULL AND locked_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return tag.RowsAffected(), nil
}
