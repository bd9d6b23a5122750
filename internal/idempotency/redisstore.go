package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/redisx"
	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// redisRecord is the CBOR value stored under redisx.KeyIdemCall.
type redisRecord struct {
	LockedAt int64               `cbor:"1,keyasint,omitempty"`
	Done     bool                `cbor:"2,keyasint,omitempty"`
	Code     int                 `cbor:"3,keyasint,omitempty"`
	Header   map[string][]string `cbor:"4,keyasint,omitempty"`
	Body     []byte              `cbor:"5,keyasint,omitempty"`
}

// RedisStore keeps records as CBOR values. In-flight records expire
// after staleAfter and completed ones after ttl, so no sweep is needed.
type RedisStore struct {
	rdb        *redis.Client
	staleAfter time.Duration
	ttl        time.Duration
}

func NewRedisStore(rdb *redis.Client, staleAfter, ttl time.Duration) *RedisStore {
	if staleAfter <= 0 {
		staleAfter = time.Hour
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{rdb: rdb, staleAfter: staleAfter, ttl: ttl}
}

func (s *RedisStore) key(authHash, key string) string {
	return fmt.Sprintf(redisx.KeyIdemCall, authHash, key)
}

func (s *RedisStore) Begin(ctx context.Context, authHash, key string, now time.Time) (Record, bool, error) {
	k := s.key(authHash, key)
	val, err := cbor.Marshal(redisRecord{LockedAt: now.UnixNano()})
	if err != nil {
		return Record{}, false, fmt.Errorf("encode idempotency record: %w", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := s.rdb.SetNX(ctx, k, val, s.staleAfter).Result()
		if err != nil {
			return Record{}, false, fmt.Errorf("setnx idempotency record: %w", err)
		}
		if ok {
			return Record{AuthHash: authHash, Key: key, LockedAt: now}, true, nil
		}

		raw, err := s.rdb.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Record{}, false, fmt.Errorf("get idempotency record: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return Record{}, false, err
		}
		rec.AuthHash, rec.Key = authHash, key
		return rec, false, nil
	}
	return Record{}, false, fmt.Errorf("idempotency record for %q keeps disappearing", key)
}

func decodeRecord(raw []byte) (Record, error) {
	var rr redisRecord
	if err := cbor.Unmarshal(raw, &rr); err != nil {
		return Record{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	if !rr.Done {
		return Record{LockedAt: time.Unix(0, rr.LockedAt).UTC()}, nil
	}
	body := rr.Body
	if body == nil {
		body = []byte{}
	}
	return Record{Response: &Response{Code: rr.Code, Header: rr.Header, Body: body}}, nil
}

func (s *RedisStore) Complete(ctx context.Context, authHash, key string, resp Response) error {
	val, err := cbor.Marshal(redisRecord{
		Done:   true,
		Code:   resp.Code,
		Header: resp.Header,
		Body:   resp.Body,
	})
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(authHash, key), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("store idempotent response: %w", err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, authHash, key string) error {
	if err := s.rdb.Del(ctx, s.key(authHash, key)).Err(); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// PurgeStale is a no-op; in-flight keys carry their own expiry.
func (s *RedisStore) PurgeStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}
