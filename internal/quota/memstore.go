package quota

import (
	"context"
	"fmt"
	"sync"
)

type memTxKey struct{}

// MemoryStore is an in-process Store. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot.
type MemoryStore struct {
	mu     sync.Mutex
	quotas map[string]Quota
}

func NewMemoryStore(quotas ...Quota) *MemoryStore {
	s := &MemoryStore{quotas: make(map[string]Quota, len(quotas))}
	for _, q := range quotas {
		s.quotas[q.Ref.QuotaID] = q
	}
	return s
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]Quota, len(s.quotas))
	for k, v := range s.quotas {
		snapshot[k] = v
	}
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.quotas = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) LoadForUpdate(ctx context.Context, refs []Ref) ([]Quota, error) {
	if ctx.Value(memTxKey{}) == nil {
		return nil, fmt.Errorf("memory store: LoadForUpdate outside transaction")
	}
	out := make([]Quota, 0, len(refs))
	for _, r := range refs {
		q, ok := s.quotas[r.QuotaID]
		if !ok || q.Ref.EventID != r.EventID {
			return nil, fmt.Errorf("%w: %s", ErrQuotaNotFound, r.QuotaID)
		}
		out = append(out, q)
	}
	return out, nil
}

func (s *MemoryStore) Adjust(ctx context.Context, refs []Ref, counter Counter, delta int) error {
	if ctx.Value(memTxKey{}) == nil {
		return fmt.Errorf("memory store: Adjust outside transaction")
	}
	for _, r := range refs {
		q, ok := s.quotas[r.QuotaID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrQuotaNotFound, r.QuotaID)
		}
		q.add(counter, delta)
		s.quotas[r.QuotaID] = q
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) (Quota, error) {
	if ctx.Value(memTxKey{}) == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	q, ok := s.quotas[ref.QuotaID]
	if !ok || (ref.EventID != "" && q.Ref.EventID != ref.EventID) {
		return Quota{}, ErrQuotaNotFound
	}
	return q, nil
}
