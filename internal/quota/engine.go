package quota

import (
	"context"
	"fmt"
)

// Store loads and adjusts quota counters. All calls made inside WithTx
// see and commit one consistent state.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LoadForUpdate returns the quotas in ref order, locking them for the
	// rest of the transaction.
	LoadForUpdate(ctx context.Context, refs []Ref) ([]Quota, error)
	// Adjust adds delta to counter on every ref, never going below zero.
	Adjust(ctx context.Context, refs []Ref, counter Counter, delta int) error
	Get(ctx context.Context, ref Ref) (Quota, error)
}

// Engine answers whether units are available and reserves them in the
// same step. Callers must hold the event lock for the refs' event.
type Engine struct {
	store   Store
	counter Counter
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store, counter: CounterCartHolds}
}

// For returns an engine reserving into counter.
func (e *Engine) For(counter Counter) *Engine {
	return &Engine{store: e.store, counter: counter}
}

// CheckAndReserve reserves count units on every quota in refs, or on
// none of them. An insufficient quota is reported in the Outcome, not
// as an error.
func (e *Engine) CheckAndReserve(ctx context.Context, refs []Ref, count int, ignoreVoucherBlocks bool) (Outcome, error) {
	refs, err := normalize(refs, count)
	if err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		quotas, err := e.store.LoadForUpdate(ctx, refs)
		if err != nil {
			return err
		}
		out = evaluate(quotas, count, ignoreVoucherBlocks)
		if !out.OK() {
			return nil
		}
		return e.store.Adjust(ctx, refs, e.counter, count)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("check and reserve: %w", err)
	}
	return out, nil
}

// Confirm moves count units from cart holds to confirmed.
func (e *Engine) Confirm(ctx context.Context, refs []Ref, count int) error {
	refs, err := normalize(refs, count)
	if err != nil {
		return err
	}
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		if err := e.store.Adjust(ctx, refs, CounterCartHolds, -count); err != nil {
			return err
		}
		return e.store.Adjust(ctx, refs, CounterConfirmed, count)
	})
	if err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	return nil
}

// Release returns count units of counter to the pool.
func (e *Engine) Release(ctx context.Context, refs []Ref, counter Counter, count int) error {
	refs, err := normalize(refs, count)
	if err != nil {
		return err
	}
	if !counter.Valid() {
		return fmt.Errorf("release: unknown counter %q", counter)
	}
	if err := e.store.WithTx(ctx, func(ctx context.Context) error {
		return e.store.Adjust(ctx, refs, counter, -count)
	}); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// evaluate checks every quota in order and stops at the first one
// without room for count units.
func evaluate(quotas []Quota, count int, ignoreVoucherBlocks bool) Outcome {
	out := Outcome{Status: StatusOK, Available: Unlimited}
	for _, q := range quotas {
		avail := q.Available(ignoreVoucherBlocks)
		if avail < count {
			return Outcome{
				Status:             StatusInsufficient,
				AvailableAtFailure: max(avail, 0),
				FailingQuota:       q.Ref,
			}
		}
		out.Available = min(out.Available, avail)
	}
	return out
}

// normalize validates refs and drops duplicates so a quota listed twice
// is only counted once.
func normalize(refs []Ref, count int) ([]Ref, error) {
	if count <= 0 {
		return nil, ErrInvalidCount
	}
	if len(refs) == 0 {
		return nil, ErrNoQuotas
	}
	seen := make(map[string]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if r.EventID != refs[0].EventID {
			return nil, ErrCrossEvent
		}
		if _, ok := seen[r.QuotaID]; ok {
			continue
		}
		seen[r.QuotaID] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}
