package idempotency

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisGate(t *testing.T) (*Gate, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewGate(NewRedisStore(rdb, time.Hour, 24*time.Hour), Options{}), mr
}

func created(body string) Handler {
	return func(context.Context) Response {
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set("X-Order-Id", "ord-1")
		return Response{Code: http.StatusCreated, Header: h, Body: []byte(body)}
	}
}

func TestGate_ReplayIsIdentical(t *testing.T) {
	g, _ := newRedisGate(t)
	ctx := context.Background()

	var calls int
	handler := func(ctx context.Context) Response {
		calls++
		return created(`{"id":"ord-1"}`)(ctx)
	}

	first, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
	require.NoError(t, err)
	assert.Equal(t, Proceed, res)

	second, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
	require.NoError(t, err)
	assert.Equal(t, Replay, res)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Code, second.Code)
	assert.Equal(t, first.Header, second.Header)
	assert.Equal(t, first.Body, second.Body)
}

func TestGate_KeysAreScopedByCredential(t *testing.T) {
	g, _ := newRedisGate(t)
	ctx := context.Background()

	var calls int
	handler := func(ctx context.Context) Response {
		calls++
		return created(`{}`)(ctx)
	}
	_, _, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
	require.NoError(t, err)
	_, res, err := g.Do(ctx, "token-b", "key-1", http.MethodPost, handler)
	require.NoError(t, err)

	assert.Equal(t, Proceed, res)
	assert.Equal(t, 2, calls)
}

func TestGate_ExactlyOnceUnderConcurrency(t *testing.T) {
	g, _ := newRedisGate(t)

	var calls atomic.Int32
	release := make(chan struct{})
	handler := func(context.Context) Response {
		calls.Add(1)
		<-release
		return Response{Code: http.StatusCreated, Body: []byte("done")}
	}

	const n = 10
	results := make(chan GateResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, res, err := g.Do(context.Background(), "token-a", "key-1", http.MethodPost, handler)
			if !assert.NoError(t, err) {
				return
			}
			if res == Conflict {
				assert.Equal(t, http.StatusConflict, resp.Code)
				assert.Equal(t, "5", resp.Header.Get("Retry-After"))
			}
			results <- res
		}()
	}

	require.Eventually(t, func() bool { return len(results) == n-1 }, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	counts := map[GateResult]int{}
	for r := range results {
		counts[r]++
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 1, counts[Proceed])
	assert.Equal(t, n-1, counts[Conflict])
}

func TestGate_RetryAfterIsAtLeastOneSecond(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	for _, c := range []struct {
		wait time.Duration
		want string
	}{
		{200 * time.Millisecond, "1"},
		{1400 * time.Millisecond, "2"},
		{3 * time.Second, "3"},
	} {
		g := NewGate(NewRedisStore(rdb, time.Hour, 24*time.Hour), Options{RetryAfter: c.wait})
		key := "key-" + c.wait.String()

		var inner Response
		var innerRes GateResult
		_, res, err := g.Do(context.Background(), "token-a", key, http.MethodPost, func(ctx context.Context) Response {
			inner, innerRes, _ = g.Do(ctx, "token-a", key, http.MethodPost, created(`{}`))
			return Response{Code: http.StatusCreated}
		})
		require.NoError(t, err)
		assert.Equal(t, Proceed, res)
		require.Equal(t, Conflict, innerRes, c.wait)
		assert.Equal(t, c.want, inner.Header.Get("Retry-After"), c.wait)
	}
}

func TestGate_TransientStatusesAreNotCached(t *testing.T) {
	for _, code := range []int{http.StatusConflict, http.StatusTooManyRequests, http.StatusServiceUnavailable} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			g, _ := newRedisGate(t)
			ctx := context.Background()

			var calls int
			handler := func(context.Context) Response {
				calls++
				if calls == 1 {
					return Response{Code: code}
				}
				return Response{Code: http.StatusCreated, Body: []byte("ok")}
			}

			resp, _, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
			require.NoError(t, err)
			assert.Equal(t, code, resp.Code)

			resp, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
			require.NoError(t, err)
			assert.Equal(t, Proceed, res)
			assert.Equal(t, http.StatusCreated, resp.Code)
			assert.Equal(t, 2, calls)
		})
	}
}

func TestGate_ClientErrorsAreCached(t *testing.T) {
	g, _ := newRedisGate(t)
	ctx := context.Background()

	var calls int
	handler := func(context.Context) Response {
		calls++
		return Response{Code: http.StatusBadRequest, Body: []byte("bad")}
	}
	_, _, _ = g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
	resp, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, handler)
	require.NoError(t, err)
	assert.Equal(t, Replay, res)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, 1, calls)
}

func TestGate_Bypass(t *testing.T) {
	g, mr := newRedisGate(t)
	ctx := context.Background()

	var calls int
	handler := func(context.Context) Response {
		calls++
		return Response{Code: http.StatusOK}
	}

	_, res, err := g.Do(ctx, "token-a", "", http.MethodPost, handler)
	require.NoError(t, err)
	assert.Equal(t, Bypass, res)

	_, res, err = g.Do(ctx, "token-a", "key-1", http.MethodGet, handler)
	require.NoError(t, err)
	assert.Equal(t, Bypass, res)
	_, _, _ = g.Do(ctx, "token-a", "key-1", http.MethodGet, handler)

	assert.Equal(t, 3, calls)
	assert.Empty(t, mr.Keys())
}

func TestGate_PanicReleasesRecord(t *testing.T) {
	g, mr := newRedisGate(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_, _, _ = g.Do(ctx, "token-a", "key-1", http.MethodPost, func(context.Context) Response {
			panic("boom")
		})
	})
	assert.Empty(t, mr.Keys())

	_, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, created(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Proceed, res)
}

func TestGate_StoreUnavailableFailsClosed(t *testing.T) {
	g, mr := newRedisGate(t)
	mr.Close()

	var calls int
	_, _, err := g.Do(context.Background(), "token-a", "key-1", http.MethodPost, func(context.Context) Response {
		calls++
		return Response{Code: http.StatusCreated}
	})
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
	assert.Zero(t, calls)
}

func TestGate_StaleInFlightExpires(t *testing.T) {
	g, mr := newRedisGate(t)
	ctx := context.Background()

	// Simulate a crashed handler: begin without settling.
	_, ok, err := g.store.Begin(ctx, HashCredential("token-a"), "key-1", time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, created(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Conflict, res)

	mr.FastForward(time.Hour + time.Second)

	_, res, err = g.Do(ctx, "token-a", "key-1", http.MethodPost, created(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Proceed, res)
}

type brokenStore struct {
	memStore
}

func (s *brokenStore) Complete(context.Context, string, string, Response) error {
	return errors.New("cannot encode")
}

func TestGate_CompleteFailureStillAnswers(t *testing.T) {
	store := &brokenStore{memStore: memStore{records: map[string]Record{}}}
	g := NewGate(store, Options{})
	ctx := context.Background()

	resp, res, err := g.Do(ctx, "token-a", "key-1", http.MethodPost, created(`{"id":"x"}`))
	require.NoError(t, err)
	assert.Equal(t, Proceed, res)
	assert.Equal(t, http.StatusCreated, resp.Code)

	_, res, err = g.Do(ctx, "token-a", "key-1", http.MethodPost, created(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Conflict, res, "the attempt stays recorded until swept")
}

func TestGate_Sweep(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := &memStore{records: map[string]Record{}}
	g := NewGate(store, Options{Clock: clk})
	ctx := context.Background()

	_, _, err := store.Begin(ctx, "h", "old", clk.Now())
	require.NoError(t, err)
	clk.Advance(50 * time.Minute)
	_, _, err = store.Begin(ctx, "h", "new", clk.Now())
	require.NoError(t, err)
	clk.Advance(20 * time.Minute)

	n, err := g.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Contains(t, store.records, "h/new")
	assert.NotContains(t, store.records, "h/old")
}

// memStore is an in-memory Store used where the backend does not matter.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func (s *memStore) Begin(_ context.Context, authHash, key string, now time.Time) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := authHash + "/" + key
	if rec, ok := s.records[k]; ok {
		return rec, false, nil
	}
	rec := Record{AuthHash: authHash, Key: key, LockedAt: now}
	s.records[k] = rec
	return rec, true, nil
}

func (s *memStore) Complete(_ context.Context, authHash, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[authHash+"/"+key] = Record{AuthHash: authHash, Key: key, Response: &resp}
	return nil
}

func (s *memStore) Abandon(_ context.Context, authHash, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, authHash+"/"+key)
	return nil
}

func (s *memStore) PurgeStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.records {
		if rec.InFlight() && rec.LockedAt.Before(before) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
