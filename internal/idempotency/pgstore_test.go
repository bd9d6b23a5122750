package idempotency_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/idempotency"
	"github.com/ariefcatur/go-ticket-quota/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPGStore_Lifecycle(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := idempotency.NewPGStore(pool)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rec, created, err := store.Begin(ctx, "hash", "key-1", now)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, rec.InFlight())

	rec, created, err = store.Begin(ctx, "hash", "key-1", now)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, rec.InFlight())
	assert.True(t, rec.LockedAt.Equal(now))

	h := http.Header{"Content-Type": {"application/json"}}
	require.NoError(t, store.Complete(ctx, "hash", "key-1", idempotency.Response{
		Code: http.StatusCreated, Header: h, Body: []byte(`{"id":1}`),
	}))

	rec, created, err = store.Begin(ctx, "hash", "key-1", now)
	require.NoError(t, err)
	assert.False(t, created)
	require.False(t, rec.InFlight())
	assert.Equal(t, http.StatusCreated, rec.Response.Code)
	assert.Equal(t, h, rec.Response.Header)
	assert.Equal(t, []byte(`{"id":1}`), rec.Response.Body)

	require.NoError(t, store.Abandon(ctx, "hash", "key-1"))
	_, created, err = store.Begin(ctx, "hash", "key-1", now)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPGStore_PurgeStaleOnlyTouchesInFlight(t *testing.T) {
	pool := testutil.NewTestPool(t)
	store := idempotency.NewPGStore(pool)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	_, _, err := store.Begin(ctx, "hash", "stuck", old)
	require.NoError(t, err)
	_, _, err = store.Begin(ctx, "hash", "done", old)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "hash", "done", idempotency.Response{Code: http.StatusOK}))
	_, _, err = store.Begin(ctx, "hash", "fresh", time.Now())
	require.NoError(t, err)

	n, err := store.PurgeStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, created, err := store.Begin(ctx, "hash", "stuck", time.Now())
	require.NoError(t, err)
	assert.True(t, created)
}
