package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-ticket-quota/internal/eventlock"
	"github.com/ariefcatur/go-ticket-quota/internal/idempotency"
	"github.com/ariefcatur/go-ticket-quota/internal/inventory"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/quota"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkflows struct {
	calls  atomic.Int32
	addErr error
	lastIn inventory.AddToCartInput
}

func (f *fakeWorkflows) AddToCart(_ context.Context, in inventory.AddToCartInput) (orders.CartPosition, error) {
	n := f.calls.Add(1)
	f.lastIn = in
	if f.addErr != nil {
		return orders.CartPosition{}, f.addErr
	}
	return orders.CartPosition{
		ID: fmt.Sprintf("pos-%d", n), CartID: in.CartID, EventID: in.EventID,
		ItemID: in.ItemID, QuotaIDs: in.QuotaIDs, Count: in.Count,
	}, nil
}

func (f *fakeWorkflows) CreateOrder(_ context.Context, eventID, cartID, email string) (orders.Order, error) {
	f.calls.Add(1)
	if cartID == "empty" {
		return orders.Order{}, inventory.ErrEmptyCart
	}
	return orders.Order{ID: "ord-1", EventID: eventID, CartID: cartID, Email: email, Status: orders.StatusPending}, nil
}

func (f *fakeWorkflows) PayOrder(_ context.Context, orderID, ref string) (orders.Order, error) {
	f.calls.Add(1)
	if orderID == "missing" {
		return orders.Order{}, orders.ErrNotFound
	}
	return orders.Order{ID: orderID, Status: orders.StatusPaid, PaymentRef: ref}, nil
}

func (f *fakeWorkflows) CancelOrder(_ context.Context, orderID string) (orders.Order, error) {
	f.calls.Add(1)
	return orders.Order{}, fmt.Errorf("%w: order %s is CANCELED", orders.ErrInvalidTransition, orderID)
}

type fakeOrders struct{}

func (fakeOrders) GetOrder(_ context.Context, id string) (orders.Order, error) {
	if id != "ord-1" {
		return orders.Order{}, orders.ErrNotFound
	}
	return orders.Order{ID: id, Status: orders.StatusPending}, nil
}

type fakeQuotas map[string]quota.Quota

func (f fakeQuotas) Get(_ context.Context, ref quota.Ref) (quota.Quota, error) {
	q, ok := f[ref.QuotaID]
	if !ok {
		return quota.Quota{}, quota.ErrQuotaNotFound
	}
	return q, nil
}

func newTestServer(t *testing.T, wf *fakeWorkflows) http.Handler {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	size := 10
	h := &Handlers{
		Workflows: wf,
		Orders:    fakeOrders{},
		Quotas: fakeQuotas{
			"general": {Ref: quota.Ref{EventID: "ev-1", QuotaID: "general"}, Size: &size, Confirmed: 12},
			"free":    {Ref: quota.Ref{EventID: "ev-1", QuotaID: "free"}},
		},
		Gate:              idempotency.NewGate(idempotency.NewRedisStore(rdb, time.Hour, time.Hour), idempotency.Options{}),
		IdempotencyHeader: "X-Idempotency-Key",
	}
	r := NewRouter()
	h.Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

const cartBody = `{"cart_id":"c1","item_id":"ticket","quota_ids":["general"],"count":1}`

func TestAddToCart_IdempotentReplay(t *testing.T) {
	wf := &fakeWorkflows{}
	srv := newTestServer(t, wf)
	key := map[string]string{"X-Idempotency-Key": "abc"}

	first := do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, key)
	second := do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, key)

	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.EqualValues(t, 1, wf.calls.Load())

	var pos orders.CartPosition
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &pos))
	assert.Equal(t, "ev-1", pos.EventID)
}

func TestAddToCart_WithoutKeyRunsEveryTime(t *testing.T) {
	wf := &fakeWorkflows{}
	srv := newTestServer(t, wf)

	do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, nil)
	do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, nil)
	assert.EqualValues(t, 2, wf.calls.Load())
}

func TestAddToCart_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"sold out", &inventory.InsufficientError{Outcome: quota.Outcome{Status: quota.StatusInsufficient}}, http.StatusConflict, "insufficient_quota"},
		{"lock timeout", fmt.Errorf("%w: event ev-1", eventlock.ErrLockTimeout), http.StatusConflict, "lock_timeout"},
		{"invalid", inventory.ErrInvalid, http.StatusBadRequest, "invalid_request"},
		{"cross event", quota.ErrCrossEvent, http.StatusBadRequest, "invalid_request"},
		{"unknown quota", quota.ErrQuotaNotFound, http.StatusNotFound, "not_found"},
		{"boom", fmt.Errorf("connection reset"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeWorkflows{addErr: c.err})
			rec := do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, nil)
			assert.Equal(t, c.code, rec.Code)
			assert.Equal(t, c.want, errorCode(t, rec))
		})
	}
}

func TestLockTimeoutIsNotCached(t *testing.T) {
	key := map[string]string{"X-Idempotency-Key": "k"}

	wf := &fakeWorkflows{addErr: eventlock.ErrLockTimeout}
	srv := newTestServer(t, wf)
	do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, key)
	wf.addErr = nil
	rec := do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, key)
	assert.Equal(t, http.StatusCreated, rec.Code, "a 409 is retried with the same key")
	assert.EqualValues(t, 2, wf.calls.Load())
}

func TestAddToCart_BadJSON(t *testing.T) {
	srv := newTestServer(t, &fakeWorkflows{})
	rec := do(t, srv, http.MethodPost, "/events/ev-1/cart", `{"cart_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddToCart_RejectsVoucherBypassFromClient(t *testing.T) {
	wf := &fakeWorkflows{}
	srv := newTestServer(t, wf)

	body := `{"cart_id":"c1","item_id":"ticket","quota_ids":["general"],"count":1,"ignore_voucher_blocks":true}`
	rec := do(t, srv, http.MethodPost, "/events/ev-1/cart", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualValues(t, 0, wf.calls.Load())

	rec = do(t, srv, http.MethodPost, "/events/ev-1/cart", cartBody, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.False(t, wf.lastIn.IgnoreVoucherBlocks)
}

func TestOrders(t *testing.T) {
	srv := newTestServer(t, &fakeWorkflows{})

	rec := do(t, srv, http.MethodPost, "/events/ev-1/orders", `{"cart_id":"c1","email":"a@b.c"}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodPost, "/events/ev-1/orders", `{"cart_id":"empty","email":"a@b.c"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, srv, http.MethodPost, "/orders/ord-1/pay", `{"payment_ref":"p1"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/orders/missing/pay", `{"payment_ref":"p1"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodPost, "/orders/ord-1/cancel", ``, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", errorCode(t, rec))

	rec = do(t, srv, http.MethodGet, "/orders/ord-1", ``, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetQuota(t *testing.T) {
	srv := newTestServer(t, &fakeWorkflows{})

	rec := do(t, srv, http.MethodGet, "/quotas/general", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["available"], "oversold quota reports zero")

	rec = do(t, srv, http.MethodGet, "/quotas/free", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body["available"])

	rec = do(t, srv, http.MethodGet, "/quotas/none", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCredential(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Token abc")
	assert.Equal(t, "Token abc", Credential(req))

	req.AddCookie(&http.Cookie{Name: "session", Value: "s1"})
	assert.Equal(t, "Token abc|session=s1", Credential(req))
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
