package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/ariefcatur/go-ticket-quota/internal/idempotency"

// Handler produces the response for a request that won the gate.
type Handler func(ctx context.Context) Response

type Options struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	RetryAfter time.Duration
}

// Gate collapses concurrent and retried calls carrying the same
// idempotency key into one handler execution.
type Gate struct {
	store      Store
	clock      clock.Clock
	logger     *slog.Logger
	retryAfter time.Duration

	results metric.Int64Counter
	failed  metric.Int64Counter
}

func NewGate(store Store, opts Options) *Gate {
	g := &Gate{
		store:      store,
		clock:      opts.Clock,
		logger:     opts.Logger,
		retryAfter: opts.RetryAfter,
	}
	if g.clock == nil {
		g.clock = clock.NewSystem()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.retryAfter <= 0 {
		g.retryAfter = 5 * time.Second
	}

	meter := otel.Meter(instrumentationName)
	g.results, _ = meter.Int64Counter("idempotency.requests",
		metric.WithDescription("Requests seen by the idempotency gate, by result"))
	g.failed, _ = meter.Int64Counter("idempotency.store_failures",
		metric.WithDescription("Responses that could not be stored"))
	return g
}

// Do runs handler at most once per (credential, key). Retries of a
// completed call get the stored response; calls arriving while the
// first is running get a 409 with Retry-After. An error is returned
// only when the store is unavailable, wrapping ErrUnavailable.
func (g *Gate) Do(ctx context.Context, credential, key, method string, handler Handler) (Response, GateResult, error) {
	if key == "" || safeMethod(method) {
		g.count(ctx, Bypass)
		return handler(ctx), Bypass, nil
	}

	authHash := HashCredential(credential)
	rec, created, err := g.store.Begin(ctx, authHash, key, g.clock.Now())
	if err != nil {
		g.logger.Error("idempotency store unavailable", "err", err)
		return Response{}, Proceed, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case !created && rec.InFlight():
		g.count(ctx, Conflict)
		return g.conflict(), Conflict, nil
	case !created:
		g.count(ctx, Replay)
		return *rec.Response, Replay, nil
	}

	g.count(ctx, Proceed)
	resp := g.run(ctx, authHash, key, handler)

	// The caller may already be gone; the record must still settle.
	settleCtx := context.WithoutCancel(ctx)
	if uncacheable(resp.Code) {
		if err := g.store.Abandon(settleCtx, authHash, key); err != nil {
			g.logger.Error("failed to drop idempotency record", "key", key, "err", err)
		}
		return resp, Proceed, nil
	}
	if err := g.store.Complete(settleCtx, authHash, key, resp); err != nil {
		// The record stays in flight until swept; retries see 409.
		g.failed.Add(ctx, 1)
		g.logger.Error("failed to store idempotent response", "key", key, "code", resp.Code, "err", err)
	}
	return resp, Proceed, nil
}

// run invokes handler and drops the in-flight record if it panics.
func (g *Gate) run(ctx context.Context, authHash, key string, handler Handler) Response {
	defer func() {
		if r := recover(); r != nil {
			if err := g.store.Abandon(context.WithoutCancel(ctx), authHash, key); err != nil {
				g.logger.Error("failed to drop idempotency record after panic", "key", key, "err", err)
			}
			panic(r)
		}
	}()
	return handler(ctx)
}

func (g *Gate) conflict() Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	// whole seconds, rounded up so a sub-second wait never reads as 0
	secs := int((g.retryAfter + time.Second - 1) / time.Second)
	h.Set("Retry-After", strconv.Itoa(max(secs, 1)))
	return Response{
		Code:   http.StatusConflict,
		Header: h,
		Body:   []byte(`{"error":"a request with this idempotency key is in progress","code":"idempotency_conflict"}`),
	}
}

func (g *Gate) count(ctx context.Context, r GateResult) {
	g.results.Add(ctx, 1, metric.WithAttributes(attribute.String("result", r.String())))
}

// Sweep deletes in-flight records older than staleAfter, reclaiming keys
// whose handler died without settling them.
func (g *Gate) Sweep(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := g.store.PurgeStale(ctx, g.clock.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("sweep idempotency records: %w", err)
	}
	if n > 0 {
		g.logger.Info("swept stale idempotency records", "count", n)
	}
	return n, nil
}

// IsUnavailable reports whether err came from an unreachable store.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
