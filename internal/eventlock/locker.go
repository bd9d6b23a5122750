package eventlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ariefcatur/go-ticket-quota/internal/eventlock"

// Locker acquires and releases per-event locks on a Backend, retrying
// with exponential backoff. Different event ids never contend.
type Locker struct {
	backend  Backend
	policy   RetryPolicy
	critical time.Duration
	logger   *slog.Logger

	tracer   trace.Tracer
	acquired metric.Int64Counter
	timeouts metric.Int64Counter
	lost     metric.Int64Counter
	waited   metric.Float64Histogram
}

type Option func(*Locker)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Locker) { l.policy = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCriticalTimeout bounds the critical section run by WithLock. It
// should not exceed the backend's staleness threshold or lease.
func WithCriticalTimeout(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.critical = d
		}
	}
}

func New(backend Backend, opts ...Option) *Locker {
	l := &Locker{
		backend:  backend,
		policy:   DefaultRetryPolicy(),
		critical: 120 * time.Second,
		logger:   slog.Default(),
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(l)
	}

	meter := otel.Meter(instrumentationName)
	l.acquired, _ = meter.Int64Counter("eventlock.acquired",
		metric.WithDescription("Event locks acquired"))
	l.timeouts, _ = meter.Int64Counter("eventlock.timeouts",
		metric.WithDescription("Acquisitions that exhausted their retry budget"))
	l.lost, _ = meter.Int64Counter("eventlock.not_owned",
		metric.WithDescription("Releases whose token no longer matched"))
	l.waited, _ = meter.Float64Histogram("eventlock.wait",
		metric.WithDescription("Time spent acquiring an event lock"),
		metric.WithUnit("s"))
	return l
}

// Acquire obtains the lock for eventID or returns ErrLockTimeout once
// the retry budget is spent. Backend failures are returned immediately.
func (l *Locker) Acquire(ctx context.Context, eventID string) (Token, error) {
	backendAttr := attribute.String("lock.backend", l.backend.Name())
	ctx, span := l.tracer.Start(ctx, "eventlock.acquire", trace.WithAttributes(
		attribute.String("event.id", eventID),
		backendAttr,
	))
	defer span.End()

	start := time.Now()
	token := NewToken()
	attempts := l.policy.attempts()

	for attempt := 0; attempt < attempts; attempt++ {
		ok, err := l.backend.TryAcquire(ctx, eventID, token)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "backend failure")
			return "", fmt.Errorf("acquire lock for event %s: %w", eventID, err)
		}
		if ok {
			span.SetAttributes(attribute.Int("lock.attempts", attempt+1))
			l.acquired.Add(ctx, 1, metric.WithAttributes(backendAttr))
			l.waited.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(backendAttr))
			return token, nil
		}
		if attempt == attempts-1 {
			break
		}
		if err := l.policy.sleep(ctx, l.policy.Delay(attempt)); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("acquire lock for event %s: %w", eventID, err)
		}
	}

	l.timeouts.Add(ctx, 1, metric.WithAttributes(backendAttr))
	span.SetStatus(codes.Error, "timeout")
	l.logger.Warn("event lock timeout", "event_id", eventID, "attempts", attempts, "backend", l.backend.Name())
	return "", fmt.Errorf("%w: event %s after %d attempts", ErrLockTimeout, eventID, attempts)
}

// Release gives the lock back. ErrLockNotOwned is logged as an error
// and returned; it means the critical section outlived the staleness
// window.
func (l *Locker) Release(ctx context.Context, eventID string, token Token) error {
	err := l.backend.Release(ctx, eventID, token)
	if errors.Is(err, ErrLockNotOwned) {
		l.lost.Add(ctx, 1, metric.WithAttributes(attribute.String("lock.backend", l.backend.Name())))
		l.logger.Error("event lock was not owned on release",
			"event_id", eventID, "backend", l.backend.Name())
		return err
	}
	if err != nil {
		return fmt.Errorf("release lock for event %s: %w", eventID, err)
	}
	return nil
}

// WithLock runs fn while holding the lock for eventID. fn gets a context
// that expires after the critical timeout. The lock is released even if
// fn fails or panics; a release error is joined with fn's error.
func (l *Locker) WithLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) (err error) {
	token, err := l.Acquire(ctx, eventID)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx), eventID, token); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()

	critCtx, cancel := context.WithTimeout(ctx, l.critical)
	defer cancel()
	return fn(critCtx)
}
