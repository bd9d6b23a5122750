// Package app wires the shared dependencies of the api and worker binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ariefcatur/go-ticket-quota/internal/clock"
	"github.com/ariefcatur/go-ticket-quota/internal/config"
	"github.com/ariefcatur/go-ticket-quota/internal/eventlock"
	"github.com/ariefcatur/go-ticket-quota/internal/idempotency"
	"github.com/ariefcatur/go-ticket-quota/internal/inventory"
	kafkax "github.com/ariefcatur/go-ticket-quota/internal/kafka"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/postgres"
	"github.com/ariefcatur/go-ticket-quota/internal/quota"
	"github.com/ariefcatur/go-ticket-quota/internal/redisx"
	"github.com/ariefcatur/go-ticket-quota/migrations"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type App struct {
	Config      config.Config
	Logger      *slog.Logger
	DB          *pgxpool.Pool
	Redis       *redis.Client
	LockBackend eventlock.Backend
	Locker      *eventlock.Locker
	Quotas      *quota.PGStore
	Orders      *orders.Repo
	Producer    *kafkax.Producer
	Service     *inventory.Service
	Gate        *idempotency.Gate
}

func NewLogger(level slog.Level, service string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", service)
}

// New connects to Postgres and Redis, applies migrations and builds the
// lock, quota engine, workflows and idempotency gate from cfg.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rdb := redisx.New(cfg.RedisAddr)

	a := &App{Config: cfg, Logger: logger, DB: db, Redis: rdb}
	clk := clock.NewSystem()

	a.LockBackend, err = eventlock.NewBackend(cfg.Lock.Backend, eventlock.BackendOptions{
		Pool:       db,
		Redis:      rdb,
		Clock:      clk,
		StaleAfter: cfg.Lock.StaleAfter,
		Lease:      cfg.Lock.Lease,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	policy := eventlock.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Lock.MaxAttempts
	policy.BaseDelay = cfg.Lock.BackoffBase
	policy.MaxDelay = cfg.Lock.BackoffMax
	a.Locker = eventlock.New(a.LockBackend,
		eventlock.WithRetryPolicy(policy),
		eventlock.WithLogger(logger),
		eventlock.WithCriticalTimeout(cfg.Lock.StaleAfter),
	)

	var store idempotency.Store
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		store = idempotency.NewRedisStore(rdb, cfg.Idempotency.StaleAfter, cfg.Idempotency.TTL)
	default:
		store = idempotency.NewPGStore(db)
	}
	a.Gate = idempotency.NewGate(store, idempotency.Options{
		Clock:      clk,
		Logger:     logger,
		RetryAfter: cfg.Idempotency.RetryAfter,
	})

	a.Quotas = quota.NewPGStore(db)
	a.Orders = &orders.Repo{DB: db}
	a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger)
	a.Service = &inventory.Service{
		Locker:      a.Locker,
		Quotas:      quota.NewEngine(a.Quotas),
		Repo:        a.Orders,
		Tx:          postgres.TxRunner{Pool: db},
		Producer:    a.Producer,
		Dedup:       redisx.NewDedup(rdb, cfg.ServiceName),
		Clock:       clk,
		Logger:      logger,
		CartTTL:     cfg.CartTTL,
		ServiceName: cfg.ServiceName,
	}
	return a, nil
}

func (a *App) Close() {
	_ = a.Redis.Close()
	a.DB.Close()
}
