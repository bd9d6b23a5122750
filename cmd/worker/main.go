package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-ticket-quota/internal/app"
	"github.com/ariefcatur/go-ticket-quota/internal/config"
	"github.com/ariefcatur/go-ticket-quota/internal/eventlock"
	kafkax "github.com/ariefcatur/go-ticket-quota/internal/kafka"
	"github.com/ariefcatur/go-ticket-quota/internal/orders"
	"github.com/ariefcatur/go-ticket-quota/internal/telemetry"
	"github.com/joho/godotenv"
)

const expireBatch = 500

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logger := app.NewLogger(cfg.LogLevel, cfg.ServiceName+"-worker")
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.ServiceName+"-worker", cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("telemetry setup failed", "err", err)
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()
	a.Producer.Start(ctx)

	var wg sync.WaitGroup

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.WorkerGroup, orders.TopicPaymentAuthorized, cfg.WorkerConcurrency, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("payment consumer started", "group", cfg.WorkerGroup, "workers", cfg.WorkerConcurrency)
		if err := cons.Start(ctx, a.Service.HandlePaymentAuthorized); err != nil {
			logger.Error("consumer exit", "err", err)
			cancel()
		}
	}()

	sweep := func(name string, fn func(ctx context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(cfg.SweepInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if err := fn(ctx); err != nil && ctx.Err() == nil {
						logger.Error("sweep failed", "sweeper", name, "err", err)
					}
				}
			}
		}()
	}

	sweep("carts", func(ctx context.Context) error {
		_, err := a.Service.ExpireCarts(ctx, expireBatch)
		return err
	})
	sweep("idempotency", func(ctx context.Context) error {
		_, err := a.Gate.Sweep(ctx, cfg.Idempotency.StaleAfter)
		return err
	})
	if sb, ok := a.LockBackend.(*eventlock.StorageBackend); ok {
		sweep("event_locks", func(ctx context.Context) error {
			n, err := sb.PurgeStale(ctx)
			if n > 0 {
				logger.Warn("purged stale event locks", "count", n)
			}
			return err
		})
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down worker")
	cancel()
	wg.Wait()

	a.Producer.Close()
	a.Producer.WaitClosed()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = shutdownTelemetry(ctx2)
}
