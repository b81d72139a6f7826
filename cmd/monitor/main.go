// Package main is the entrypoint for the VitalFlow AI monitor, the service
// that watches inventory drift and orchestrates the external train/forecast
// workers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/PeRaDi/vitalflow-backend/internal/broker"
	"github.com/PeRaDi/vitalflow-backend/internal/cache"
	"github.com/PeRaDi/vitalflow-backend/internal/config"
	"github.com/PeRaDi/vitalflow-backend/internal/dispatch"
	"github.com/PeRaDi/vitalflow-backend/internal/drift"
	"github.com/PeRaDi/vitalflow-backend/internal/events"
	"github.com/PeRaDi/vitalflow-backend/internal/ingest"
	"github.com/PeRaDi/vitalflow-backend/internal/inventory"
	"github.com/PeRaDi/vitalflow-backend/internal/reconcile"
	"github.com/PeRaDi/vitalflow-backend/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Broker client — dialed lazily, redialed on failure
	amqpClient := broker.NewAMQPClient(cfg.Broker.URL)
	defer amqpClient.Close()

	// 6. Stores and collaborator adapters
	pgStore := store.NewPostgresStore(pool)
	inv := inventory.NewPostgresInventory(pool)

	// 7. Pipeline components
	bus := events.NewBus()
	dispatcher := dispatch.New(pgStore, inv, amqpClient, redisCache, cfg.Broker.Queues)
	monitor := drift.New(pgStore, inv, inv, dispatcher, cfg.Monitor.Parallelism)
	ingestor := ingest.New(pgStore, pgStore, bus, redisCache)
	reconciler := reconcile.New(pgStore, amqpClient, redisCache, cfg.Broker.Queues, cfg.Reconcile)

	// 8. Event wiring: consumption events feed the drift monitor; successful
	// jobs are surfaced for downstream subscribers.
	bus.Subscribe(func(ctx context.Context, ev events.Event) {
		consumed, ok := ev.(*events.ItemConsumed)
		if !ok {
			return
		}
		if err := monitor.HandleItemConsumed(ctx, consumed.ItemID); err != nil {
			slog.Error("consumption check failed", "item_id", consumed.ItemID, "error", err)
		}
	})
	bus.Subscribe(func(_ context.Context, ev events.Event) {
		if succeeded, ok := ev.(*events.JobSucceeded); ok {
			slog.Info("job succeeded", "job_id", succeeded.Job.ID,
				"item_id", succeeded.Job.ItemID, "queue", succeeded.Job.Queue)
		}
	})

	// 9. Start the loops
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ingestor.Run(ctx, amqpClient, cfg.Broker.Queues); err != nil {
			slog.Error("ingestor stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	stopSweep, err := monitor.Start(ctx, cfg.Monitor.SweepCron)
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("start drift monitor: %w", err)
	}
	slog.Info("monitor running", "sweep_cron", cfg.Monitor.SweepCron)

	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")

	stopSweep()
	wg.Wait()
	bus.Wait()

	slog.Info("monitor stopped gracefully")
	return nil
}
