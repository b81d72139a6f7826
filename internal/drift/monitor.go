// Package drift decides when an item's predictive model has gone stale.
// A daily sweep evaluates statistical drift signals over consumption history
// and dispatches retraining; consumption events trigger ad-hoc re-forecasts.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/PeRaDi/vitalflow-backend/internal/inventory"
	"github.com/PeRaDi/vitalflow-backend/internal/store"
	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// JobEnqueuer dispatches work for an item. Satisfied by dispatch.Dispatcher.
type JobEnqueuer interface {
	EnqueueTrain(ctx context.Context, itemID int) (uuid.UUID, error)
	EnqueueForecast(ctx context.Context, itemID int) (uuid.UUID, error)
}

// Monitor runs the scheduled drift sweep and the event-driven consumption
// checks. Per-item evaluation is read-mostly and runs on a bounded worker
// group; one item's failure never aborts the batch.
type Monitor struct {
	metrics     store.MetricsStore
	items       inventory.Directory
	consumption inventory.ConsumptionSource
	enq         JobEnqueuer
	parallelism int
	now         func() time.Time
}

func New(metrics store.MetricsStore, items inventory.Directory, consumption inventory.ConsumptionSource, enq JobEnqueuer, parallelism int) *Monitor {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Monitor{
		metrics:     metrics,
		items:       items,
		consumption: consumption,
		enq:         enq,
		parallelism: parallelism,
		now:         time.Now,
	}
}

// Start runs one sweep immediately and then on the given cron schedule until
// ctx is cancelled. It returns after scheduling; the returned stop function
// waits for a running sweep to finish.
func (m *Monitor) Start(ctx context.Context, cronSpec string) (func(), error) {
	c := cron.New()
	_, err := c.AddFunc(cronSpec, func() {
		if err := m.Sweep(ctx); err != nil {
			slog.Error("drift sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cronSpec, err)
	}

	go func() {
		if err := m.Sweep(ctx); err != nil {
			slog.Error("initial drift sweep failed", "error", err)
		}
	}()
	c.Start()

	return func() { <-c.Stop().Done() }, nil
}

// Sweep evaluates every active item once.
func (m *Monitor) Sweep(ctx context.Context) error {
	items, err := m.items.ListActiveItems(ctx)
	if err != nil {
		return fmt.Errorf("list active items: %w", err)
	}
	if len(items) == 0 {
		slog.Info("no active items to monitor")
		return nil
	}

	slog.Info("drift sweep started", "items", len(items))

	sem := make(chan struct{}, m.parallelism)
	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := m.evaluateItem(ctx, item.ID); err != nil {
				slog.Error("drift evaluation failed", "item_id", item.ID, "error", err)
			}
		}()
	}
	wg.Wait()

	slog.Info("drift sweep finished", "items", len(items))
	return nil
}

func (m *Monitor) evaluateItem(ctx context.Context, itemID int) error {
	met, err := m.metrics.GetItemMetrics(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Info("no metrics for item, training initial model", "item_id", itemID)
		return m.train(ctx, itemID)
	}
	if err != nil {
		return fmt.Errorf("get item metrics: %w", err)
	}

	now := m.now().UTC()
	if met.LastTrainedAt == nil || now.Sub(*met.LastTrainedAt) > retrainAfter {
		slog.Info("model older than retrain horizon, training", "item_id", itemID)
		return m.train(ctx, itemID)
	}
	if now.Sub(*met.LastTrainedAt) <= minRetrainAge {
		return nil
	}

	history, err := m.consumption.ConsumptionBetween(ctx, itemID, now.AddDate(0, 0, -historyDays), now)
	if err != nil {
		return fmt.Errorf("load consumption history: %w", err)
	}

	mapeStale, err := m.mapeStale(ctx, itemID, met, now)
	if err != nil {
		return err
	}
	demand := demandShift(history)
	trend := trendShift(history, met.TrendFactor)
	cv := cvShift(history, met.CV)

	if mapeStale || demand || trend || cv {
		slog.Info("drift detected, training",
			"item_id", itemID,
			"mape_stale", mapeStale,
			"demand_shift", demand,
			"trend_shift", trend,
			"cv_shift", cv)
		return m.train(ctx, itemID)
	}
	return nil
}

// mapeStale compares realized consumption since the last forecast against
// the forecast itself. It only fires once the forecast horizon
// (forecast / daily forecast, in days) has fully elapsed.
func (m *Monitor) mapeStale(ctx context.Context, itemID int, met *models.ItemMetrics, now time.Time) (bool, error) {
	if met.LastForecastedAt == nil || met.DailyForecast <= 0 {
		return false, nil
	}

	horizonDays := met.Forecast / met.DailyForecast
	horizon := time.Duration(horizonDays * 24 * float64(time.Hour))
	if now.Before(met.LastForecastedAt.Add(horizon)) {
		return false, nil
	}

	samples, err := m.consumption.ConsumptionBetween(ctx, itemID, now.Add(-horizon), now)
	if err != nil {
		return false, fmt.Errorf("load horizon consumption: %w", err)
	}
	if len(samples) == 0 {
		return false, nil
	}

	actual := sumQuantities(samples)
	if actual == 0 {
		return met.Forecast > 0, nil
	}
	mape := math.Abs(actual-met.Forecast) / actual
	return mape > mapeThreshold, nil
}

// HandleItemConsumed reacts to one consumption event for an item. Items
// without a metrics row are ignored. The demand-spike check short-circuits
// the reorder-point check: at most one forecast is enqueued per event.
func (m *Monitor) HandleItemConsumed(ctx context.Context, itemID int) error {
	met, err := m.metrics.GetItemMetrics(ctx, itemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get item metrics: %w", err)
	}

	today, err := m.consumption.ConsumedToday(ctx, itemID)
	if err != nil {
		return fmt.Errorf("today's consumption: %w", err)
	}
	if today >= spikeFactor*met.DailyForecast {
		slog.Warn("demand spike, re-forecasting",
			"item_id", itemID, "today", today, "daily_forecast", met.DailyForecast)
		return m.forecast(ctx, itemID)
	}

	stock, err := m.consumption.CurrentStock(ctx, itemID)
	if err != nil {
		return fmt.Errorf("current stock: %w", err)
	}
	if stock < reorderProximityFactor*met.ReorderPoint {
		slog.Warn("stock near reorder point, re-forecasting",
			"item_id", itemID, "stock", stock, "reorder_point", met.ReorderPoint)
		return m.forecast(ctx, itemID)
	}
	return nil
}

func (m *Monitor) train(ctx context.Context, itemID int) error {
	if _, err := m.enq.EnqueueTrain(ctx, itemID); err != nil {
		return fmt.Errorf("enqueue train: %w", err)
	}
	return nil
}

func (m *Monitor) forecast(ctx context.Context, itemID int) error {
	if _, err := m.enq.EnqueueForecast(ctx, itemID); err != nil {
		return fmt.Errorf("enqueue forecast: %w", err)
	}
	return nil
}
