// Package dispatch creates jobs for the external AI workers: a durable
// ledger row plus a broker message, in that order.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/PeRaDi/vitalflow-backend/internal/broker"
	"github.com/PeRaDi/vitalflow-backend/internal/cache"
	"github.com/PeRaDi/vitalflow-backend/internal/config"
	"github.com/PeRaDi/vitalflow-backend/internal/inventory"
	"github.com/PeRaDi/vitalflow-backend/internal/store"
	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// ErrItemNotFound rejects a dispatch for an unknown item before any side effect.
var ErrItemNotFound = errors.New("item not found")

// Dispatcher enqueues train and forecast work. Every successfully published
// message has a persisted PROCESSING row; the row is written first and
// compensated away if the publish fails, so neither an orphaned row nor an
// untracked in-flight message can survive a partial dispatch.
type Dispatcher struct {
	jobs   store.JobStore
	items  inventory.Directory
	pub    broker.Publisher
	cache  cache.Cache
	queues config.QueueConfig
	now    func() time.Time
}

func New(jobs store.JobStore, items inventory.Directory, pub broker.Publisher, c cache.Cache, queues config.QueueConfig) *Dispatcher {
	return &Dispatcher{
		jobs:   jobs,
		items:  items,
		pub:    pub,
		cache:  c,
		queues: queues,
		now:    time.Now,
	}
}

// EnqueueTrain dispatches a training job for the item and returns its id.
func (d *Dispatcher) EnqueueTrain(ctx context.Context, itemID int) (uuid.UUID, error) {
	return d.enqueue(ctx, itemID, models.QueueTrainer)
}

// EnqueueForecast dispatches a forecast job for the item and returns its id.
func (d *Dispatcher) EnqueueForecast(ctx context.Context, itemID int) (uuid.UUID, error) {
	return d.enqueue(ctx, itemID, models.QueueForecaster)
}

func (d *Dispatcher) enqueue(ctx context.Context, itemID int, kind models.QueueKind) (uuid.UUID, error) {
	if _, err := d.items.FindItem(ctx, itemID); err != nil {
		if errors.Is(err, inventory.ErrItemNotFound) {
			return uuid.Nil, fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
		}
		return uuid.Nil, fmt.Errorf("look up item %d: %w", itemID, err)
	}

	now := d.now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		ItemID:     itemID,
		Queue:      kind,
		Status:     models.JobStatusProcessing,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	if err := d.jobs.CreateJob(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("persist job: %w", err)
	}

	body, err := json.Marshal(broker.Message{JobID: job.ID, ItemID: itemID})
	if err != nil {
		d.compensate(ctx, job.ID)
		return uuid.Nil, fmt.Errorf("encode job message: %w", err)
	}

	if err := d.pub.Publish(ctx, d.queueFor(kind), body); err != nil {
		d.compensate(ctx, job.ID)
		return uuid.Nil, fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	if d.cache != nil {
		if err := d.cache.SetJobStatus(ctx, job.ID, job.Status); err != nil {
			slog.Debug("job status cache write failed", "job_id", job.ID, "error", err)
		}
	}

	slog.Info("job dispatched", "job_id", job.ID, "item_id", itemID, "queue", kind)
	return job.ID, nil
}

// compensate removes the ledger row of a dispatch whose publish never
// happened. If the delete fails too, the row is left PROCESSING and the
// timeout sweep will flag it.
func (d *Dispatcher) compensate(ctx context.Context, jobID uuid.UUID) {
	if err := d.jobs.DeleteJob(ctx, jobID); err != nil {
		slog.Error("failed to compensate unpublished job", "job_id", jobID, "error", err)
	}
}

func (d *Dispatcher) queueFor(kind models.QueueKind) string {
	if kind == models.QueueTrainer {
		return d.queues.Trainer
	}
	return d.queues.Forecaster
}
