// Package ingest consumes worker completion messages, applies the one
// allowed terminal transition per job, and updates per-item model metrics.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PeRaDi/vitalflow-backend/internal/broker"
	"github.com/PeRaDi/vitalflow-backend/internal/cache"
	"github.com/PeRaDi/vitalflow-backend/internal/config"
	"github.com/PeRaDi/vitalflow-backend/internal/events"
	"github.com/PeRaDi/vitalflow-backend/internal/store"
	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// ErrMalformedResult marks a completion payload that failed boundary
// validation. The message is nacked without requeue so the broker can
// dead-letter it.
var ErrMalformedResult = errors.New("malformed completion payload")

// Ingestor consumes the trainer-results and forecaster-results queues.
// Transitions are idempotent per job id: a redelivered completion for a job
// that already left PROCESSING is acknowledged as a no-op.
type Ingestor struct {
	jobs    store.JobStore
	metrics store.MetricsStore
	bus     *events.Bus
	cache   cache.Cache
}

func New(jobs store.JobStore, metrics store.MetricsStore, bus *events.Bus, c cache.Cache) *Ingestor {
	return &Ingestor{jobs: jobs, metrics: metrics, bus: bus, cache: c}
}

// Run starts one consumer per result queue and blocks until ctx is done.
func (i *Ingestor) Run(ctx context.Context, consumer broker.Consumer, queues config.QueueConfig) error {
	var wg sync.WaitGroup
	for kind, queue := range map[models.QueueKind]string{
		models.QueueTrainer:    queues.TrainerResults,
		models.QueueForecaster: queues.ForecasterResults,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Consume(ctx, queue, i.handlerFor(kind)); err != nil {
				slog.Error("result consumer stopped", "queue", queue, "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// handlerFor wraps handle with a panic guard; a bad message must never take
// the consumer down.
func (i *Ingestor) handlerFor(kind models.QueueKind) broker.Handler {
	return func(ctx context.Context, d broker.Delivery) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic handling completion", "queue_kind", kind, "error", r)
				if err := d.Nack(false); err != nil {
					slog.Error("nack failed", "error", err)
				}
			}
		}()
		i.handle(ctx, kind, d)
	}
}

func (i *Ingestor) handle(ctx context.Context, kind models.QueueKind, d broker.Delivery) {
	comp, err := decodeCompletion(kind, d.Body)
	if err != nil {
		slog.Warn("dropping malformed completion", "queue_kind", kind, "error", err)
		if err := d.Nack(false); err != nil {
			slog.Error("nack failed", "error", err)
		}
		return
	}

	job, err := i.jobs.FinishJob(ctx, comp.jobID, comp.status, comp.result)
	switch {
	case errors.Is(err, store.ErrAlreadyFinal):
		// At-least-once redelivery: absorb without mutation or event.
		slog.Debug("duplicate completion absorbed", "job_id", comp.jobID)
		i.ack(d)
		return
	case errors.Is(err, store.ErrNotFound):
		slog.Warn("completion for unknown job", "job_id", comp.jobID)
		i.ack(d)
		return
	case err != nil:
		// Persistence hiccup: requeue so the transition is retried.
		slog.Error("finish job failed", "job_id", comp.jobID, "error", err)
		if err := d.Nack(true); err != nil {
			slog.Error("nack failed", "error", err)
		}
		return
	}

	if i.cache != nil {
		if err := i.cache.SetJobStatus(ctx, job.ID, job.Status); err != nil {
			slog.Debug("job status cache write failed", "job_id", job.ID, "error", err)
		}
	}

	if comp.status == models.JobStatusSuccess {
		if err := i.applyMetrics(ctx, job, comp); err != nil {
			// The job row already holds the payload, so the figures are
			// recoverable; do not wedge the queue over it.
			slog.Error("metrics update failed", "job_id", job.ID, "item_id", job.ItemID, "error", err)
		}
		i.bus.Publish(ctx, &events.JobSucceeded{Job: job, Timestamp: time.Now().UTC()})
	}

	slog.Info("completion ingested", "job_id", job.ID, "item_id", job.ItemID,
		"queue", job.Queue, "status", job.Status)
	i.ack(d)
}

func (i *Ingestor) applyMetrics(ctx context.Context, job *models.Job, comp *completion) error {
	switch job.Queue {
	case models.QueueTrainer:
		return i.metrics.UpsertTrainerMetrics(ctx, job.ItemID, job.ID, comp.trainer)
	case models.QueueForecaster:
		return i.metrics.UpsertForecasterMetrics(ctx, job.ItemID, job.ID, comp.forecaster)
	default:
		return fmt.Errorf("unknown queue kind %q", job.Queue)
	}
}

func (i *Ingestor) ack(d broker.Delivery) {
	if err := d.Ack(); err != nil {
		slog.Error("ack failed", "error", err)
	}
}

// completion is a validated completion message: the terminal status it maps
// to, the raw result for the ledger, and the typed payload for metrics.
type completion struct {
	jobID      uuid.UUID
	status     models.JobStatus
	result     json.RawMessage
	trainer    *models.TrainerResult
	forecaster *models.ForecasterResult
}

// decodeCompletion validates the envelope and, for successful completions,
// strictly decodes the per-kind payload. Everything invalid is rejected here
// so no partially-validated message reaches the state machine.
func decodeCompletion(kind models.QueueKind, body []byte) (*completion, error) {
	var env models.ResultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if env.Result == nil {
		return nil, fmt.Errorf("%w: missing result", ErrMalformedResult)
	}
	jobID, err := uuid.Parse(env.JobID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid job_id %q", ErrMalformedResult, env.JobID)
	}

	comp := &completion{jobID: jobID, status: classify(env.Result)}

	if comp.result, err = json.Marshal(env.Result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}

	if comp.status != models.JobStatusSuccess {
		return comp, nil
	}
	if len(env.Result.Data) == 0 {
		return nil, fmt.Errorf("%w: successful completion without data", ErrMalformedResult)
	}

	switch kind {
	case models.QueueTrainer:
		var res models.TrainerResult
		if err := json.Unmarshal(env.Result.Data, &res); err != nil {
			return nil, fmt.Errorf("%w: trainer data: %v", ErrMalformedResult, err)
		}
		comp.trainer = &res
	case models.QueueForecaster:
		var res models.ForecasterResult
		if err := json.Unmarshal(env.Result.Data, &res); err != nil {
			return nil, fmt.Errorf("%w: forecaster data: %v", ErrMalformedResult, err)
		}
		comp.forecaster = &res
	default:
		return nil, fmt.Errorf("%w: unknown queue kind %q", ErrMalformedResult, kind)
	}

	return comp, nil
}

// classify maps a worker result to the job's terminal status. The
// no-usable-data sentinel wins over both the success flag and the generic
// error branch.
func classify(r *models.WorkerResult) models.JobStatus {
	if r.NoData() {
		return models.JobStatusNotFound
	}
	if r.Success {
		return models.JobStatusSuccess
	}
	return models.JobStatusError
}
