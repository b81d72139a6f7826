// Package reconcile sweeps the job ledger for work the happy path lost:
// jobs stuck in PROCESSING past the timeout, and failed jobs eligible for a
// bounded retry.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/PeRaDi/vitalflow-backend/internal/broker"
	"github.com/PeRaDi/vitalflow-backend/internal/cache"
	"github.com/PeRaDi/vitalflow-backend/internal/config"
	"github.com/PeRaDi/vitalflow-backend/internal/store"
	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// Reconciler periodically applies the two recovery transitions of the job
// state machine: PROCESSING past its age limit becomes TIMEOUT, and failed
// jobs (ERROR, TIMEOUT, NOT_FOUND) older than the retry age are republished
// to their original queue while retries remain. Past the retry budget a job
// stays in its terminal state, visible only via query.
type Reconciler struct {
	jobs   store.JobStore
	pub    broker.Publisher
	cache  cache.Cache
	queues config.QueueConfig
	cfg    config.ReconcileConfig
	now    func() time.Time
}

func New(jobs store.JobStore, pub broker.Publisher, c cache.Cache, queues config.QueueConfig, cfg config.ReconcileConfig) *Reconciler {
	return &Reconciler{
		jobs:   jobs,
		pub:    pub,
		cache:  c,
		queues: queues,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one timeout sweep followed by one retry sweep. Errors are
// logged per job; the sweep itself never fails the caller.
func (r *Reconciler) SweepOnce(ctx context.Context) {
	if err := r.sweepTimeouts(ctx); err != nil {
		slog.Error("timeout sweep failed", "error", err)
	}
	if err := r.sweepRetries(ctx); err != nil {
		slog.Error("retry sweep failed", "error", err)
	}
}

func (r *Reconciler) sweepTimeouts(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.cfg.JobTimeout)
	timedOut, err := r.jobs.SweepTimeouts(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("sweep timeouts: %w", err)
	}

	for _, job := range timedOut {
		slog.Warn("job timed out", "job_id", job.ID, "item_id", job.ItemID,
			"queue", job.Queue, "retry_count", job.RetryCount)
		r.cacheStatus(ctx, job)
	}
	return nil
}

func (r *Reconciler) sweepRetries(ctx context.Context) error {
	cutoff := r.now().UTC().Add(-r.cfg.RetryAge)
	retryable, err := r.jobs.ListRetryable(ctx, cutoff, r.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("list retryable jobs: %w", err)
	}

	for _, job := range retryable {
		if err := r.retry(ctx, job); err != nil {
			slog.Error("job retry failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// retry flips the job back to PROCESSING and republishes the original work
// message under the same job id. The conditional flip is the claim: if
// another reconciler already took the job, this is a no-op.
func (r *Reconciler) retry(ctx context.Context, job *models.Job) error {
	claimed, err := r.jobs.ClaimRetry(ctx, job.ID, job.Status, r.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("claim retry: %w", err)
	}
	if !claimed {
		return nil
	}

	body, err := json.Marshal(broker.Message{JobID: job.ID, ItemID: job.ItemID})
	if err != nil {
		return fmt.Errorf("encode job message: %w", err)
	}
	if err := r.pub.Publish(ctx, r.queueFor(job.Queue), body); err != nil {
		// The row is PROCESSING again with no message in flight; the next
		// timeout sweep returns it to TIMEOUT and a later pass retries.
		return fmt.Errorf("republish job: %w", err)
	}

	job.Status = models.JobStatusProcessing
	job.RetryCount++
	r.cacheStatus(ctx, job)

	slog.Info("job republished for retry", "job_id", job.ID, "item_id", job.ItemID,
		"queue", job.Queue, "retry_count", job.RetryCount)
	return nil
}

func (r *Reconciler) cacheStatus(ctx context.Context, job *models.Job) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetJobStatus(ctx, job.ID, job.Status); err != nil {
		slog.Debug("job status cache write failed", "job_id", job.ID, "error", err)
	}
}

func (r *Reconciler) queueFor(kind models.QueueKind) string {
	if kind == models.QueueTrainer {
		return r.queues.Trainer
	}
	return r.queues.Forecaster
}
