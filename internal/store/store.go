package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

var ErrNotFound = errors.New("resource not found")

// ErrAlreadyFinal is returned when a finish is attempted on a job that has
// already left PROCESSING. Redelivered completions hit this and are absorbed.
var ErrAlreadyFinal = errors.New("job already in a terminal state")

// JobStore is the durable job ledger. All status mutations are single-row
// conditional updates so concurrent consumers and sweeps cannot double-apply
// a transition.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobsByItem(ctx context.Context, itemID int) ([]*models.Job, error)

	// DeleteJob compensates a dispatch whose publish failed. It is the only
	// deletion path; rows that reached the broker are kept forever.
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// FinishJob moves a PROCESSING job to a terminal state and stores the
	// result payload. Returns ErrAlreadyFinal when the job is no longer
	// PROCESSING and ErrNotFound when no such job exists.
	FinishJob(ctx context.Context, id uuid.UUID, status models.JobStatus, result json.RawMessage) (*models.Job, error)

	// SweepTimeouts flips PROCESSING jobs untouched since cutoff to TIMEOUT
	// and returns the flipped rows.
	SweepTimeouts(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	// ListRetryable returns failed jobs (ERROR, TIMEOUT, NOT_FOUND) untouched
	// since cutoff with retry_count below maxRetries.
	ListRetryable(ctx context.Context, cutoff time.Time, maxRetries int) ([]*models.Job, error)

	// ClaimRetry conditionally flips a failed job back to PROCESSING,
	// incrementing retry_count. The flip is the claim: it reports false when
	// another reconciler got there first or the retry budget is spent.
	ClaimRetry(ctx context.Context, id uuid.UUID, from models.JobStatus, maxRetries int) (bool, error)
}

// MetricsStore holds per-item model metrics, upserted idempotently by item id.
type MetricsStore interface {
	GetItemMetrics(ctx context.Context, itemID int) (*models.ItemMetrics, error)
	UpsertTrainerMetrics(ctx context.Context, itemID int, jobID uuid.UUID, res *models.TrainerResult) error
	UpsertForecasterMetrics(ctx context.Context, itemID int, jobID uuid.UUID, res *models.ForecasterResult) error
}

// Store is the full data access surface backed by Postgres.
type Store interface {
	JobStore
	MetricsStore
	Ping(ctx context.Context) error
}
