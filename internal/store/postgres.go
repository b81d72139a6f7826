package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

const jobColumns = `id, item_id, queue, status, retry_count, result, created_at, modified_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, item_id, queue, status, retry_count, result, created_at, modified_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.ItemID, job.Queue, job.Status, job.RetryCount, job.Result, job.CreatedAt, job.ModifiedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobsByItem(ctx context.Context, itemID int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE item_id = $1 ORDER BY created_at DESC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by item: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, id uuid.UUID, status models.JobStatus, result json.RawMessage) (*models.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, result = $3, modified_at = NOW()
		 WHERE id = $1 AND status = $4
		 RETURNING `+jobColumns,
		id, status, result, models.JobStatusProcessing)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the id is unknown or the job already left PROCESSING.
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, fmt.Errorf("finish job: %w", qerr)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrAlreadyFinal
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SweepTimeouts(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = $1, modified_at = NOW()
		 WHERE status = $2 AND modified_at < $3
		 RETURNING `+jobColumns,
		models.JobStatusTimeout, models.JobStatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep timeouts: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ListRetryable(ctx context.Context, cutoff time.Time, maxRetries int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ANY($1) AND retry_count < $2 AND modified_at < $3
		 ORDER BY modified_at ASC`,
		[]string{string(models.JobStatusError), string(models.JobStatusTimeout), string(models.JobStatusNotFound)},
		maxRetries, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list retryable jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *PostgresStore) ClaimRetry(ctx context.Context, id uuid.UUID, from models.JobStatus, maxRetries int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2, retry_count = retry_count + 1, modified_at = NOW()
		 WHERE id = $1 AND status = $3 AND retry_count < $4`,
		id, models.JobStatusProcessing, from, maxRetries)
	if err != nil {
		return false, fmt.Errorf("claim retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Item metrics ---

const metricsColumns = `item_id, mape, cv, forecast, daily_forecast, reorder_point, safety_stock,
	category, service_level, directional_accuracy, trend_factor,
	last_trainer_job_id, last_forecast_job_id, last_trained_at, last_forecasted_at`

func (s *PostgresStore) GetItemMetrics(ctx context.Context, itemID int) (*models.ItemMetrics, error) {
	var m models.ItemMetrics
	err := s.pool.QueryRow(ctx,
		`SELECT `+metricsColumns+` FROM item_metrics WHERE item_id = $1`, itemID,
	).Scan(&m.ItemID, &m.MAPE, &m.CV, &m.Forecast, &m.DailyForecast, &m.ReorderPoint,
		&m.SafetyStock, &m.Category, &m.ServiceLevel, &m.DirectionalAccuracy, &m.TrendFactor,
		&m.LastTrainerJobID, &m.LastForecastJobID, &m.LastTrainedAt, &m.LastForecastedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item metrics: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpsertTrainerMetrics(ctx context.Context, itemID int, jobID uuid.UUID, res *models.TrainerResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_metrics (item_id, mape, directional_accuracy, last_trainer_job_id, last_trained_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (item_id) DO UPDATE SET
		   mape = EXCLUDED.mape,
		   directional_accuracy = EXCLUDED.directional_accuracy,
		   last_trainer_job_id = EXCLUDED.last_trainer_job_id,
		   last_trained_at = NOW()`,
		itemID, res.MAPE, res.DirectionalAccuracy, jobID)
	if err != nil {
		return fmt.Errorf("upsert trainer metrics: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertForecasterMetrics(ctx context.Context, itemID int, jobID uuid.UUID, res *models.ForecasterResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO item_metrics (item_id, cv, forecast, daily_forecast, reorder_point, safety_stock,
		                           category, service_level, trend_factor, last_forecast_job_id, last_forecasted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		 ON CONFLICT (item_id) DO UPDATE SET
		   cv = EXCLUDED.cv,
		   forecast = EXCLUDED.forecast,
		   daily_forecast = EXCLUDED.daily_forecast,
		   reorder_point = EXCLUDED.reorder_point,
		   safety_stock = EXCLUDED.safety_stock,
		   category = EXCLUDED.category,
		   service_level = EXCLUDED.service_level,
		   trend_factor = EXCLUDED.trend_factor,
		   last_forecast_job_id = EXCLUDED.last_forecast_job_id,
		   last_forecasted_at = NOW()`,
		itemID, res.CV, res.Forecast, res.DailyForecast, res.ReorderPoint, res.SafetyStock,
		res.Category, res.ServiceLevel, res.TrendFactor, jobID)
	if err != nil {
		return fmt.Errorf("upsert forecaster metrics: %w", err)
	}
	return nil
}

// --- scanning helpers ---

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ItemID, &j.Queue, &j.Status, &j.RetryCount, &j.Result,
		&j.CreatedAt, &j.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
