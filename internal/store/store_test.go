package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/PeRaDi/vitalflow-backend/internal/store"
	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool + cleanup.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vitalflow_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// newJob builds a PROCESSING trainer job whose timestamps sit age in the past.
func newJob(queue models.QueueKind, status models.JobStatus, age time.Duration) *models.Job {
	ts := time.Now().UTC().Add(-age).Truncate(time.Microsecond)
	return &models.Job{
		ID:         uuid.New(),
		ItemID:     7,
		Queue:      queue,
		Status:     status,
		RetryCount: 0,
		CreatedAt:  ts,
		ModifiedAt: ts,
	}
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueTrainer, models.JobStatusProcessing, 0)
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 7, got.ItemID)
	assert.Equal(t, models.QueueTrainer, got.Queue)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.Result)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_ListByItem(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := newJob(models.QueueTrainer, models.JobStatusProcessing, time.Duration(i)*time.Hour)
		require.NoError(t, s.CreateJob(ctx, job))
	}
	other := newJob(models.QueueForecaster, models.JobStatusProcessing, 0)
	other.ItemID = 99
	require.NoError(t, s.CreateJob(ctx, other))

	jobs, err := s.ListJobsByItem(ctx, 7)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	// Newest first.
	assert.True(t, jobs[0].CreatedAt.After(jobs[1].CreatedAt))
	assert.True(t, jobs[1].CreatedAt.After(jobs[2].CreatedAt))
}

func TestJob_Delete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueTrainer, models.JobStatusProcessing, 0)
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.DeleteJob(ctx, job.ID))

	_, err := s.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_FinishStoresResult(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueTrainer, models.JobStatusProcessing, 0)
	require.NoError(t, s.CreateJob(ctx, job))

	payload := json.RawMessage(`{"mape": 4.2, "directional_accuracy": 81}`)
	finished, err := s.FinishJob(ctx, job.ID, models.JobStatusSuccess, payload)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, finished.Status)
	assert.JSONEq(t, string(payload), string(finished.Result))
	assert.True(t, finished.ModifiedAt.After(job.ModifiedAt))
}

func TestJob_FinishTwiceReturnsAlreadyFinal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueForecaster, models.JobStatusProcessing, 0)
	require.NoError(t, s.CreateJob(ctx, job))

	_, err := s.FinishJob(ctx, job.ID, models.JobStatusError, nil)
	require.NoError(t, err)

	_, err = s.FinishJob(ctx, job.ID, models.JobStatusSuccess, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, store.ErrAlreadyFinal)

	// The first result wins.
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
}

func TestJob_FinishUnknownJob(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.FinishJob(context.Background(), uuid.New(), models.JobStatusSuccess, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_SweepTimeouts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	stale := newJob(models.QueueTrainer, models.JobStatusProcessing, 2*time.Hour)
	fresh := newJob(models.QueueTrainer, models.JobStatusProcessing, 5*time.Minute)
	done := newJob(models.QueueTrainer, models.JobStatusSuccess, 3*time.Hour)
	for _, j := range []*models.Job{stale, fresh, done} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	flipped, err := s.SweepTimeouts(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	assert.Equal(t, stale.ID, flipped[0].ID)
	assert.Equal(t, models.JobStatusTimeout, flipped[0].Status)

	got, err := s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	got, err = s.GetJob(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSuccess, got.Status)
}

func TestJob_ListRetryable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	oldError := newJob(models.QueueTrainer, models.JobStatusError, 25*time.Hour)
	oldTimeout := newJob(models.QueueForecaster, models.JobStatusTimeout, 30*time.Hour)
	oldNotFound := newJob(models.QueueTrainer, models.JobStatusNotFound, 26*time.Hour)
	recentError := newJob(models.QueueTrainer, models.JobStatusError, time.Hour)
	exhausted := newJob(models.QueueTrainer, models.JobStatusError, 48*time.Hour)
	exhausted.RetryCount = 3
	running := newJob(models.QueueTrainer, models.JobStatusProcessing, 48*time.Hour)
	for _, j := range []*models.Job{oldError, oldTimeout, oldNotFound, recentError, exhausted, running} {
		require.NoError(t, s.CreateJob(ctx, j))
	}

	retryable, err := s.ListRetryable(ctx, time.Now().UTC().Add(-24*time.Hour), 3)
	require.NoError(t, err)
	require.Len(t, retryable, 3)
	ids := map[uuid.UUID]bool{}
	for _, j := range retryable {
		ids[j.ID] = true
	}
	assert.True(t, ids[oldError.ID])
	assert.True(t, ids[oldTimeout.ID])
	assert.True(t, ids[oldNotFound.ID])
}

func TestJob_ClaimRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueTrainer, models.JobStatusTimeout, 25*time.Hour)
	require.NoError(t, s.CreateJob(ctx, job))

	claimed, err := s.ClaimRetry(ctx, job.ID, models.JobStatusTimeout, 3)
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Second claim loses: the job is no longer in the expected state.
	claimed, err = s.ClaimRetry(ctx, job.ID, models.JobStatusTimeout, 3)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestJob_ClaimRetryBudgetSpent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	job := newJob(models.QueueTrainer, models.JobStatusError, 25*time.Hour)
	job.RetryCount = 3
	require.NoError(t, s.CreateJob(ctx, job))

	claimed, err := s.ClaimRetry(ctx, job.ID, models.JobStatusError, 3)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusError, got.Status)
}

// --- Item metrics Tests ---

func TestMetrics_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	_, err := s.GetItemMetrics(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetrics_TrainerUpsertCreatesRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	jobID := uuid.New()
	err := s.UpsertTrainerMetrics(ctx, 7, jobID, &models.TrainerResult{MAPE: 0.08, DirectionalAccuracy: 0.81})
	require.NoError(t, err)

	m, err := s.GetItemMetrics(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, m.MAPE, 1e-9)
	assert.InDelta(t, 0.81, m.DirectionalAccuracy, 1e-9)
	require.NotNil(t, m.LastTrainerJobID)
	assert.Equal(t, jobID, *m.LastTrainerJobID)
	assert.NotNil(t, m.LastTrainedAt)
	// Forecaster fields stay zero until a forecast lands.
	assert.Zero(t, m.Forecast)
	assert.Nil(t, m.LastForecastJobID)
	assert.Nil(t, m.LastForecastedAt)
}

func TestMetrics_ForecasterUpsertCreatesRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	jobID := uuid.New()
	err := s.UpsertForecasterMetrics(ctx, 9, jobID, &models.ForecasterResult{
		CV:            0.12,
		Forecast:      210,
		DailyForecast: 30,
		ReorderPoint:  55,
		SafetyStock:   18,
		Category:      "AX",
		ServiceLevel:  0.95,
		TrendFactor:   1.1,
	})
	require.NoError(t, err)

	m, err := s.GetItemMetrics(ctx, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, m.CV, 1e-9)
	assert.InDelta(t, 210, m.Forecast, 1e-9)
	assert.InDelta(t, 30, m.DailyForecast, 1e-9)
	assert.InDelta(t, 55, m.ReorderPoint, 1e-9)
	assert.Equal(t, "AX", m.Category)
	require.NotNil(t, m.LastForecastJobID)
	assert.Equal(t, jobID, *m.LastForecastJobID)
	assert.NotNil(t, m.LastForecastedAt)
	// Trainer fields untouched.
	assert.Zero(t, m.MAPE)
	assert.Nil(t, m.LastTrainerJobID)
}

func TestMetrics_UpsertsMergeIndependently(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)
	ctx := context.Background()

	trainJob := uuid.New()
	require.NoError(t, s.UpsertTrainerMetrics(ctx, 5, trainJob,
		&models.TrainerResult{MAPE: 0.15, DirectionalAccuracy: 0.7}))

	forecastJob := uuid.New()
	require.NoError(t, s.UpsertForecasterMetrics(ctx, 5, forecastJob,
		&models.ForecasterResult{CV: 0.2, Forecast: 100, DailyForecast: 14, Category: "BY"}))

	// A second training pass updates trainer fields without clobbering the forecast.
	retrain := uuid.New()
	require.NoError(t, s.UpsertTrainerMetrics(ctx, 5, retrain,
		&models.TrainerResult{MAPE: 0.09, DirectionalAccuracy: 0.83}))

	m, err := s.GetItemMetrics(ctx, 5)
	require.NoError(t, err)
	assert.InDelta(t, 0.09, m.MAPE, 1e-9)
	assert.InDelta(t, 0.83, m.DirectionalAccuracy, 1e-9)
	require.NotNil(t, m.LastTrainerJobID)
	assert.Equal(t, retrain, *m.LastTrainerJobID)
	assert.InDelta(t, 100, m.Forecast, 1e-9)
	assert.Equal(t, "BY", m.Category)
	require.NotNil(t, m.LastForecastJobID)
	assert.Equal(t, forecastJob, *m.LastForecastJobID)
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	pool := setupTestDB(t)
	s := store.NewPostgresStore(pool)

	err := s.Ping(context.Background())
	assert.NoError(t, err)
}
