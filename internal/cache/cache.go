package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// How long a mirrored job status lives. Longer than the retry window so a
// poller sees the final state of an exhausted job.
const jobStatusTTL = 48 * time.Hour

// Cache mirrors job status for cheap external polling. The Postgres ledger
// stays the source of truth; every cache write is best-effort.
// Implementations must be safe for concurrent use.
type Cache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (models.JobStatus, bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error {
	return c.client.Set(ctx, JobStatusKey(jobID), string(status), jobStatusTTL).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (models.JobStatus, bool, error) {
	val, err := c.client.Get(ctx, JobStatusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.JobStatus(val), true, nil
}
