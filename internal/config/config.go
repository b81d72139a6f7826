package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the VitalFlow AI monitor.
type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Broker    BrokerConfig
	Monitor   MonitorConfig
	Reconcile ReconcileConfig
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type BrokerConfig struct {
	URL    string
	Queues QueueConfig
}

// QueueConfig names the four broker destinations: two work queues consumed by
// the external workers and two result queues consumed by this service.
type QueueConfig struct {
	Trainer           string
	Forecaster        string
	TrainerResults    string
	ForecasterResults string
}

type MonitorConfig struct {
	SweepCron   string
	Parallelism int
}

type ReconcileConfig struct {
	Interval   time.Duration
	JobTimeout time.Duration
	RetryAge   time.Duration
	MaxRetries int
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Broker: BrokerConfig{
			URL: os.Getenv("RABBITMQ_URL"),
			Queues: QueueConfig{
				Trainer:           envString("RABBITMQ_TRAINER_QUEUE", "trainer"),
				Forecaster:        envString("RABBITMQ_FORECASTER_QUEUE", "forecaster"),
				TrainerResults:    envString("RABBITMQ_TRAINER_RESULTS_QUEUE", "trainer-results"),
				ForecasterResults: envString("RABBITMQ_FORECASTER_RESULTS_QUEUE", "forecaster-results"),
			},
		},
		Monitor: MonitorConfig{
			SweepCron:   envString("MONITOR_SWEEP_CRON", "0 6 * * *"),
			Parallelism: envInt("MONITOR_PARALLELISM", 4),
		},
		Reconcile: ReconcileConfig{
			Interval:   envDuration("RECONCILE_INTERVAL", 5*time.Minute),
			JobTimeout: envDuration("JOB_TIMEOUT", 60*time.Minute),
			RetryAge:   envDuration("JOB_RETRY_AGE", 24*time.Hour),
			MaxRetries: envInt("JOB_MAX_RETRIES", 3),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required")
	}

	if c.Monitor.Parallelism < 1 {
		return fmt.Errorf("MONITOR_PARALLELISM must be at least 1, got %d", c.Monitor.Parallelism)
	}

	if c.Reconcile.MaxRetries < 0 {
		return fmt.Errorf("JOB_MAX_RETRIES must not be negative, got %d", c.Reconcile.MaxRetries)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
