package models

import (
	"time"

	"github.com/google/uuid"
)

// ItemMetrics is the per-item model state produced by the external workers.
// A row is created on the first successful completion for an item and updated
// in place from then on; it is never deleted. Fields owned by the forecaster
// stay at their zero value until the first forecast completes, and vice versa
// for the trainer, so the timestamps and job ids are nullable.
type ItemMetrics struct {
	ItemID              int        `db:"item_id"               json:"item_id"`
	MAPE                float64    `db:"mape"                  json:"mape"`
	CV                  float64    `db:"cv"                    json:"cv"`
	Forecast            float64    `db:"forecast"              json:"forecast"`
	DailyForecast       float64    `db:"daily_forecast"        json:"daily_forecast"`
	ReorderPoint        float64    `db:"reorder_point"         json:"reorder_point"`
	SafetyStock         float64    `db:"safety_stock"          json:"safety_stock"`
	Category            string     `db:"category"              json:"category"`
	ServiceLevel        float64    `db:"service_level"         json:"service_level"`
	DirectionalAccuracy float64    `db:"directional_accuracy"  json:"directional_accuracy"`
	TrendFactor         float64    `db:"trend_factor"          json:"trend_factor"`
	LastTrainerJobID    *uuid.UUID `db:"last_trainer_job_id"   json:"last_trainer_job_id,omitempty"`
	LastForecastJobID   *uuid.UUID `db:"last_forecast_job_id"  json:"last_forecast_job_id,omitempty"`
	LastTrainedAt       *time.Time `db:"last_trained_at"       json:"last_trained_at,omitempty"`
	LastForecastedAt    *time.Time `db:"last_forecasted_at"    json:"last_forecasted_at,omitempty"`
}
