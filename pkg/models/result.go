package models

import "encoding/json"

// notFoundSentinel marks a completion whose worker had no usable data.
const notFoundSentinel = "NOT_FOUND"

// ResultEnvelope is the wire shape on the trainer-results and
// forecaster-results queues: {job_id, result: {success, data?, error?}}.
type ResultEnvelope struct {
	JobID  string        `json:"job_id"`
	Result *WorkerResult `json:"result"`
}

// WorkerResult is the outcome half of a completion message. Data is decoded
// per queue kind only after the envelope itself validates.
type WorkerResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NoData reports whether the result carries the no-usable-data sentinel,
// either as the error string or as a status field inside the payload.
func (r *WorkerResult) NoData() bool {
	if r.Error == notFoundSentinel {
		return true
	}
	if len(r.Data) == 0 {
		return false
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(r.Data, &probe); err != nil {
		return false
	}
	return probe.Status == notFoundSentinel
}

// TrainerResult is the payload of a successful trainer completion.
type TrainerResult struct {
	MAPE                float64 `json:"mape"`
	DirectionalAccuracy float64 `json:"directional_accuracy"`
}

// ForecasterResult is the payload of a successful forecaster completion.
// Field names follow the worker's wire format.
type ForecasterResult struct {
	CV            float64 `json:"cv"`
	Forecast      float64 `json:"ai_forecast"`
	DailyForecast float64 `json:"daily_forecast"`
	ReorderPoint  float64 `json:"reorder_point"`
	SafetyStock   float64 `json:"safety_stock"`
	Category      string  `json:"abc_xyz_category"`
	ServiceLevel  float64 `json:"service_level"`
	TrendFactor   float64 `json:"trend_factor"`
}
