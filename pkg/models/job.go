package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueKind selects which external worker a job is dispatched to.
type QueueKind string

const (
	QueueTrainer    QueueKind = "TRAINER"
	QueueForecaster QueueKind = "FORECASTER"
)

// JobStatus is the lifecycle state of a dispatched job. PROCESSING is the only
// non-terminal state; SUCCESS is terminal and irreversible, the failure states
// may be retried back to PROCESSING a bounded number of times.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusSuccess    JobStatus = "SUCCESS"
	JobStatusError      JobStatus = "ERROR"
	JobStatusTimeout    JobStatus = "TIMEOUT"
	JobStatusNotFound   JobStatus = "NOT_FOUND"
)

// Terminal reports whether s ends a job's lifecycle (subject to retry for the
// failure states).
func (s JobStatus) Terminal() bool {
	return s != JobStatusProcessing
}

// Job tracks one unit of work dispatched to an external trainer or forecaster.
// The worker reports back asynchronously on a results queue; the ingestor moves
// the row to a terminal state exactly once per dispatch.
type Job struct {
	ID         uuid.UUID       `db:"id"          json:"id"`
	ItemID     int             `db:"item_id"     json:"item_id"`
	Queue      QueueKind       `db:"queue"       json:"queue"`
	Status     JobStatus       `db:"status"      json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Result     json.RawMessage `db:"result"      json:"result,omitempty"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
	ModifiedAt time.Time       `db:"modified_at" json:"modified_at"`
}
