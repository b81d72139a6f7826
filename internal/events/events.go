// Package events is the typed in-process event channel between the job
// pipeline and its non-mutating subscribers. It replaces ambient global
// event emitters with an explicitly wired bus.
package events

import (
	"time"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// Event is the interface for all domain events.
type Event interface {
	eventMarker()
}

// JobSucceeded is emitted once per job that reaches SUCCESS, carrying the
// finished job row. Redelivered completions do not re-emit it.
type JobSucceeded struct {
	Job       *models.Job
	Timestamp time.Time
}

func (*JobSucceeded) eventMarker() {}

// ItemConsumed is emitted by the stock-transaction collaborator whenever
// consumption is booked for an item.
type ItemConsumed struct {
	ItemID    int
	Quantity  float64
	Timestamp time.Time
}

func (*ItemConsumed) eventMarker() {}
