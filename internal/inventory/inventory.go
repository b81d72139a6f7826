// Package inventory exposes the read-only collaborator surface this service
// consumes: item lookup, daily consumption history, and current stock. The
// tables behind it belong to the stock-transaction service.
package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

var ErrItemNotFound = errors.New("item not found")

// Item is the subset of the item catalog this service cares about.
type Item struct {
	ID     int    `db:"id"     json:"id"`
	Name   string `db:"name"   json:"name"`
	Active bool   `db:"active" json:"active"`
}

// Directory looks items up in the catalog.
type Directory interface {
	// FindItem returns ErrItemNotFound for unknown ids.
	FindItem(ctx context.Context, id int) (*Item, error)
	ListActiveItems(ctx context.Context) ([]Item, error)
}

// ConsumptionSource reads consumption figures from the stock ledger.
type ConsumptionSource interface {
	// ConsumptionBetween returns daily consumption totals for the item in
	// [start, end], ordered by date ascending. Days without consumption have
	// no sample.
	ConsumptionBetween(ctx context.Context, itemID int, start, end time.Time) ([]models.ConsumptionSample, error)

	// ConsumedToday returns the item's cumulative consumption for the
	// current day.
	ConsumedToday(ctx context.Context, itemID int) (float64, error)

	// CurrentStock returns the item's stock level: inbound minus consumed.
	CurrentStock(ctx context.Context, itemID int) (float64, error)
}
