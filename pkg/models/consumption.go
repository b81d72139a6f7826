package models

import "time"

// ConsumptionSample is one day of aggregated consumption for an item, read
// from the stock-transaction ledger owned by an external collaborator.
type ConsumptionSample struct {
	ItemID   int       `db:"item_id" json:"item_id"`
	Date     time.Time `db:"date"    json:"date"`
	Quantity float64   `db:"quantity" json:"quantity"`
}
