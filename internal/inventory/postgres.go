package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/PeRaDi/vitalflow-backend/pkg/models"
)

// Transaction type ids in the collaborator's stock_transactions table.
const (
	txTypeStockIn     = 1
	txTypeConsumption = 2
)

// PostgresInventory implements Directory and ConsumptionSource against the
// collaborator-owned items and stock_transactions tables.
type PostgresInventory struct {
	pool *pgxpool.Pool
}

func NewPostgresInventory(pool *pgxpool.Pool) *PostgresInventory {
	return &PostgresInventory{pool: pool}
}

func (s *PostgresInventory) FindItem(ctx context.Context, id int) (*Item, error) {
	var it Item
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, active FROM items WHERE id = $1`, id,
	).Scan(&it.ID, &it.Name, &it.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return &it, nil
}

func (s *PostgresInventory) ListActiveItems(ctx context.Context) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, active FROM items WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.Active); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresInventory) ConsumptionBetween(ctx context.Context, itemID int, start, end time.Time) ([]models.ConsumptionSample, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT created_at::date AS date, SUM(quantity) AS quantity
		 FROM stock_transactions
		 WHERE item_id = $1
		   AND transaction_type_id = $2
		   AND created_at >= $3
		   AND created_at <= $4
		 GROUP BY date
		 ORDER BY date ASC`,
		itemID, txTypeConsumption, start, end)
	if err != nil {
		return nil, fmt.Errorf("consumption between: %w", err)
	}
	defer rows.Close()

	var samples []models.ConsumptionSample
	for rows.Next() {
		s := models.ConsumptionSample{ItemID: itemID}
		if err := rows.Scan(&s.Date, &s.Quantity); err != nil {
			return nil, fmt.Errorf("scan consumption sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

func (s *PostgresInventory) ConsumedToday(ctx context.Context, itemID int) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)
		 FROM stock_transactions
		 WHERE item_id = $1
		   AND transaction_type_id = $2
		   AND created_at::date = CURRENT_DATE`,
		itemID, txTypeConsumption).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("consumed today: %w", err)
	}
	return total, nil
}

func (s *PostgresInventory) CurrentStock(ctx context.Context, itemID int) (float64, error) {
	var stock float64
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN transaction_type_id = $2 THEN quantity ELSE 0 END), 0) -
		   COALESCE(SUM(CASE WHEN transaction_type_id = $3 THEN quantity ELSE 0 END), 0)
		 FROM stock_transactions
		 WHERE item_id = $1`,
		itemID, txTypeStockIn, txTypeConsumption).Scan(&stock)
	if err != nil {
		return 0, fmt.Errorf("current stock: %w", err)
	}
	return stock, nil
}
