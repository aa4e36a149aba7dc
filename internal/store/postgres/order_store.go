package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates an OrderStore on pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, exchange_order_id, client_order_id, position_id, symbol,
	order_type, side, quantity, price, trigger_price, filled_qty, avg_fill_price,
	status, reduce_only, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var typ, side, status string
	err := row.Scan(
		&o.ID, &o.ExchangeOrderID, &o.ClientOrderID, &o.PositionID, &o.Symbol,
		&typ, &side, &o.Quantity, &o.Price, &o.TriggerPrice, &o.FilledQty, &o.AvgFillPrice,
		&status, &o.ReduceOnly, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Type = domain.OrderType(typ)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Upsert inserts an order or refreshes its exchange-owned fields.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	const query = `
		INSERT INTO orders (
			id, exchange_order_id, client_order_id, position_id, symbol,
			order_type, side, quantity, price, trigger_price, filled_qty, avg_fill_price,
			status, reduce_only, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, $15, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			exchange_order_id = EXCLUDED.exchange_order_id,
			filled_qty        = EXCLUDED.filled_qty,
			avg_fill_price    = EXCLUDED.avg_fill_price,
			status            = EXCLUDED.status,
			updated_at        = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.ExchangeOrderID, o.ClientOrderID, o.PositionID, o.Symbol,
		string(o.Type), string(o.Side), o.Quantity, o.Price, o.TriggerPrice, o.FilledQty, o.AvgFillPrice,
		string(o.Status), o.ReduceOnly, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID returns one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return s.getOne(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id)
}

// GetByClientID returns the order carrying clientOrderID.
func (s *OrderStore) GetByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	return s.getOne(ctx, `SELECT `+orderSelectCols+` FROM orders WHERE client_order_id = $1`, clientOrderID)
}

func (s *OrderStore) getOne(ctx context.Context, query, key string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, query, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: order %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", key, err)
	}
	return o, nil
}

// ListByPosition returns a position's orders, oldest first.
func (s *OrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE position_id = $1 ORDER BY created_at`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for %s: %w", positionID, err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
