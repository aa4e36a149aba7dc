package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// PositionStore implements domain.PositionStore. Status changes are
// conditional updates so concurrent closers cannot both win.
type PositionStore struct {
	pool *pgxpool.Pool
}

var _ domain.PositionStore = (*PositionStore)(nil)

// NewPositionStore creates a PositionStore on pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, symbol, side, quantity, entry_price, leverage,
	stop_loss, take_profit, status, stop_order_id, signal_id, realized_pnl,
	exit_price, opened_at, updated_at, closed_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	err := row.Scan(
		&p.ID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.Leverage,
		&p.StopLoss, &p.TakeProfit, &status, &p.StopOrderID, &p.SignalID, &p.RealizedPnL,
		&p.ExitPrice, &p.OpenedAt, &p.UpdatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func collectPositions(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func statusStrings(ss []domain.PositionStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, symbol, side, quantity, entry_price, leverage,
			stop_loss, take_profit, status, stop_order_id, signal_id, realized_pnl,
			exit_price, opened_at, updated_at, closed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, COALESCE($14, NOW()), NOW(), $15
		)
		ON CONFLICT (id) DO NOTHING`

	var openedAt any
	if !p.OpenedAt.IsZero() {
		openedAt = p.OpenedAt
	}
	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Symbol, string(p.Side), p.Quantity, p.EntryPrice, p.Leverage,
		p.StopLoss, p.TakeProfit, string(p.Status), p.StopOrderID, p.SignalID, p.RealizedPnL,
		p.ExitPrice, openedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, domain.ErrAlreadyExists)
	}
	return nil
}

// Update replaces the mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			quantity      = $2,
			entry_price   = $3,
			leverage      = $4,
			stop_loss     = $5,
			take_profit   = $6,
			status        = $7,
			stop_order_id = $8,
			realized_pnl  = $9,
			exit_price    = $10,
			closed_at     = $11,
			updated_at    = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Quantity, p.EntryPrice, p.Leverage,
		p.StopLoss, p.TakeProfit, string(p.Status), p.StopOrderID,
		p.RealizedPnL, p.ExitPrice, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// Transition moves a position from one of from to to in one statement.
func (s *PositionStore) Transition(ctx context.Context, id string, from []domain.PositionStatus, to domain.PositionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET status = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($2::text[])`,
		id, statusStrings(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("postgres: transition position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "transition to "+string(to))
	}
	return nil
}

// UpdateQuantity sets the quantity while the status is one of from.
func (s *PositionStore) UpdateQuantity(ctx context.Context, id string, qty decimal.Decimal, from []domain.PositionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET quantity = $3, updated_at = NOW()
		 WHERE id = $1 AND status = ANY($2::text[])`,
		id, statusStrings(from), qty,
	)
	if err != nil {
		return fmt.Errorf("postgres: update quantity %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "update quantity")
	}
	return nil
}

// SetStopOrder records the resting stop of a live position.
func (s *PositionStore) SetStopOrder(ctx context.Context, id, orderID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET stop_order_id = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('opening', 'open', 'closing')`,
		id, orderID,
	)
	if err != nil {
		return fmt.Errorf("postgres: set stop order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "set stop order")
	}
	return nil
}

// MarkClosed closes a live position with its exit price and realized P&L.
func (s *PositionStore) MarkClosed(ctx context.Context, id string, exitPrice, realizedPnL decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET
			status       = 'closed',
			exit_price   = $2,
			realized_pnl = $3,
			closed_at    = NOW(),
			updated_at   = NOW()
		 WHERE id = $1 AND status IN ('opening', 'open', 'closing')`,
		id, exitPrice, realizedPnL,
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, id, "close")
	}
	return nil
}

// missOrConflict explains why a conditional update touched no row.
func (s *PositionStore) missOrConflict(ctx context.Context, id, op string) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s position %s: %w", op, id, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("postgres: %s position %s: %w", op, id, err)
	}
	return fmt.Errorf("postgres: %s position %s (%s): %w", op, id, status, domain.ErrStatusConflict)
}

// GetByID returns one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns positions in opening, open or closing status, oldest first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status IN ('opening', 'open', 'closing')
		 ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListHistory returns terminal positions, most recently updated first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	q := newListQuery(`SELECT ` + positionSelectCols + ` FROM positions
		WHERE status IN ('closed', 'liquidated')`).
		window("updated_at", opts).
		order("updated_at DESC").
		page(opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	positions, err := collectPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return positions, nil
}
