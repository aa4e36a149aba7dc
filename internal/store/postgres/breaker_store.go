package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// BreakerStore implements domain.BreakerStore as a single-row table.
type BreakerStore struct {
	pool *pgxpool.Pool
}

var _ domain.BreakerStore = (*BreakerStore)(nil)

// NewBreakerStore creates a BreakerStore on pool.
func NewBreakerStore(pool *pgxpool.Pool) *BreakerStore {
	return &BreakerStore{pool: pool}
}

// Load returns the saved state or domain.ErrNotFound on first start.
func (s *BreakerStore) Load(ctx context.Context) (domain.CircuitBreakerState, error) {
	var st domain.CircuitBreakerState
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT trading_date, realized_pnl, unrealized_pnl, status, threshold,
			reset_token, reason, tripped_at, updated_at
		FROM breaker_state WHERE id = 1`,
	).Scan(&st.Date, &st.RealizedPnL, &st.UnrealizedPnL, &status, &st.Threshold,
		&st.ResetToken, &st.Reason, &st.TrippedAt, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CircuitBreakerState{}, fmt.Errorf("postgres: breaker state: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.CircuitBreakerState{}, fmt.Errorf("postgres: load breaker state: %w", err)
	}
	st.Status = domain.BreakerStatus(status)
	return st, nil
}

// Save replaces the state.
func (s *BreakerStore) Save(ctx context.Context, st domain.CircuitBreakerState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO breaker_state (
			id, trading_date, realized_pnl, unrealized_pnl, status, threshold,
			reset_token, reason, tripped_at, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			trading_date   = EXCLUDED.trading_date,
			realized_pnl   = EXCLUDED.realized_pnl,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			status         = EXCLUDED.status,
			threshold      = EXCLUDED.threshold,
			reset_token    = EXCLUDED.reset_token,
			reason         = EXCLUDED.reason,
			tripped_at     = EXCLUDED.tripped_at,
			updated_at     = EXCLUDED.updated_at`,
		st.Date, st.RealizedPnL, st.UnrealizedPnL, string(st.Status), st.Threshold,
		st.ResetToken, st.Reason, st.TrippedAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save breaker state: %w", err)
	}
	return nil
}
