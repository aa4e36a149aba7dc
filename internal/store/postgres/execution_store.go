package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore. The order snapshot of
// each execution is kept as JSONB.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

// NewExecutionStore creates an ExecutionStore on pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// Insert records one execution result.
func (s *ExecutionStore) Insert(ctx context.Context, r domain.ExecutionResult) error {
	orderJSON, err := json.Marshal(r.Order)
	if err != nil {
		return fmt.Errorf("postgres: marshal execution order: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO executions (
			id, operation, symbol, order_data, latency_ms, attempts, success, error, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Operation, r.Order.Symbol, orderJSON, r.Latency.Milliseconds(),
		r.Attempts, r.Success, r.Error, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", r.ID, err)
	}
	return nil
}

// ListBetween returns results recorded in [from, to), oldest first.
func (s *ExecutionStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.ExecutionResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation, order_data, latency_ms, attempts, success, error, recorded_at
		FROM executions
		WHERE recorded_at >= $1 AND recorded_at < $2
		ORDER BY recorded_at`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionResult
	for rows.Next() {
		var r domain.ExecutionResult
		var orderJSON []byte
		var latencyMS int64
		if err := rows.Scan(&r.ID, &r.Operation, &orderJSON, &latencyMS,
			&r.Attempts, &r.Success, &r.Error, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		if err := json.Unmarshal(orderJSON, &r.Order); err != nil {
			return nil, fmt.Errorf("postgres: decode execution %s order: %w", r.ID, err)
		}
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}
