package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// ReconciliationStore implements domain.ReconciliationStore. A run and its
// results are written in one transaction.
type ReconciliationStore struct {
	pool *pgxpool.Pool
}

var _ domain.ReconciliationStore = (*ReconciliationStore)(nil)

// NewReconciliationStore creates a ReconciliationStore on pool.
func NewReconciliationStore(pool *pgxpool.Pool) *ReconciliationStore {
	return &ReconciliationStore{pool: pool}
}

const resultSelectCols = `id, run_id, position_id, symbol, discrepancy,
	local_quantity, exchange_quantity, magnitude, correction_applied, correction,
	needs_review, critical, created_at`

// SaveRun persists run with its results.
func (s *ReconciliationStore) SaveRun(ctx context.Context, run domain.ReconciliationRun) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reconciliation_runs (id, trigger, started_at, finished_at, checked, skipped, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			run.ID, run.Trigger, run.StartedAt, run.FinishedAt, run.Checked, run.Skipped, run.Error,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, r := range run.Results {
			batch.Queue(`
				INSERT INTO reconciliation_results (`+resultSelectCols+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				r.ID, run.ID, r.PositionID, r.Symbol, string(r.Type),
				r.LocalQuantity, r.ExchangeQuantity, r.Magnitude, r.CorrectionApplied, r.Correction,
				r.NeedsReview, r.Critical, r.CreatedAt,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("postgres: save reconciliation run %s: %w", run.ID, err)
	}
	return nil
}

// ListRuns returns runs with their results, newest first.
func (s *ReconciliationStore) ListRuns(ctx context.Context, opts domain.ListOpts) ([]domain.ReconciliationRun, error) {
	q := newListQuery(`SELECT id, trigger, started_at, finished_at, checked, skipped, error
		FROM reconciliation_runs WHERE TRUE`).
		window("started_at", opts).
		order("started_at DESC").
		page(opts)

	rows, err := s.pool.Query(ctx, q.String(), q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.ReconciliationRun
	index := make(map[string]int)
	for rows.Next() {
		var r domain.ReconciliationRun
		if err := rows.Scan(&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.Checked, &r.Skipped, &r.Error); err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation run: %w", err)
		}
		index[r.ID] = len(runs)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation runs: %w", err)
	}
	if len(runs) == 0 {
		return runs, nil
	}

	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	results, err := s.queryResults(ctx,
		`SELECT `+resultSelectCols+` FROM reconciliation_results WHERE run_id = ANY($1::text[]) ORDER BY created_at`, ids)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		i := index[res.RunID]
		runs[i].Results = append(runs[i].Results, res)
	}
	return runs, nil
}

// ListResultsBetween returns results created in [from, to), oldest first.
func (s *ReconciliationStore) ListResultsBetween(ctx context.Context, from, to time.Time) ([]domain.ReconciliationResult, error) {
	return s.queryResults(ctx,
		`SELECT `+resultSelectCols+` FROM reconciliation_results
		 WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`, from, to)
}

func (s *ReconciliationStore) queryResults(ctx context.Context, query string, args ...any) ([]domain.ReconciliationResult, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reconciliation results: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationResult
	for rows.Next() {
		var r domain.ReconciliationResult
		var typ string
		if err := rows.Scan(&r.ID, &r.RunID, &r.PositionID, &r.Symbol, &typ,
			&r.LocalQuantity, &r.ExchangeQuantity, &r.Magnitude, &r.CorrectionApplied, &r.Correction,
			&r.NeedsReview, &r.Critical, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan reconciliation result: %w", err)
		}
		r.Type = domain.DiscrepancyType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}
