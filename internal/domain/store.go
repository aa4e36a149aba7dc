package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the local position ledger.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	// Transition moves a position from one of the from statuses to to. It
	// returns ErrStatusConflict if the current status is not in from.
	Transition(ctx context.Context, id string, from []PositionStatus, to PositionStatus) error
	// UpdateQuantity sets the quantity if the current status is in from.
	UpdateQuantity(ctx context.Context, id string, qty decimal.Decimal, from []PositionStatus) error
	// SetStopOrder records the resting exchange stop of a non-terminal position.
	SetStopOrder(ctx context.Context, id, orderID string) error
	MarkClosed(ctx context.Context, id string, exitPrice, realizedPnL decimal.Decimal) error
	GetByID(ctx context.Context, id string) (Position, error)
	// ListOpen returns positions in opening, open or closing status.
	ListOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// OrderStore persists orders sent by the executor.
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetByClientID(ctx context.Context, clientOrderID string) (Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
}

// ExecutionStore persists execution results for audit.
type ExecutionStore interface {
	Insert(ctx context.Context, res ExecutionResult) error
	ListBetween(ctx context.Context, from, to time.Time) ([]ExecutionResult, error)
}

// BreakerStore persists the circuit breaker state.
type BreakerStore interface {
	Load(ctx context.Context) (CircuitBreakerState, error)
	Save(ctx context.Context, state CircuitBreakerState) error
}

// ReconciliationStore persists reconciliation runs and their results.
type ReconciliationStore interface {
	SaveRun(ctx context.Context, run ReconciliationRun) error
	ListRuns(ctx context.Context, opts ListOpts) ([]ReconciliationRun, error)
	ListResultsBetween(ctx context.Context, from, to time.Time) ([]ReconciliationResult, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
