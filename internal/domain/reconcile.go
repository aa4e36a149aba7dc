package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DiscrepancyType classifies a difference between the local ledger and the
// exchange.
type DiscrepancyType string

const (
	DiscrepancyNone              DiscrepancyType = "none"
	DiscrepancyMissingLocally    DiscrepancyType = "missing_locally"
	DiscrepancyMissingOnExchange DiscrepancyType = "missing_on_exchange"
	DiscrepancyQuantityMismatch  DiscrepancyType = "quantity_mismatch"
	DiscrepancySideMismatch      DiscrepancyType = "side_mismatch"
)

// ReconciliationResult is one classified finding. A side mismatch is never
// auto-corrected.
type ReconciliationResult struct {
	ID                string
	RunID             string
	PositionID        string // empty for missing_locally
	Symbol            string
	Type              DiscrepancyType
	LocalQuantity     decimal.Decimal
	ExchangeQuantity  decimal.Decimal
	Magnitude         decimal.Decimal // relative difference, 0.01 == 1%
	CorrectionApplied bool
	Correction        string
	NeedsReview       bool
	Critical          bool
	CreatedAt         time.Time
}

// ReconciliationRun is the audit record persisted for every run.
type ReconciliationRun struct {
	ID         string
	Trigger    string // "interval", "order", "manual", "startup"
	StartedAt  time.Time
	FinishedAt time.Time
	Checked    int
	Skipped    int
	Results    []ReconciliationResult
	Error      string
}

// Discrepancies counts results other than none.
func (r ReconciliationRun) Discrepancies() int {
	n := 0
	for _, res := range r.Results {
		if res.Type != DiscrepancyNone {
			n++
		}
	}
	return n
}
