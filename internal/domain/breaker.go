package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BreakerStatus is the circuit breaker state.
type BreakerStatus string

const (
	BreakerActive              BreakerStatus = "active"
	BreakerTripped             BreakerStatus = "tripped"
	BreakerManualResetRequired BreakerStatus = "manual_reset_required"
)

// CircuitBreakerState is the persisted daily-loss breaker state. Threshold is
// a negative amount in account currency; the breaker trips when DailyPnL()
// falls to or below it.
type CircuitBreakerState struct {
	Date          string // trading day, YYYY-MM-DD in the breaker's timezone
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Status        BreakerStatus
	Threshold     decimal.Decimal
	ResetToken    string
	Reason        string
	TrippedAt     *time.Time
	UpdatedAt     time.Time
}

// DailyPnL returns realized plus unrealized P&L for the day.
func (s CircuitBreakerState) DailyPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.UnrealizedPnL)
}

// Breached reports whether the daily P&L is at or beyond the threshold.
func (s CircuitBreakerState) Breached() bool {
	return s.DailyPnL().LessThanOrEqual(s.Threshold)
}

// Public returns the state with the reset token removed.
func (s CircuitBreakerState) Public() CircuitBreakerState {
	s.ResetToken = ""
	return s
}
