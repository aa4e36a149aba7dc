// Package risk implements the pre-trade risk validator. Validation is a pure
// function of the signal, a portfolio snapshot and the circuit breaker state;
// it performs no I/O and is safe to call speculatively.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Reason is a typed rejection code.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonBreakerNotActive    Reason = "breaker_not_active"
	ReasonMaxPositions        Reason = "max_positions_reached"
	ReasonMissingStopLoss     Reason = "missing_stop_loss"
	ReasonInvalidSize         Reason = "invalid_size"
	ReasonPositionTooLarge    Reason = "position_too_large"
	ReasonExposureExceeded    Reason = "exposure_exceeded"
	ReasonLeverageOutOfBounds Reason = "leverage_out_of_bounds"
)

var hundred = decimal.NewFromInt(100)

// LeverageBounds is an inclusive [Min, Max] leverage range.
type LeverageBounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Contains reports whether lev lies inside the bounds.
func (b LeverageBounds) Contains(lev decimal.Decimal) bool {
	return lev.GreaterThanOrEqual(b.Min) && lev.LessThanOrEqual(b.Max)
}

// Limits holds the configured risk limits. Percentages are of capital.
type Limits struct {
	MaxOpenPositions int
	MaxPositionPct   decimal.Decimal
	MaxExposurePct   decimal.Decimal
	DefaultLeverage  LeverageBounds
	SymbolLeverage   map[string]LeverageBounds
}

// LeverageFor returns the bounds for symbol, falling back to the default.
func (l Limits) LeverageFor(symbol string) LeverageBounds {
	if b, ok := l.SymbolLeverage[symbol]; ok {
		return b
	}
	return l.DefaultLeverage
}

// Portfolio is the snapshot the validator reasons about.
type Portfolio struct {
	Capital   decimal.Decimal
	Positions []domain.Position
	// Marks optionally prices exposure at current marks instead of entry.
	Marks map[string]decimal.Decimal
}

// OpenCount returns the number of positions that still hold risk.
func (p Portfolio) OpenCount() int {
	n := 0
	for _, pos := range p.Positions {
		if !pos.Status.Terminal() {
			n++
		}
	}
	return n
}

// Exposure returns the summed notional of non-terminal positions.
func (p Portfolio) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.Positions {
		if pos.Status.Terminal() {
			continue
		}
		if mark, ok := p.Marks[pos.Symbol]; ok && mark.IsPositive() {
			total = total.Add(pos.NotionalAt(mark))
			continue
		}
		total = total.Add(pos.Notional())
	}
	return total
}

// AcceptToken is returned for an accepted signal and carries the sizing the
// validator approved.
type AcceptToken struct {
	SignalID         string
	Symbol           string
	Side             domain.Side
	Quantity         decimal.Decimal
	Notional         decimal.Decimal
	Leverage         decimal.Decimal
	ExposureAfterPct decimal.Decimal
}

// Decision is the validator's typed result.
type Decision struct {
	Accepted bool
	Reason   Reason
	Detail   string
	Token    AcceptToken
}

// Rejection is the error form of a rejected decision.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: rejected (%s): %s", r.Reason, r.Detail)
}

// Err returns nil for accepted decisions and a *Rejection otherwise.
func (d Decision) Err() error {
	if d.Accepted {
		return nil
	}
	return &Rejection{Reason: d.Reason, Detail: d.Detail}
}

func reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Validator applies Limits to signals.
type Validator struct {
	limits Limits
}

// NewValidator creates a Validator for the given limits.
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Limits returns the configured limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate runs the checks in order and stops at the first failure:
// breaker active, open-position count, stop-loss present, single-position
// size, total exposure, leverage bounds.
func (v *Validator) Validate(sig domain.TradingSignal, pf Portfolio, breaker domain.CircuitBreakerState) Decision {
	lim := v.limits

	if breaker.Status != domain.BreakerActive {
		return reject(ReasonBreakerNotActive, "circuit breaker is %s", breaker.Status)
	}

	if open := pf.OpenCount(); lim.MaxOpenPositions > 0 && open >= lim.MaxOpenPositions {
		return reject(ReasonMaxPositions, "%d open positions, max %d", open, lim.MaxOpenPositions)
	}

	if !sig.StopLoss.IsPositive() {
		return reject(ReasonMissingStopLoss, "signal %s has no stop-loss", sig.ID)
	}

	qty, notional, ok := size(sig, pf.Capital)
	if !ok || !pf.Capital.IsPositive() {
		return reject(ReasonInvalidSize, "cannot size signal %s (capital %s)", sig.ID, pf.Capital)
	}

	positionPct := notional.Div(pf.Capital).Mul(hundred)
	if positionPct.GreaterThan(lim.MaxPositionPct) {
		return reject(ReasonPositionTooLarge, "position %s%% of capital exceeds max %s%%",
			positionPct.StringFixed(2), lim.MaxPositionPct)
	}

	exposureAfter := pf.Exposure().Add(notional)
	exposurePct := exposureAfter.Div(pf.Capital).Mul(hundred)
	if exposurePct.GreaterThan(lim.MaxExposurePct) {
		return reject(ReasonExposureExceeded, "exposure exceeded: %s%% after trade, max %s%%",
			exposurePct.StringFixed(2), lim.MaxExposurePct)
	}

	bounds := lim.LeverageFor(sig.Symbol)
	if !bounds.Contains(sig.Leverage) {
		return reject(ReasonLeverageOutOfBounds, "leverage %s outside [%s, %s] for %s",
			sig.Leverage, bounds.Min, bounds.Max, sig.Symbol)
	}

	return Decision{
		Accepted: true,
		Token: AcceptToken{
			SignalID:         sig.ID,
			Symbol:           sig.Symbol,
			Side:             sig.Side,
			Quantity:         qty,
			Notional:         notional,
			Leverage:         sig.Leverage,
			ExposureAfterPct: exposurePct,
		},
	}
}

// size resolves the signal's quantity and notional. An explicit quantity wins
// over a capital percentage.
func size(sig domain.TradingSignal, capital decimal.Decimal) (qty, notional decimal.Decimal, ok bool) {
	if !sig.Price.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	switch {
	case sig.Quantity.IsPositive():
		return sig.Quantity, sig.Quantity.Mul(sig.Price), true
	case sig.CapitalPct.IsPositive():
		notional = capital.Mul(sig.CapitalPct).Div(hundred)
		return notional.DivRound(sig.Price, 8), notional, true
	}
	return decimal.Zero, decimal.Zero, false
}
