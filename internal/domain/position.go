package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntryOrderSide returns the order side that opens a position of this side.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that reduces a position of this side.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// PositionStatus tracks the lifecycle of a position.
type PositionStatus string

const (
	PositionStatusOpening    PositionStatus = "opening"
	PositionStatusOpen       PositionStatus = "open"
	PositionStatusClosing    PositionStatus = "closing"
	PositionStatusClosed     PositionStatus = "closed"
	PositionStatusLiquidated PositionStatus = "liquidated"
)

// Terminal reports whether no further transitions are possible.
func (s PositionStatus) Terminal() bool {
	return s == PositionStatusClosed || s == PositionStatusLiquidated
}

// Position is a locally tracked leveraged position. Quantities and prices are
// fixed-point decimals.
type Position struct {
	ID          string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	EntryPrice  decimal.Decimal
	Leverage    decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.NullDecimal
	Status      PositionStatus
	StopOrderID string // native exchange stop, empty when none is resting
	SignalID    string
	RealizedPnL decimal.Decimal
	ExitPrice   decimal.NullDecimal
	OpenedAt    time.Time
	UpdatedAt   time.Time
	ClosedAt    *time.Time
}

// Notional returns quantity times entry price.
func (p Position) Notional() decimal.Decimal {
	return p.Quantity.Mul(p.EntryPrice)
}

// NotionalAt returns quantity times the given mark price.
func (p Position) NotionalAt(price decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(price)
}

// PnLAt returns the unrealized profit (negative for a loss) at the given price.
func (p Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == SideShort {
		diff = diff.Neg()
	}
	return diff.Mul(p.Quantity)
}

// LossPctAt returns the unrealized loss as a percentage of posted margin
// (adverse move / entry * leverage * 100). Profits yield a negative value.
func (p Position) LossPctAt(price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := p.EntryPrice.Sub(price)
	if p.Side == SideShort {
		move = move.Neg()
	}
	lev := p.Leverage
	if lev.LessThanOrEqual(decimal.Zero) {
		lev = decimal.NewFromInt(1)
	}
	return move.Div(p.EntryPrice).Mul(lev).Mul(decimal.NewFromInt(100))
}

// StopCrossed reports whether price is at or beyond the stop level.
func (p Position) StopCrossed(price decimal.Decimal) bool {
	if p.StopLoss.IsZero() {
		return false
	}
	if p.Side == SideShort {
		return price.GreaterThanOrEqual(p.StopLoss)
	}
	return price.LessThanOrEqual(p.StopLoss)
}

// ExchangePosition is the exchange's authoritative view of a position.
type ExchangePosition struct {
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
	Leverage   decimal.Decimal
	UpdatedAt  time.Time
}

// Balance is the account equity snapshot used for percentage limits.
type Balance struct {
	Equity    decimal.Decimal
	Available decimal.Decimal
	Currency  string
	UpdatedAt time.Time
}
