package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingSignal is a validated trade proposal from the decision engine. Either
// Quantity or CapitalPct sizes the trade; Quantity wins when both are set.
type TradingSignal struct {
	ID         string              `json:"id"`
	Source     string              `json:"source"`
	Symbol     string              `json:"symbol"`
	Side       Side                `json:"side"`
	Quantity   decimal.Decimal     `json:"quantity"`
	CapitalPct decimal.Decimal     `json:"capital_pct"`
	Price      decimal.Decimal     `json:"price"` // reference price for sizing
	StopLoss   decimal.Decimal     `json:"stop_loss"`
	TakeProfit decimal.NullDecimal `json:"take_profit"`
	Leverage   decimal.Decimal     `json:"leverage"`
	Reason     string              `json:"reason,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// PriceSnapshot is the market-data collaborator's last price for a symbol.
type PriceSnapshot struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// Age returns how old the snapshot is relative to now.
func (p PriceSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}
