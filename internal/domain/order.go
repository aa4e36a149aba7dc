package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the exchange will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderRequest is what a caller asks the exchange to do. The exchange response
// is authoritative; requested values are advisory.
type OrderRequest struct {
	ClientOrderID string
	PositionID    string
	Symbol        string
	Type          OrderType
	Side          OrderSide
	Quantity      decimal.Decimal
	Price         decimal.Decimal // limit price, zero for market
	TriggerPrice  decimal.Decimal // stop trigger, zero otherwise
	ReduceOnly    bool
}

// Order is an exchange order as mapped at the boundary.
type Order struct {
	ID              string
	ExchangeOrderID string
	ClientOrderID   string
	PositionID      string
	Symbol          string
	Type            OrderType
	Side            OrderSide
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	TriggerPrice    decimal.Decimal
	FilledQty       decimal.Decimal
	AvgFillPrice    decimal.Decimal
	Status          OrderStatus
	ReduceOnly      bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Filled reports whether any quantity has executed.
func (o Order) Filled() bool {
	return o.FilledQty.GreaterThan(decimal.Zero)
}
