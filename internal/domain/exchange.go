package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the boundary to a leveraged derivatives venue. Implementations
// map venue payloads into the typed Order and ExchangePosition variants and
// translate venue errors into the sentinel taxonomy in errors.go.
type Exchange interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	// GetOrder looks an order up by exchange id, or by client id when
	// orderID is empty.
	GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (Order, error)
	ListPositions(ctx context.Context) ([]ExchangePosition, error)
	Balance(ctx context.Context) (Balance, error)
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	Ticker(ctx context.Context, symbol string) (PriceSnapshot, error)
}

// PriceFeed is the market-data collaborator consumed by watchdogs and
// reconciliation.
type PriceFeed interface {
	Price(ctx context.Context, symbol string) (PriceSnapshot, error)
}
