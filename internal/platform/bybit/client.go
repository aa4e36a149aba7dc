// Package bybit implements domain.Exchange on the Bybit v5 unified REST API
// for USDT linear perpetuals in one-way position mode.
package bybit

import (
	"context"
	"fmt"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

const (
	categoryLinear = "linear"
	settleCoin     = "USDT"
	oneWayIdx      = 0
	demoURL        = "https://api-demo.bybit.com"
)

// Operations understood by a transport.
const (
	opPlaceOrder   = "place_order"
	opCancelOrder  = "cancel_order"
	opOpenOrders   = "open_orders"
	opOrderHistory = "order_history"
	opPositions    = "positions"
	opWallet       = "wallet"
	opSetLeverage  = "set_leverage"
	opTickers      = "tickers"
)

// Config selects the environment and credentials.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // overrides the environment when set
	Testnet   bool
	Demo      bool
}

func (c Config) baseURL() string {
	switch {
	case c.BaseURL != "":
		return c.BaseURL
	case c.Demo:
		return demoURL
	case c.Testnet:
		return bybit_api.TESTNET
	default:
		return bybit_api.MAINNET
	}
}

// transport issues one v5 request and returns the SDK's response value.
type transport interface {
	Do(ctx context.Context, op string, params map[string]interface{}) (any, error)
}

type sdkTransport struct {
	http *bybit_api.Client
}

func (t sdkTransport) Do(ctx context.Context, op string, params map[string]interface{}) (any, error) {
	svc := t.http.NewUtaBybitServiceWithParams(params)
	switch op {
	case opPlaceOrder:
		return svc.PlaceOrder(ctx)
	case opCancelOrder:
		return svc.CancelOrder(ctx)
	case opOpenOrders:
		return svc.GetOpenOrders(ctx)
	case opOrderHistory:
		return svc.GetOrderHistory(ctx)
	case opPositions:
		return svc.GetPositionList(ctx)
	case opWallet:
		return svc.GetAccountWallet(ctx)
	case opSetLeverage:
		return svc.SetPositionLeverage(ctx)
	case opTickers:
		return svc.GetMarketTickers(ctx)
	}
	return nil, fmt.Errorf("bybit: unknown operation %q", op)
}

// Client is the Bybit exchange boundary.
type Client struct {
	t   transport
	env string
}

var (
	_ domain.Exchange  = (*Client)(nil)
	_ domain.PriceFeed = (*Client)(nil)
)

// NewClient creates a Client signing requests with the given credentials.
func NewClient(cfg Config) *Client {
	httpClient := bybit_api.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit_api.WithBaseURL(cfg.baseURL()))
	return &Client{t: sdkTransport{http: httpClient}, env: environment(cfg)}
}

func environment(cfg Config) string {
	switch {
	case cfg.Demo:
		return "demo"
	case cfg.Testnet:
		return "testnet"
	default:
		return "mainnet"
	}
}

// Environment names the venue environment: mainnet, testnet or demo.
func (c *Client) Environment() string {
	return c.env
}

// call runs one request and returns the decoded result object.
func (c *Client) call(ctx context.Context, op string, params map[string]interface{}) ([]byte, error) {
	raw, err := c.t.Do(ctx, op, params)
	if err != nil {
		return nil, transportError(op, err)
	}
	return decodeResponse(op, raw)
}
