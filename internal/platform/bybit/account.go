package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// ListPositions returns every non-empty USDT linear position.
func (c *Client) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	body, err := c.call(ctx, opPositions, map[string]interface{}{
		"category":   categoryLinear,
		"settleCoin": settleCoin,
	})
	if err != nil {
		return nil, err
	}
	var list positionList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, malformed(opPositions, "decode positions: %v", err)
	}
	out := make([]domain.ExchangePosition, 0, len(list.List))
	for _, w := range list.List {
		pos, ok, err := toPosition(opPositions, w)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, pos)
		}
	}
	return out, nil
}

// Balance reads the unified trading account.
func (c *Client) Balance(ctx context.Context) (domain.Balance, error) {
	body, err := c.call(ctx, opWallet, map[string]interface{}{
		"accountType": "UNIFIED",
	})
	if err != nil {
		return domain.Balance{}, err
	}
	var w wallet
	if err := json.Unmarshal(body, &w); err != nil {
		return domain.Balance{}, malformed(opWallet, "decode wallet: %v", err)
	}
	if len(w.List) == 0 {
		return domain.Balance{}, malformed(opWallet, "empty wallet list")
	}
	equity, err := num(w.List[0].TotalEquity)
	if err != nil {
		return domain.Balance{}, malformed(opWallet, "equity: %v", err)
	}
	avail, err := num(w.List[0].TotalAvailableBalance)
	if err != nil {
		return domain.Balance{}, malformed(opWallet, "available: %v", err)
	}
	return domain.Balance{
		Equity:    equity,
		Available: avail,
		Currency:  settleCoin,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

// SetLeverage sets buy and sell leverage for symbol. Setting the current
// value again is not an error.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	_, err := c.call(ctx, opSetLeverage, map[string]interface{}{
		"category":     categoryLinear,
		"symbol":       symbol,
		"buyLeverage":  leverage.String(),
		"sellLeverage": leverage.String(),
	})
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.Code == codeLeverageUnchanged {
		return nil
	}
	return err
}

// Ticker returns the last traded price for symbol.
func (c *Client) Ticker(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	body, err := c.call(ctx, opTickers, map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
	})
	if err != nil {
		return domain.PriceSnapshot{}, err
	}
	var t tickers
	if err := json.Unmarshal(body, &t); err != nil {
		return domain.PriceSnapshot{}, malformed(opTickers, "decode tickers: %v", err)
	}
	for _, tk := range t.List {
		if tk.Symbol != symbol {
			continue
		}
		price, err := num(tk.LastPrice)
		if err != nil || !price.IsPositive() {
			return domain.PriceSnapshot{}, malformed(opTickers, "%s last price %q", symbol, tk.LastPrice)
		}
		return domain.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()}, nil
	}
	return domain.PriceSnapshot{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
}

// Price satisfies domain.PriceFeed from the REST ticker.
func (c *Client) Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	return c.Ticker(ctx, symbol)
}
