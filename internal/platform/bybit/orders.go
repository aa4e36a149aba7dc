package bybit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Bybit triggerDirection values.
const (
	triggerRising  = 1
	triggerFalling = 2
)

// PlaceOrder submits req. The venue acknowledges with ids only, so the
// returned order carries the request fields and status pending.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	params, err := orderParams(req)
	if err != nil {
		return domain.Order{}, err
	}
	body, err := c.call(ctx, opPlaceOrder, params)
	if err != nil {
		return domain.Order{}, err
	}
	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return domain.Order{}, malformed(opPlaceOrder, "decode ack: %v", err)
	}
	if ack.OrderID == "" {
		return domain.Order{}, malformed(opPlaceOrder, "ack without orderId")
	}
	return domain.Order{
		ExchangeOrderID: ack.OrderID,
		ClientOrderID:   req.ClientOrderID,
		PositionID:      req.PositionID,
		Symbol:          req.Symbol,
		Type:            req.Type,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Status:          domain.OrderStatusPending,
		ReduceOnly:      req.ReduceOnly,
	}, nil
}

func orderParams(req domain.OrderRequest) (map[string]interface{}, error) {
	if req.Symbol == "" || !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("bybit: %s: %w: symbol and positive quantity required", opPlaceOrder, domain.ErrInvalidOrder)
	}
	params := map[string]interface{}{
		"category":    categoryLinear,
		"symbol":      req.Symbol,
		"side":        wireSide(req.Side),
		"qty":         req.Quantity.String(),
		"positionIdx": oneWayIdx,
		"orderLinkId": req.ClientOrderID,
	}
	switch req.Type {
	case domain.OrderTypeMarket:
		params["orderType"] = "Market"
	case domain.OrderTypeLimit:
		params["orderType"] = "Limit"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	case domain.OrderTypeStopMarket:
		// A sell stop protects a long and fires on a falling price.
		params["orderType"] = "Market"
		params["triggerPrice"] = req.TriggerPrice.String()
		params["triggerBy"] = "LastPrice"
		params["closeOnTrigger"] = true
		if req.Side == domain.OrderSideSell {
			params["triggerDirection"] = triggerFalling
		} else {
			params["triggerDirection"] = triggerRising
		}
	default:
		return nil, fmt.Errorf("bybit: %s: %w: order type %q", opPlaceOrder, domain.ErrInvalidOrder, req.Type)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	return params, nil
}

// CancelOrder cancels an open order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.call(ctx, opCancelOrder, map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
		"orderId":  orderID,
	})
	return err
}

// GetOrder looks in open orders first and falls back to order history.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (domain.Order, error) {
	params := map[string]interface{}{
		"category": categoryLinear,
		"symbol":   symbol,
	}
	if orderID != "" {
		params["orderId"] = orderID
	} else {
		params["orderLinkId"] = clientOrderID
	}

	for _, op := range []string{opOpenOrders, opOrderHistory} {
		order, found, err := c.findOrder(ctx, op, params)
		if err != nil {
			return domain.Order{}, err
		}
		if found {
			return order, nil
		}
	}
	return domain.Order{}, fmt.Errorf("bybit: order %s%s: %w", orderID, clientOrderID, domain.ErrNotFound)
}

func (c *Client) findOrder(ctx context.Context, op string, params map[string]interface{}) (domain.Order, bool, error) {
	body, err := c.call(ctx, op, params)
	if err != nil {
		return domain.Order{}, false, err
	}
	var list orderList
	if err := json.Unmarshal(body, &list); err != nil {
		return domain.Order{}, false, malformed(op, "decode orders: %v", err)
	}
	if len(list.List) == 0 {
		return domain.Order{}, false, nil
	}
	order, err := toOrder(op, list.List[0])
	if err != nil {
		return domain.Order{}, false, err
	}
	return order, true, nil
}
