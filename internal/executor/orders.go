package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

func newID() string { return uuid.NewString() }

// PlaceMarketOrder sends a market order and waits for fill resolution. The
// returned order carries the quantity and price actually filled; the request
// is advisory.
func (e *Executor) PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	req.Type = domain.OrderTypeMarket
	req.Price = decimal.Zero
	req.TriggerPrice = decimal.Zero
	order, err := e.submit(ctx, "place_market", req)
	if err != nil {
		return order, err
	}
	return e.resolveFill(ctx, order)
}

// PlaceLimitOrder sends a resting limit order.
func (e *Executor) PlaceLimitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if !req.Price.IsPositive() {
		return domain.Order{}, fmt.Errorf("executor: limit order without price: %w", domain.ErrInvalidOrder)
	}
	req.Type = domain.OrderTypeLimit
	return e.submit(ctx, "place_limit", req)
}

// PlaceStopOrder sends a reduce-only stop-market order that triggers at
// req.TriggerPrice.
func (e *Executor) PlaceStopOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	if !req.TriggerPrice.IsPositive() {
		return domain.Order{}, fmt.Errorf("executor: stop order without trigger price: %w", domain.ErrInvalidOrder)
	}
	req.Type = domain.OrderTypeStopMarket
	req.ReduceOnly = true
	return e.submit(ctx, "place_stop", req)
}

// CancelOrder cancels an order. Cancelling an order the exchange no longer
// knows as open is a no-op.
func (e *Executor) CancelOrder(ctx context.Context, symbol, orderID string) error {
	started := time.Now()
	attempts, err := e.call(ctx, "cancel", e.policy, func(ctx context.Context, _ int) error {
		return e.ex.CancelOrder(ctx, symbol, orderID)
	})
	if errors.Is(err, domain.ErrNotFound) {
		e.logger.DebugContext(ctx, "cancel: order already gone", slog.String("order_id", orderID))
		err = nil
	}
	e.record(ctx, "cancel", domain.Order{ExchangeOrderID: orderID, Symbol: symbol}, attempts, started, err)
	if err != nil {
		return fmt.Errorf("executor: cancel %s: %w", orderID, err)
	}
	return nil
}

// GetOrderStatus fetches the exchange's current view of an order.
func (e *Executor) GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	var order domain.Order
	_, err := e.call(ctx, "get_order", e.policy, func(ctx context.Context, _ int) error {
		o, err := e.ex.GetOrder(ctx, symbol, orderID, "")
		if err != nil {
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: get order %s: %w", orderID, err)
	}
	return order, nil
}

// ListPositions returns the exchange's positions.
func (e *Executor) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var out []domain.ExchangePosition
	_, err := e.call(ctx, "list_positions", e.policy, func(ctx context.Context, _ int) error {
		ps, err := e.ex.ListPositions(ctx)
		if err != nil {
			return err
		}
		out = ps
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("executor: list positions: %w", err)
	}
	return out, nil
}

// Balance returns the account balance.
func (e *Executor) Balance(ctx context.Context) (domain.Balance, error) {
	var bal domain.Balance
	_, err := e.call(ctx, "balance", e.policy, func(ctx context.Context, _ int) error {
		b, err := e.ex.Balance(ctx)
		if err != nil {
			return err
		}
		bal = b
		return nil
	})
	if err != nil {
		return domain.Balance{}, fmt.Errorf("executor: balance: %w", err)
	}
	return bal, nil
}

// SetLeverage sets the leverage for symbol.
func (e *Executor) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	_, err := e.call(ctx, "set_leverage", e.policy, func(ctx context.Context, _ int) error {
		return e.ex.SetLeverage(ctx, symbol, leverage)
	})
	if err != nil {
		return fmt.Errorf("executor: set leverage %s: %w", symbol, err)
	}
	return nil
}

// Price reads the exchange ticker. It satisfies domain.PriceFeed.
func (e *Executor) Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	var snap domain.PriceSnapshot
	_, err := e.call(ctx, "ticker", e.policy.WithMaxAttempts(1), func(ctx context.Context, _ int) error {
		s, err := e.ex.Ticker(ctx, symbol)
		if err != nil {
			return err
		}
		snap = s
		return nil
	})
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("executor: ticker %s: %w", symbol, err)
	}
	return snap, nil
}

// submit places req once per logical request. The client order id is fixed
// before the first attempt and reused by every retry. After an ambiguous
// failure the next attempt looks the order up by client id before sending.
func (e *Executor) submit(ctx context.Context, op string, req domain.OrderRequest) (domain.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = newID()
	}
	if o, ok := e.ledger.Lookup(req.ClientOrderID); ok {
		e.logger.InfoContext(ctx, "order already submitted, returning ledger entry",
			slog.String("client_order_id", req.ClientOrderID),
		)
		return o, nil
	}

	started := time.Now()
	var order domain.Order
	maybeSent := false
	attempts, err := e.call(ctx, op, e.policy, func(ctx context.Context, _ int) error {
		o, err := e.send(ctx, req, maybeSent)
		if err != nil {
			if ambiguous(err) {
				maybeSent = true
			}
			return err
		}
		order = o
		return nil
	})

	if err == nil {
		order = normalize(req, order)
		e.ledger.Record(order)
	}
	e.record(ctx, op, orderOrRequest(order, req), attempts, started, err)
	if err != nil {
		return domain.Order{}, fmt.Errorf("executor: %s %s: %w", op, req.ClientOrderID, err)
	}
	e.logger.InfoContext(ctx, "order accepted",
		slog.String("operation", op),
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("exchange_order_id", order.ExchangeOrderID),
		slog.String("status", string(order.Status)),
		slog.Int("attempts", attempts),
	)
	return order, nil
}

// send is one attempt: optionally look the client id up first, then place.
func (e *Executor) send(ctx context.Context, req domain.OrderRequest, lookupFirst bool) (domain.Order, error) {
	if lookupFirst {
		o, err := e.ex.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, err
		}
	}
	o, err := e.ex.PlaceOrder(ctx, req)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		o, err = e.ex.GetOrder(ctx, req.Symbol, "", req.ClientOrderID)
		if errors.Is(err, domain.ErrNotFound) {
			// The venue saw the id but cannot show the order yet.
			err = fmt.Errorf("%w: duplicate %s not yet visible", domain.ErrTransient, req.ClientOrderID)
		}
	}
	return o, err
}

// resolveFill polls a market order until it reaches a terminal status or the
// poll budget is spent, and returns the latest view.
func (e *Executor) resolveFill(ctx context.Context, order domain.Order) (domain.Order, error) {
	for i := 0; i < e.cfg.FillPollAttempts && !order.Status.Terminal(); i++ {
		select {
		case <-ctx.Done():
			return order, nil
		case <-time.After(e.cfg.FillPollInterval):
		}
		latest, err := e.GetOrderStatus(ctx, order.Symbol, order.ExchangeOrderID)
		if err != nil {
			e.logger.WarnContext(ctx, "fill poll failed",
				slog.String("exchange_order_id", order.ExchangeOrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		order = normalizeFrom(order, latest)
	}
	if order.FilledQty.LessThan(order.Quantity) {
		e.logger.WarnContext(ctx, "order partially filled",
			slog.String("exchange_order_id", order.ExchangeOrderID),
			slog.String("requested", order.Quantity.String()),
			slog.String("filled", order.FilledQty.String()),
		)
	}
	e.ledger.Record(order)
	if e.orders != nil {
		if err := e.orders.Upsert(ctx, order); err != nil {
			e.logger.ErrorContext(ctx, "persist order failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return order, nil
}

// normalize fills local fields the exchange response may omit.
func normalize(req domain.OrderRequest, o domain.Order) domain.Order {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = req.ClientOrderID
	}
	if o.PositionID == "" {
		o.PositionID = req.PositionID
	}
	if o.Symbol == "" {
		o.Symbol = req.Symbol
	}
	if o.Type == "" {
		o.Type = req.Type
	}
	if o.Side == "" {
		o.Side = req.Side
	}
	if o.Quantity.IsZero() {
		o.Quantity = req.Quantity
	}
	if o.TriggerPrice.IsZero() {
		o.TriggerPrice = req.TriggerPrice
	}
	o.ReduceOnly = o.ReduceOnly || req.ReduceOnly
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	return o
}

// normalizeFrom takes the exchange-owned fields of latest onto prev.
func normalizeFrom(prev, latest domain.Order) domain.Order {
	prev.Status = latest.Status
	prev.FilledQty = latest.FilledQty
	prev.AvgFillPrice = latest.AvgFillPrice
	prev.UpdatedAt = latest.UpdatedAt
	return prev
}

func orderOrRequest(o domain.Order, req domain.OrderRequest) domain.Order {
	if o.ID != "" {
		return o
	}
	return domain.Order{
		ID:            newID(),
		ClientOrderID: req.ClientOrderID,
		PositionID:    req.PositionID,
		Symbol:        req.Symbol,
		Type:          req.Type,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TriggerPrice:  req.TriggerPrice,
		Status:        domain.OrderStatusRejected,
		ReduceOnly:    req.ReduceOnly,
		CreatedAt:     time.Now().UTC(),
	}
}
