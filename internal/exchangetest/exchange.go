// Package exchangetest provides a scriptable in-memory exchange for tests.
// It models a one-way-mode linear perpetual venue: at most one position per
// symbol, market orders fill immediately at the current price, stop and limit
// orders rest until the test moves them.
package exchangetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Method names accepted by FailNext and Calls.
const (
	MethodPlaceOrder    = "PlaceOrder"
	MethodCancelOrder   = "CancelOrder"
	MethodGetOrder      = "GetOrder"
	MethodListPositions = "ListPositions"
	MethodBalance       = "Balance"
	MethodSetLeverage   = "SetLeverage"
	MethodTicker        = "Ticker"
	MethodPrice         = "Price"
)

type failure struct {
	err   error
	apply bool // perform the call before failing
}

// Exchange is a fake domain.Exchange and domain.PriceFeed. The zero value is
// not usable; call New.
type Exchange struct {
	mu        sync.Mutex
	positions map[string]domain.ExchangePosition
	orders    map[string]domain.Order
	byClient  map[string]string
	prices    map[string]domain.PriceSnapshot
	leverage  map[string]decimal.Decimal
	balance   domain.Balance
	fillRatio decimal.Decimal
	failures  map[string][]failure
	delays    map[string]time.Duration
	calls     map[string]int
	placed    []domain.OrderRequest
	seq       int
}

var (
	_ domain.Exchange  = (*Exchange)(nil)
	_ domain.PriceFeed = (*Exchange)(nil)
)

// New returns an empty exchange with a 10,000 USDT balance.
func New() *Exchange {
	return &Exchange{
		positions: make(map[string]domain.ExchangePosition),
		orders:    make(map[string]domain.Order),
		byClient:  make(map[string]string),
		prices:    make(map[string]domain.PriceSnapshot),
		leverage:  make(map[string]decimal.Decimal),
		balance: domain.Balance{
			Equity:    decimal.NewFromInt(10000),
			Available: decimal.NewFromInt(10000),
			Currency:  "USDT",
		},
		fillRatio: decimal.NewFromInt(1),
		failures:  make(map[string][]failure),
		delays:    make(map[string]time.Duration),
		calls:     make(map[string]int),
	}
}

// SetPrice sets the last price of symbol, timestamped now.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.SetPriceAt(symbol, price, time.Now())
}

// SetPriceAt sets the last price of symbol with an explicit timestamp.
func (e *Exchange) SetPriceAt(symbol string, price decimal.Decimal, ts time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = domain.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: ts}
}

// SetPosition installs or replaces the exchange position for a symbol.
func (e *Exchange) SetPosition(p domain.ExchangePosition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[p.Symbol] = p
}

// RemovePosition deletes the exchange position for symbol, as a liquidation
// or out-of-band close would.
func (e *Exchange) RemovePosition(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// Position returns the exchange position for symbol.
func (e *Exchange) Position(symbol string) (domain.ExchangePosition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.positions[symbol]
	return p, ok
}

// SetBalance replaces the account balance.
func (e *Exchange) SetBalance(b domain.Balance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = b
}

// SetFillRatio makes market orders fill only ratio of the requested quantity.
func (e *Exchange) SetFillRatio(ratio decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillRatio = ratio
}

// SetDelay makes method sleep for d (or until ctx is done) before running.
func (e *Exchange) SetDelay(method string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delays[method] = d
}

// FailNext queues errors returned by the next calls of method, one per call.
func (e *Exchange) FailNext(method string, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, err := range errs {
		e.failures[method] = append(e.failures[method], failure{err: err})
	}
}

// FailAfterApply makes the next call of method take effect and then return
// err, like a response lost after the exchange processed the request.
func (e *Exchange) FailAfterApply(method string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[method] = append(e.failures[method], failure{err: err, apply: true})
}

// Calls returns how many times method was invoked.
func (e *Exchange) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// Placed returns every order request that reached the book.
func (e *Exchange) Placed() []domain.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderRequest, len(e.placed))
	copy(out, e.placed)
	return out
}

// Order returns an order by exchange id.
func (e *Exchange) Order(id string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	return o, ok
}

// CancelOutOfBand cancels a resting order without going through the API.
func (e *Exchange) CancelOutOfBand(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.orders[id]; ok && !o.Status.Terminal() {
		o.Status = domain.OrderStatusCancelled
		o.UpdatedAt = time.Now()
		e.orders[id] = o
	}
}

// TriggerStop fills a resting stop order at its trigger price, reducing the
// position it protects.
func (e *Exchange) TriggerStop(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("exchangetest: stop %s: %w", id, domain.ErrNotFound)
	}
	filled := e.reduce(o.Symbol, o.Side, o.Quantity)
	o.FilledQty = filled
	o.AvgFillPrice = o.TriggerPrice
	o.Status = domain.OrderStatusFilled
	o.UpdatedAt = time.Now()
	e.orders[id] = o
	return nil
}

// enter records the call and pops a scripted failure.
func (e *Exchange) enter(ctx context.Context, method string) (failure, bool, error) {
	e.mu.Lock()
	e.calls[method]++
	delay := e.delays[method]
	var f failure
	queued := false
	if q := e.failures[method]; len(q) > 0 {
		f, queued = q[0], true
		e.failures[method] = q[1:]
	}
	e.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return f, queued, fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
		case <-t.C:
		}
	}
	if queued && !f.apply {
		return f, queued, f.err
	}
	return f, queued, nil
}

// PlaceOrder implements domain.Exchange.
func (e *Exchange) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	f, queued, err := e.enter(ctx, MethodPlaceOrder)
	if err != nil {
		return domain.Order{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.ClientOrderID != "" {
		if _, dup := e.byClient[req.ClientOrderID]; dup {
			return domain.Order{}, fmt.Errorf("exchangetest: %s: %w", req.ClientOrderID, domain.ErrDuplicateOrder)
		}
	}
	if !req.Quantity.IsPositive() {
		return domain.Order{}, fmt.Errorf("exchangetest: qty %s: %w", req.Quantity, domain.ErrRejected)
	}

	now := time.Now()
	e.seq++
	o := domain.Order{
		ExchangeOrderID: fmt.Sprintf("x-%d", e.seq),
		ClientOrderID:   req.ClientOrderID,
		PositionID:      req.PositionID,
		Symbol:          req.Symbol,
		Type:            req.Type,
		Side:            req.Side,
		Quantity:        req.Quantity,
		Price:           req.Price,
		TriggerPrice:    req.TriggerPrice,
		Status:          domain.OrderStatusOpen,
		ReduceOnly:      req.ReduceOnly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if req.Type == domain.OrderTypeMarket {
		price := e.prices[req.Symbol].Price
		if price.IsZero() {
			price = req.Price
		}
		qty := req.Quantity.Mul(e.fillRatio)
		if req.ReduceOnly {
			pos, ok := e.positions[req.Symbol]
			if !ok || pos.Side.ExitOrderSide() != req.Side {
				return domain.Order{}, fmt.Errorf("exchangetest: reduce-only %s: %w", req.Symbol, domain.ErrPositionAbsent)
			}
			qty = e.reduce(req.Symbol, req.Side, qty)
		} else {
			e.open(req.Symbol, req.Side, qty, price)
		}
		o.FilledQty = qty
		o.AvgFillPrice = price
		o.Status = domain.OrderStatusFilled
		if qty.LessThan(req.Quantity) {
			o.Status = domain.OrderStatusPartiallyFilled
		}
	}

	e.orders[o.ExchangeOrderID] = o
	if o.ClientOrderID != "" {
		e.byClient[o.ClientOrderID] = o.ExchangeOrderID
	}
	e.placed = append(e.placed, req)

	if queued && f.apply {
		return domain.Order{}, f.err
	}
	return o, nil
}

// open adds qty on side, netting against an opposite position.
func (e *Exchange) open(symbol string, side domain.OrderSide, qty, price decimal.Decimal) {
	posSide := domain.SideLong
	if side == domain.OrderSideSell {
		posSide = domain.SideShort
	}
	pos, ok := e.positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		e.positions[symbol] = domain.ExchangePosition{
			Symbol: symbol, Side: posSide, Quantity: qty, EntryPrice: price,
			MarkPrice: price, Leverage: e.leverage[symbol], UpdatedAt: time.Now(),
		}
		return
	}
	if pos.Side == posSide {
		total := pos.Quantity.Add(qty)
		pos.EntryPrice = pos.Quantity.Mul(pos.EntryPrice).Add(qty.Mul(price)).Div(total)
		pos.Quantity = total
		pos.UpdatedAt = time.Now()
		e.positions[symbol] = pos
		return
	}
	rest := qty.Sub(e.reduce(symbol, side, qty))
	if rest.IsPositive() {
		e.open(symbol, side, rest, price)
	}
}

// reduce shrinks the position on symbol by up to qty and returns the amount
// actually reduced. Caller holds mu.
func (e *Exchange) reduce(symbol string, side domain.OrderSide, qty decimal.Decimal) decimal.Decimal {
	pos, ok := e.positions[symbol]
	if !ok || pos.Side.ExitOrderSide() != side {
		return decimal.Zero
	}
	if qty.GreaterThanOrEqual(pos.Quantity) {
		delete(e.positions, symbol)
		return pos.Quantity
	}
	pos.Quantity = pos.Quantity.Sub(qty)
	pos.UpdatedAt = time.Now()
	e.positions[symbol] = pos
	return qty
}

// CancelOrder implements domain.Exchange.
func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if _, _, err := e.enter(ctx, MethodCancelOrder); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[orderID]
	if !ok || o.Status.Terminal() {
		return fmt.Errorf("exchangetest: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	o.Status = domain.OrderStatusCancelled
	o.UpdatedAt = time.Now()
	e.orders[orderID] = o
	return nil
}

// GetOrder implements domain.Exchange.
func (e *Exchange) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (domain.Order, error) {
	if _, _, err := e.enter(ctx, MethodGetOrder); err != nil {
		return domain.Order{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if orderID == "" {
		orderID = e.byClient[clientOrderID]
	}
	o, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("exchangetest: order %s/%s: %w", orderID, clientOrderID, domain.ErrNotFound)
	}
	return o, nil
}

// ListPositions implements domain.Exchange.
func (e *Exchange) ListPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	if _, _, err := e.enter(ctx, MethodListPositions); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.ExchangePosition, 0, len(e.positions))
	for _, p := range e.positions {
		if mark, ok := e.prices[p.Symbol]; ok {
			p.MarkPrice = mark.Price
		}
		out = append(out, p)
	}
	return out, nil
}

// Balance implements domain.Exchange.
func (e *Exchange) Balance(ctx context.Context) (domain.Balance, error) {
	if _, _, err := e.enter(ctx, MethodBalance); err != nil {
		return domain.Balance{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balance, nil
}

// SetLeverage implements domain.Exchange.
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	if _, _, err := e.enter(ctx, MethodSetLeverage); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverage[symbol] = leverage
	return nil
}

// Leverage returns the leverage last set for symbol.
func (e *Exchange) Leverage(symbol string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leverage[symbol]
}

// Ticker implements domain.Exchange.
func (e *Exchange) Ticker(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	if _, _, err := e.enter(ctx, MethodTicker); err != nil {
		return domain.PriceSnapshot{}, err
	}
	return e.snapshot(symbol)
}

// Price implements domain.PriceFeed.
func (e *Exchange) Price(ctx context.Context, symbol string) (domain.PriceSnapshot, error) {
	if _, _, err := e.enter(ctx, MethodPrice); err != nil {
		return domain.PriceSnapshot{}, err
	}
	return e.snapshot(symbol)
}

func (e *Exchange) snapshot(symbol string) (domain.PriceSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.prices[symbol]
	if !ok {
		return domain.PriceSnapshot{}, fmt.Errorf("exchangetest: price %s: %w", symbol, domain.ErrNotFound)
	}
	return p, nil
}
