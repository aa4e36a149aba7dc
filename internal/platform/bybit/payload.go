package bybit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// decodeResponse checks the envelope and returns the result object as JSON.
func decodeResponse(op string, raw any) ([]byte, error) {
	resp, ok := raw.(*bybit_api.ServerResponse)
	if !ok || resp == nil {
		return nil, malformed(op, "unexpected response type %T", raw)
	}
	if resp.RetCode != 0 {
		return nil, &APIError{Op: op, Code: int(resp.RetCode), Msg: resp.RetMsg}
	}
	b, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, malformed(op, "encode result: %v", err)
	}
	return b, nil
}

type wireOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	ReduceOnly   bool   `json:"reduceOnly"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

type orderList struct {
	List []wireOrder `json:"list"`
}

type wirePosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"avgPrice"`
	MarkPrice   string `json:"markPrice"`
	Leverage    string `json:"leverage"`
	PositionIdx int    `json:"positionIdx"`
	UpdatedTime string `json:"updatedTime"`
}

type positionList struct {
	List []wirePosition `json:"list"`
}

type wallet struct {
	List []struct {
		TotalEquity           string `json:"totalEquity"`
		TotalAvailableBalance string `json:"totalAvailableBalance"`
	} `json:"list"`
}

type tickers struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		MarkPrice string `json:"markPrice"`
	} `json:"list"`
}

var orderStatuses = map[string]domain.OrderStatus{
	"Created":                 domain.OrderStatusPending,
	"New":                     domain.OrderStatusOpen,
	"Untriggered":             domain.OrderStatusOpen,
	"Triggered":               domain.OrderStatusOpen,
	"PartiallyFilled":         domain.OrderStatusPartiallyFilled,
	"Filled":                  domain.OrderStatusFilled,
	"Cancelled":               domain.OrderStatusCancelled,
	"PartiallyFilledCanceled": domain.OrderStatusCancelled,
	"Deactivated":             domain.OrderStatusCancelled,
	"Rejected":                domain.OrderStatusRejected,
}

// toOrder maps a wire order. Unknown statuses, sides or numbers are
// rejected rather than guessed.
func toOrder(op string, w wireOrder) (domain.Order, error) {
	if w.OrderID == "" {
		return domain.Order{}, malformed(op, "order without orderId")
	}
	status, ok := orderStatuses[w.OrderStatus]
	if !ok {
		return domain.Order{}, malformed(op, "order %s: unknown status %q", w.OrderID, w.OrderStatus)
	}
	side, err := orderSide(w.Side)
	if err != nil {
		return domain.Order{}, malformed(op, "order %s: %v", w.OrderID, err)
	}

	var nums [5]decimal.Decimal
	for i, s := range []string{w.Qty, w.Price, w.TriggerPrice, w.CumExecQty, w.AvgPrice} {
		if nums[i], err = num(s); err != nil {
			return domain.Order{}, malformed(op, "order %s: %v", w.OrderID, err)
		}
	}

	typ := domain.OrderTypeLimit
	switch {
	case nums[2].IsPositive():
		typ = domain.OrderTypeStopMarket
	case w.OrderType == "Market":
		typ = domain.OrderTypeMarket
	}

	return domain.Order{
		ExchangeOrderID: w.OrderID,
		ClientOrderID:   w.OrderLinkID,
		Symbol:          w.Symbol,
		Type:            typ,
		Side:            side,
		Quantity:        nums[0],
		Price:           nums[1],
		TriggerPrice:    nums[2],
		FilledQty:       nums[3],
		AvgFillPrice:    nums[4],
		Status:          status,
		ReduceOnly:      w.ReduceOnly,
		CreatedAt:       millis(w.CreatedTime),
		UpdatedAt:       millis(w.UpdatedTime),
	}, nil
}

// toPosition maps a wire position. ok is false for an empty slot.
func toPosition(op string, w wirePosition) (domain.ExchangePosition, bool, error) {
	size, err := num(w.Size)
	if err != nil {
		return domain.ExchangePosition{}, false, malformed(op, "position %s: %v", w.Symbol, err)
	}
	if size.IsZero() {
		return domain.ExchangePosition{}, false, nil
	}
	var side domain.Side
	switch w.Side {
	case "Buy":
		side = domain.SideLong
	case "Sell":
		side = domain.SideShort
	default:
		return domain.ExchangePosition{}, false, malformed(op, "position %s: unknown side %q", w.Symbol, w.Side)
	}
	var nums [3]decimal.Decimal
	for i, s := range []string{w.AvgPrice, w.MarkPrice, w.Leverage} {
		if nums[i], err = num(s); err != nil {
			return domain.ExchangePosition{}, false, malformed(op, "position %s: %v", w.Symbol, err)
		}
	}
	return domain.ExchangePosition{
		Symbol:     w.Symbol,
		Side:       side,
		Quantity:   size,
		EntryPrice: nums[0],
		MarkPrice:  nums[1],
		Leverage:   nums[2],
		UpdatedAt:  millis(w.UpdatedTime),
	}, true, nil
}

func orderSide(s string) (domain.OrderSide, error) {
	switch s {
	case "Buy":
		return domain.OrderSideBuy, nil
	case "Sell":
		return domain.OrderSideSell, nil
	}
	return "", fmt.Errorf("unknown side %q", s)
}

func wireSide(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

// num parses a venue decimal string. Empty means zero.
func num(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
