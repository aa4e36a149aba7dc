package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Wire views of core types. Decimals serialize as strings.

type positionView struct {
	ID          string           `json:"id"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Quantity    decimal.Decimal  `json:"quantity"`
	EntryPrice  decimal.Decimal  `json:"entry_price"`
	Leverage    decimal.Decimal  `json:"leverage"`
	StopLoss    decimal.Decimal  `json:"stop_loss"`
	TakeProfit  *decimal.Decimal `json:"take_profit,omitempty"`
	Status      string           `json:"status"`
	StopOrderID string           `json:"stop_order_id,omitempty"`
	SignalID    string           `json:"signal_id,omitempty"`
	RealizedPnL decimal.Decimal  `json:"realized_pnl"`
	ExitPrice   *decimal.Decimal `json:"exit_price,omitempty"`
	OpenedAt    time.Time        `json:"opened_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	ClosedAt    *time.Time       `json:"closed_at,omitempty"`
}

func nullable(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func toPositionView(p domain.Position) positionView {
	return positionView{
		ID:          p.ID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		Leverage:    p.Leverage,
		StopLoss:    p.StopLoss,
		TakeProfit:  nullable(p.TakeProfit),
		Status:      string(p.Status),
		StopOrderID: p.StopOrderID,
		SignalID:    p.SignalID,
		RealizedPnL: p.RealizedPnL,
		ExitPrice:   nullable(p.ExitPrice),
		OpenedAt:    p.OpenedAt,
		UpdatedAt:   p.UpdatedAt,
		ClosedAt:    p.ClosedAt,
	}
}

func toPositionViews(ps []domain.Position) []positionView {
	out := make([]positionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPositionView(p))
	}
	return out
}

type orderView struct {
	ID              string          `json:"id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Type            string          `json:"type"`
	Side            string          `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal `json:"avg_fill_price"`
	Status          string          `json:"status"`
}

func toOrderView(o *domain.Order) *orderView {
	if o == nil {
		return nil
	}
	return &orderView{
		ID:              o.ID,
		ExchangeOrderID: o.ExchangeOrderID,
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Type:            string(o.Type),
		Side:            string(o.Side),
		Quantity:        o.Quantity,
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		Status:          string(o.Status),
	}
}

type breakerView struct {
	Date          string          `json:"date"`
	Status        string          `json:"status"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	Threshold     decimal.Decimal `json:"threshold"`
	Reason        string          `json:"reason,omitempty"`
	TrippedAt     *time.Time      `json:"tripped_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toBreakerView(s domain.CircuitBreakerState) breakerView {
	s = s.Public()
	return breakerView{
		Date:          s.Date,
		Status:        string(s.Status),
		RealizedPnL:   s.RealizedPnL,
		UnrealizedPnL: s.UnrealizedPnL,
		DailyPnL:      s.DailyPnL(),
		Threshold:     s.Threshold,
		Reason:        s.Reason,
		TrippedAt:     s.TrippedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

type protectionView struct {
	PositionID      string    `json:"position_id"`
	Symbol          string    `json:"symbol"`
	StopOrderID     string    `json:"stop_order_id,omitempty"`
	PriceWatchAlive bool      `json:"price_watch_alive"`
	EmergencyAlive  bool      `json:"emergency_alive"`
	Status          string    `json:"status"`
	FiredBy         string    `json:"fired_by,omitempty"`
	ArmedAt         time.Time `json:"armed_at"`
}

func toProtectionView(s domain.ProtectionState) protectionView {
	return protectionView{
		PositionID:      s.PositionID,
		Symbol:          s.Symbol,
		StopOrderID:     s.StopOrderID,
		PriceWatchAlive: s.PriceWatchAlive,
		EmergencyAlive:  s.EmergencyAlive,
		Status:          string(s.Status),
		FiredBy:         string(s.FiredBy),
		ArmedAt:         s.ArmedAt,
	}
}

type resultView struct {
	PositionID        string          `json:"position_id,omitempty"`
	Symbol            string          `json:"symbol"`
	Type              string          `json:"type"`
	LocalQuantity     decimal.Decimal `json:"local_quantity"`
	ExchangeQuantity  decimal.Decimal `json:"exchange_quantity"`
	Magnitude         decimal.Decimal `json:"magnitude"`
	CorrectionApplied bool            `json:"correction_applied"`
	Correction        string          `json:"correction,omitempty"`
	NeedsReview       bool            `json:"needs_review"`
	Critical          bool            `json:"critical"`
}

type runView struct {
	ID            string       `json:"id"`
	Trigger       string       `json:"trigger"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
	Checked       int          `json:"checked"`
	Skipped       int          `json:"skipped"`
	Discrepancies int          `json:"discrepancies"`
	Error         string       `json:"error,omitempty"`
	Results       []resultView `json:"results"`
}

func toRunView(run domain.ReconciliationRun) runView {
	v := runView{
		ID:            run.ID,
		Trigger:       run.Trigger,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		Checked:       run.Checked,
		Skipped:       run.Skipped,
		Discrepancies: run.Discrepancies(),
		Error:         run.Error,
		Results:       make([]resultView, 0, len(run.Results)),
	}
	for _, r := range run.Results {
		v.Results = append(v.Results, resultView{
			PositionID:        r.PositionID,
			Symbol:            r.Symbol,
			Type:              string(r.Type),
			LocalQuantity:     r.LocalQuantity,
			ExchangeQuantity:  r.ExchangeQuantity,
			Magnitude:         r.Magnitude,
			CorrectionApplied: r.CorrectionApplied,
			Correction:        r.Correction,
			NeedsReview:       r.NeedsReview,
			Critical:          r.Critical,
		})
	}
	return v
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}
