package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/executor"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
	"github.com/derobiwan/trader-sub000/internal/protection"
	"github.com/derobiwan/trader-sub000/internal/retry"
	"github.com/derobiwan/trader-sub000/internal/risk"
)

// Event channel for position lifecycle events on the signal bus.
const positionsChannel = "positions"

// Executor is the order surface the trade service drives.
type Executor interface {
	PlaceMarketOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
	Balance(ctx context.Context) (domain.Balance, error)
	ListPositions(ctx context.Context) ([]domain.ExchangePosition, error)
	CloseWithPolicy(ctx context.Context, pos domain.Position, policy retry.Policy) (executor.CloseResult, error)
	Policy() retry.Policy
}

// Protector guards open positions.
type Protector interface {
	Protect(ctx context.Context, pos domain.Position) (domain.ProtectionState, error)
	Stop(ctx context.Context, positionID string) error
}

// Breaker is the daily-loss circuit breaker.
type Breaker interface {
	Allow() error
	State() domain.CircuitBreakerState
	RecordClose(ctx context.Context, realized decimal.Decimal) error
	UpdateUnrealized(ctx context.Context, unrealized decimal.Decimal) error
	Halt(ctx context.Context, reason string) error
}

// Reconciler accepts reconciliation requests.
type Reconciler interface {
	Trigger(reason string)
}

// Deps groups the collaborators of a TradeService. Bus, Audit and Alerter
// may be nil.
type Deps struct {
	Executor   Executor
	Protection Protector
	Breaker    Breaker
	Reconciler Reconciler
	Validator  *risk.Validator
	Positions  domain.PositionStore
	Feed       domain.PriceFeed
	Bus        domain.SignalBus
	Audit      domain.AuditStore
	Alerter    domain.Alerter
}

// SubmitResult is the outcome of a submitted signal.
type SubmitResult struct {
	Decision risk.Decision
	Position *domain.Position
	Entry    *domain.Order
}

// TradeService runs a signal through risk, execution and protection, and
// owns every position status change after that.
type TradeService struct {
	exec      Executor
	protect   Protector
	breaker   Breaker
	recon     Reconciler
	validator *risk.Validator
	positions domain.PositionStore
	feed      domain.PriceFeed
	bus       domain.SignalBus
	audit     domain.AuditStore
	alerter   domain.Alerter
	logger    *slog.Logger

	// submitMu serializes entries so risk sees a consistent portfolio.
	submitMu sync.Mutex
}

var (
	_ protection.Listener = (*TradeService)(nil)
)

// NewTradeService creates a TradeService.
func NewTradeService(d Deps, logger *slog.Logger) *TradeService {
	return &TradeService{
		exec:      d.Executor,
		protect:   d.Protection,
		breaker:   d.Breaker,
		recon:     d.Reconciler,
		validator: d.Validator,
		positions: d.Positions,
		feed:      d.Feed,
		bus:       d.Bus,
		audit:     d.Audit,
		alerter:   d.Alerter,
		logger:    logger.With(slog.String("component", "trade_service")),
	}
}

// Submit validates a signal and, if accepted, opens and protects the
// position. A rejection is returned both in the result and as a
// *risk.Rejection error.
func (s *TradeService) Submit(ctx context.Context, sig domain.TradingSignal) (SubmitResult, error) {
	if err := checkSignal(&sig); err != nil {
		return SubmitResult{}, err
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	log := s.logger.With(slog.String("signal_id", sig.ID), slog.String("symbol", sig.Symbol))

	pf, err := s.Portfolio(ctx)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("service: submit %s: %w", sig.ID, err)
	}

	dec := s.validator.Validate(sig, pf, s.breaker.State())
	res := SubmitResult{Decision: dec}
	if !dec.Accepted {
		monitoring.RecordSignal(false, string(dec.Reason))
		log.InfoContext(ctx, "signal rejected",
			slog.String("reason", string(dec.Reason)),
			slog.String("detail", dec.Detail),
		)
		s.auditLog(ctx, "signal_rejected", map[string]any{
			"signal_id": sig.ID,
			"symbol":    sig.Symbol,
			"reason":    string(dec.Reason),
			"detail":    dec.Detail,
		})
		return res, dec.Err()
	}

	for _, p := range pf.Positions {
		if p.Symbol == sig.Symbol {
			monitoring.RecordSignal(false, "symbol_busy")
			return res, fmt.Errorf("service: submit %s: %s already held by position %s: %w",
				sig.ID, sig.Symbol, p.ID, domain.ErrAlreadyExists)
		}
	}
	monitoring.RecordSignal(true, "")

	pos, entry, err := s.open(ctx, sig, dec.Token)
	res.Position = pos
	res.Entry = entry
	if err != nil {
		return res, err
	}
	log.InfoContext(ctx, "position opened",
		slog.String("position_id", pos.ID),
		slog.String("quantity", pos.Quantity.String()),
		slog.String("entry_price", pos.EntryPrice.String()),
	)
	return res, nil
}

func checkSignal(sig *domain.TradingSignal) error {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Symbol == "" || !sig.Side.Valid() {
		return fmt.Errorf("service: signal %s needs a symbol and a side: %w", sig.ID, domain.ErrInvalidOrder)
	}
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Portfolio snapshots capital, non-terminal positions and their marks.
func (s *TradeService) Portfolio(ctx context.Context) (risk.Portfolio, error) {
	bal, err := s.exec.Balance(ctx)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("balance: %w", err)
	}
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return risk.Portfolio{}, fmt.Errorf("list positions: %w", err)
	}
	marks := make(map[string]decimal.Decimal, len(open))
	if s.feed != nil {
		for _, p := range open {
			if snap, err := s.feed.Price(ctx, p.Symbol); err == nil {
				marks[p.Symbol] = snap.Price
			}
		}
	}
	return risk.Portfolio{Capital: bal.Equity, Positions: open, Marks: marks}, nil
}

// open executes an accepted signal: leverage, ledger entry, market entry and
// protection.
func (s *TradeService) open(ctx context.Context, sig domain.TradingSignal, tok risk.AcceptToken) (*domain.Position, *domain.Order, error) {
	if err := s.exec.SetLeverage(ctx, sig.Symbol, tok.Leverage); err != nil {
		return nil, nil, fmt.Errorf("service: set leverage %s: %w", sig.Symbol, err)
	}

	pos := domain.Position{
		ID:         uuid.NewString(),
		Symbol:     sig.Symbol,
		Side:       sig.Side,
		Quantity:   tok.Quantity,
		EntryPrice: sig.Price,
		Leverage:   tok.Leverage,
		StopLoss:   sig.StopLoss,
		TakeProfit: sig.TakeProfit,
		Status:     domain.PositionStatusOpening,
		SignalID:   sig.ID,
		OpenedAt:   time.Now().UTC(),
	}
	if err := s.positions.Create(ctx, pos); err != nil {
		return nil, nil, fmt.Errorf("service: create position: %w", err)
	}

	entry, err := s.exec.PlaceMarketOrder(ctx, domain.OrderRequest{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Type:       domain.OrderTypeMarket,
		Side:       pos.Side.EntryOrderSide(),
		Quantity:   pos.Quantity,
	})
	if err != nil || !entry.Filled() {
		// The entry may still have executed if the failure was ambiguous;
		// reconciliation reports any untracked exchange position.
		if cerr := s.positions.MarkClosed(ctx, pos.ID, decimal.Zero, decimal.Zero); cerr != nil {
			s.logger.ErrorContext(ctx, "close unfilled position failed",
				slog.String("position_id", pos.ID),
				slog.String("error", cerr.Error()),
			)
		}
		s.recon.Trigger("order")
		if err == nil {
			err = fmt.Errorf("entry order %s status %s: %w", entry.ID, entry.Status, domain.ErrRejected)
		}
		pos.Status = domain.PositionStatusClosed
		return &pos, orderPtr(entry), fmt.Errorf("service: open %s: %w", pos.ID, err)
	}

	pos.Quantity = entry.FilledQty
	if entry.AvgFillPrice.IsPositive() {
		pos.EntryPrice = entry.AvgFillPrice
	}
	pos.Status = domain.PositionStatusOpen
	if err := s.positions.Update(ctx, pos); err != nil {
		return &pos, &entry, fmt.Errorf("service: record fill %s: %w", pos.ID, err)
	}
	s.recon.Trigger("order")

	// The breaker may have tripped while the entry was in flight; its
	// flatten pass only sees open positions, so this one is closed here.
	if err := s.breaker.Allow(); err != nil {
		s.logger.WarnContext(ctx, "breaker tripped during entry, closing",
			slog.String("position_id", pos.ID),
		)
		if _, cerr := s.closeNow(ctx, pos, s.exec.Policy(), "breaker tripped during entry"); cerr != nil {
			return &pos, &entry, fmt.Errorf("service: close after trip %s: %w", pos.ID, cerr)
		}
		return &pos, &entry, fmt.Errorf("service: open %s: %w", pos.ID, err)
	}

	if _, err := s.protect.Protect(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "protection failed to arm, closing",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, domain.Alert{
			Event:    domain.EventProtectionFailed,
			Severity: domain.SeverityCritical,
			Title:    "Position could not be protected",
			Message:  fmt.Sprintf("%s %s was closed because protection failed to arm: %v", pos.Symbol, pos.ID, err),
			Fields:   map[string]string{"position_id": pos.ID},
		})
		if _, cerr := s.closeNow(ctx, pos, s.exec.Policy(), "protection failed"); cerr != nil {
			return &pos, &entry, fmt.Errorf("service: close unprotected %s: %w", pos.ID, cerr)
		}
		return &pos, &entry, fmt.Errorf("service: protect %s: %w", pos.ID, err)
	}

	s.publish(ctx, "position_opened", pos, nil)
	s.auditLog(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"signal_id":   sig.ID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity.String(),
		"entry_price": pos.EntryPrice.String(),
		"leverage":    pos.Leverage.String(),
		"stop_loss":   pos.StopLoss.String(),
	})
	s.alert(ctx, domain.Alert{
		Event:    domain.EventPositionOpened,
		Severity: domain.SeverityInfo,
		Title:    "Position opened",
		Message:  fmt.Sprintf("%s %s %s @ %s (stop %s)", pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLoss),
		Fields:   map[string]string{"position_id": pos.ID},
	})
	return &pos, &entry, nil
}

// Close closes a position on operator request.
func (s *TradeService) Close(ctx context.Context, id, reason string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: close %s: %w", id, err)
	}
	if pos.Status.Terminal() {
		return pos, nil
	}
	if pos.Status != domain.PositionStatusOpen {
		return pos, fmt.Errorf("service: close %s (%s): %w", id, pos.Status, domain.ErrCloseInFlight)
	}

	if err := s.protect.Stop(ctx, id); err != nil {
		if errors.Is(err, protection.ErrAlreadyFired) {
			return pos, fmt.Errorf("service: close %s: %w", id, domain.ErrCloseInFlight)
		}
		return pos, fmt.Errorf("service: close %s: stop protection: %w", id, err)
	}
	closed, err := s.closeNow(ctx, pos, s.exec.Policy(), reason)
	if err != nil {
		return pos, err
	}
	return closed, nil
}

// FlattenPosition closes one position for the circuit breaker.
func (s *TradeService) FlattenPosition(ctx context.Context, pos domain.Position, policy retry.Policy) error {
	if err := s.protect.Stop(ctx, pos.ID); err != nil {
		if errors.Is(err, protection.ErrAlreadyFired) {
			// The layer that fired has finished its own close.
			return nil
		}
		return fmt.Errorf("service: flatten %s: stop protection: %w", pos.ID, err)
	}
	_, err := s.closeNow(ctx, pos, policy, "circuit breaker")
	return err
}

// closeNow moves an unguarded open position through closing to closed. A
// failed exit returns it to open and re-arms protection.
func (s *TradeService) closeNow(ctx context.Context, pos domain.Position, policy retry.Policy, reason string) (domain.Position, error) {
	log := s.logger.With(slog.String("position_id", pos.ID), slog.String("symbol", pos.Symbol))

	if err := s.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusOpen}, domain.PositionStatusClosing); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return pos, fmt.Errorf("service: close %s: %w", pos.ID, domain.ErrCloseInFlight)
		}
		return pos, fmt.Errorf("service: close %s: %w", pos.ID, err)
	}

	res, err := s.exec.CloseWithPolicy(ctx, pos, policy)
	if err != nil {
		log.ErrorContext(ctx, "close failed, re-arming protection", slog.String("error", err.Error()))
		if terr := s.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusClosing}, domain.PositionStatusOpen); terr == nil {
			if _, perr := s.protect.Protect(ctx, pos); perr != nil {
				log.ErrorContext(ctx, "re-arm after failed close failed", slog.String("error", perr.Error()))
			}
		}
		s.recon.Trigger("order")
		return pos, fmt.Errorf("service: close %s: %w", pos.ID, err)
	}

	exit := s.exitPrice(ctx, pos, res)
	closed, err := s.finish(ctx, pos, exit, reason)
	if err != nil {
		return pos, err
	}
	log.InfoContext(ctx, "position closed",
		slog.String("reason", reason),
		slog.String("exit_price", exit.String()),
		slog.String("realized_pnl", closed.RealizedPnL.String()),
		slog.Bool("already_flat", res.AlreadyFlat),
	)
	return closed, nil
}

func (s *TradeService) exitPrice(ctx context.Context, pos domain.Position, res executor.CloseResult) decimal.Decimal {
	if res.Order != nil && res.Order.AvgFillPrice.IsPositive() {
		return res.Order.AvgFillPrice
	}
	if s.feed != nil {
		if snap, err := s.feed.Price(ctx, pos.Symbol); err == nil && snap.Price.IsPositive() {
			return snap.Price
		}
	}
	return pos.EntryPrice
}

// finish records a completed exit: ledger, breaker, reconciliation, events.
func (s *TradeService) finish(ctx context.Context, pos domain.Position, exit decimal.Decimal, reason string) (domain.Position, error) {
	realized := pos.PnLAt(exit)
	if err := s.positions.MarkClosed(ctx, pos.ID, exit, realized); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			// Already terminal: whoever closed it booked the P&L.
			return pos, fmt.Errorf("service: mark closed %s: %w", pos.ID, err)
		}
		// The exchange is flat either way; the loss still counts today.
		s.settle(ctx, pos.ID, realized)
		s.recon.Trigger("order")
		s.logger.ErrorContext(ctx, "ledger close failed after exchange exit",
			slog.String("position_id", pos.ID),
			slog.String("exit_price", exit.String()),
			slog.String("realized_pnl", realized.String()),
			slog.String("error", err.Error()),
		)
		s.alert(ctx, domain.Alert{
			Event:    domain.EventLedgerWriteFailed,
			Severity: domain.SeverityCritical,
			Title:    "Ledger close failed",
			Message: fmt.Sprintf("%s %s is flat on the exchange (%s) but could not be recorded closed; P&L %s was booked to the breaker: %v",
				pos.Symbol, pos.ID, reason, realized.StringFixed(2), err),
			Fields: map[string]string{"position_id": pos.ID, "exit_price": exit.String()},
		})
		return pos, fmt.Errorf("service: mark closed %s: %w", pos.ID, err)
	}
	s.settle(ctx, pos.ID, realized)
	s.recon.Trigger("order")

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = decimal.NewNullDecimal(exit)
	pos.RealizedPnL = realized
	pos.ClosedAt = &now

	s.publish(ctx, "position_closed", pos, map[string]any{"reason": reason})
	s.auditLog(ctx, "position_closed", map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"reason":       reason,
		"exit_price":   exit.String(),
		"entry_price":  pos.EntryPrice.String(),
		"realized_pnl": realized.String(),
	})
	s.alert(ctx, domain.Alert{
		Event:    domain.EventPositionClosed,
		Severity: domain.SeverityInfo,
		Title:    "Position closed",
		Message:  fmt.Sprintf("%s %s closed @ %s (%s), P&L %s", pos.Symbol, pos.Side, exit, reason, realized.StringFixed(2)),
		Fields:   map[string]string{"position_id": pos.ID},
	})
	return pos, nil
}

// Position returns one position.
func (s *TradeService) Position(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: get position %s: %w", id, err)
	}
	return pos, nil
}

// OpenPositions returns positions that still hold risk.
func (s *TradeService) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	ps, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("service: list open positions: %w", err)
	}
	return ps, nil
}

// History returns terminal positions.
func (s *TradeService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	ps, err := s.positions.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("service: list position history: %w", err)
	}
	return ps, nil
}

func (s *TradeService) publish(ctx context.Context, event string, pos domain.Position, extra map[string]any) {
	if s.bus == nil {
		return
	}
	msg := map[string]any{
		"event":       event,
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"quantity":    pos.Quantity.String(),
		"entry_price": pos.EntryPrice.String(),
		"status":      string(pos.Status),
	}
	if pos.ExitPrice.Valid {
		msg["exit_price"] = pos.ExitPrice.Decimal.String()
		msg["realized_pnl"] = pos.RealizedPnL.String()
	}
	for k, v := range extra {
		msg[k] = v
	}
	evt, _ := json.Marshal(msg)
	if err := s.bus.Publish(ctx, positionsChannel, evt); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) alert(ctx context.Context, a domain.Alert) {
	if s.alerter == nil {
		return
	}
	a.At = time.Now().UTC()
	if err := s.alerter.Alert(ctx, a); err != nil {
		s.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}

func orderPtr(o domain.Order) *domain.Order {
	if o.ID == "" {
		return nil
	}
	return &o
}
