package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/reconcile"
)

var _ reconcile.Listener = (*TradeService)(nil)

// PositionClosing marks a position whose protection fired as closing, so
// reconciliation leaves it alone while the exit is in flight.
func (s *TradeService) PositionClosing(ctx context.Context, pos domain.Position) {
	err := s.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusOpen}, domain.PositionStatusClosing)
	if err != nil {
		s.logger.WarnContext(ctx, "mark position closing failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// PositionStopped books an exit made by a protection layer.
func (s *TradeService) PositionStopped(ctx context.Context, ev domain.StopEvent) {
	pos, err := s.positions.GetByID(ctx, ev.Position.ID)
	if err != nil {
		s.logger.ErrorContext(ctx, "stopped position not found",
			slog.String("position_id", ev.Position.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if pos.Status.Terminal() {
		return
	}
	exit := ev.Price
	if !exit.IsPositive() {
		exit = s.exitPrice(ctx, pos, closeResultOf(ev.Order))
	}
	if _, err := s.finish(ctx, pos, exit, "stop: "+string(ev.Layer)); err != nil {
		s.logger.ErrorContext(ctx, "record stopped position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ProtectionFailed halts trading: a position is exposed without a working
// exit.
func (s *TradeService) ProtectionFailed(ctx context.Context, pos domain.Position, layer domain.ProtectionLayer, err error) {
	reason := fmt.Sprintf("protection %s failed to close %s %s: %v", layer, pos.Symbol, pos.ID, err)
	// Still exposed: back to open so reconciliation checks it again.
	if terr := s.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusClosing}, domain.PositionStatusOpen); terr != nil &&
		!errors.Is(terr, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "reopen position failed",
			slog.String("position_id", pos.ID),
			slog.String("error", terr.Error()),
		)
	}
	s.auditLog(ctx, "protection_failed", map[string]any{
		"position_id": pos.ID,
		"layer":       string(layer),
		"error":       err.Error(),
	})
	if herr := s.breaker.Halt(ctx, reason); herr != nil {
		s.logger.ErrorContext(ctx, "halt trading failed",
			slog.String("position_id", pos.ID),
			slog.String("error", herr.Error()),
		)
	}
	s.recon.Trigger("order")
}

// StopOrderChanged persists the resting exchange stop id.
func (s *TradeService) StopOrderChanged(ctx context.Context, positionID, orderID string) {
	if err := s.positions.SetStopOrder(ctx, positionID, orderID); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
		s.logger.WarnContext(ctx, "persist stop order failed",
			slog.String("position_id", positionID),
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
	}
}

// PositionGone tears down protection for a position reconciliation closed
// and books its estimated P&L.
func (s *TradeService) PositionGone(ctx context.Context, pos domain.Position, exitPrice, realized decimal.Decimal) {
	if err := s.protect.Stop(ctx, pos.ID); err != nil {
		s.logger.DebugContext(ctx, "stop protection for vanished position",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	s.settle(ctx, pos.ID, realized)
	s.auditLog(ctx, "position_gone", map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"exit_price":   exitPrice.String(),
		"realized_pnl": realized.String(),
	})
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = decimal.NewNullDecimal(exitPrice)
	pos.RealizedPnL = realized
	s.publish(ctx, "position_closed", pos, map[string]any{"reason": "absent on exchange"})
}

// SideMismatch halts trading until an operator has looked at the position.
func (s *TradeService) SideMismatch(ctx context.Context, res domain.ReconciliationResult) {
	reason := fmt.Sprintf("side mismatch on %s (position %s)", res.Symbol, res.PositionID)
	if err := s.breaker.Halt(ctx, reason); err != nil {
		s.logger.ErrorContext(ctx, "halt trading failed",
			slog.String("position_id", res.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// Resume restores protection for positions left by a previous run and
// settles the ones caught mid-transition.
func (s *TradeService) Resume(ctx context.Context) error {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("service: resume: %w", err)
	}
	if len(open) == 0 {
		return nil
	}
	remote, err := s.exec.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("service: resume: %w", err)
	}
	bySymbol := make(map[string]domain.ExchangePosition, len(remote))
	for _, xp := range remote {
		if xp.Quantity.IsPositive() {
			bySymbol[xp.Symbol] = xp
		}
	}

	var errs []error
	for _, pos := range open {
		xp, held := bySymbol[pos.Symbol]
		held = held && xp.Side == pos.Side
		log := s.logger.With(slog.String("position_id", pos.ID), slog.String("status", string(pos.Status)))

		switch {
		case pos.Status == domain.PositionStatusOpening && !held:
			log.WarnContext(ctx, "entry never filled, closing locally")
			if err := s.positions.MarkClosed(ctx, pos.ID, decimal.Zero, decimal.Zero); err != nil {
				errs = append(errs, err)
			}
			continue

		case pos.Status == domain.PositionStatusOpening:
			log.InfoContext(ctx, "entry filled before restart, adopting")
			pos.Quantity = xp.Quantity
			if xp.EntryPrice.IsPositive() {
				pos.EntryPrice = xp.EntryPrice
			}
			pos.Status = domain.PositionStatusOpen
			if err := s.positions.Update(ctx, pos); err != nil {
				errs = append(errs, err)
				continue
			}

		case pos.Status == domain.PositionStatusClosing && !held:
			log.InfoContext(ctx, "close completed before restart")
			if _, err := s.finish(ctx, pos, s.exitPrice(ctx, pos, closeResultOf(nil)), "closed before restart"); err != nil {
				errs = append(errs, err)
			}
			continue

		case pos.Status == domain.PositionStatusClosing:
			log.InfoContext(ctx, "close interrupted by restart, retrying")
			if err := s.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusClosing}, domain.PositionStatusOpen); err != nil {
				errs = append(errs, err)
				continue
			}
			pos.Status = domain.PositionStatusOpen
			if _, err := s.closeNow(ctx, pos, s.exec.Policy(), "close resumed after restart"); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		if _, err := s.protect.Protect(ctx, pos); err != nil && !errors.Is(err, domain.ErrAlreadyProtected) {
			errs = append(errs, fmt.Errorf("protect %s: %w", pos.ID, err))
			continue
		}
		log.InfoContext(ctx, "protection restored", slog.String("stop_order_id", pos.StopOrderID))
	}
	s.recon.Trigger("startup")
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("service: resume: %w", err)
	}
	return nil
}
