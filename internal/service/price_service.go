package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/executor"
)

// RunMarkToMarket feeds the breaker with the portfolio's unrealized P&L every
// interval until ctx is done.
func (s *TradeService) RunMarkToMarket(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := s.MarkToMarket(ctx); err != nil {
				s.logger.WarnContext(ctx, "mark to market failed", slog.String("error", err.Error()))
			}
		}
	}
}

// MarkToMarket prices every open position and reports the total unrealized
// P&L to the breaker. Positions without a price are left out of the total.
func (s *TradeService) MarkToMarket(ctx context.Context) (decimal.Decimal, error) {
	open, err := s.positions.ListOpen(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("service: mark to market: %w", err)
	}
	total := decimal.Zero
	for _, pos := range open {
		if pos.Status != domain.PositionStatusOpen {
			continue
		}
		snap, err := s.feed.Price(ctx, pos.Symbol)
		if err != nil {
			s.logger.DebugContext(ctx, "no mark price",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}
		total = total.Add(pos.PnLAt(snap.Price))
	}
	if err := s.breaker.UpdateUnrealized(ctx, total); err != nil {
		return total, fmt.Errorf("service: mark to market: %w", err)
	}
	return total, nil
}

// settle books a realized P&L after re-marking the remaining positions, so
// the closed position's loss is not counted as unrealized and realized at
// the same time.
func (s *TradeService) settle(ctx context.Context, positionID string, realized decimal.Decimal) {
	if s.feed != nil {
		if _, err := s.MarkToMarket(ctx); err != nil {
			s.logger.WarnContext(ctx, "re-mark before close failed",
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.breaker.RecordClose(ctx, realized); err != nil {
		s.logger.ErrorContext(ctx, "record realized pnl failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}
}

func closeResultOf(o *domain.Order) executor.CloseResult {
	return executor.CloseResult{Order: o}
}
