package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/retry"
)

// CloseResult is the outcome of ClosePosition.
type CloseResult struct {
	// Order is the reduce-only order that closed the position. Nil when the
	// exchange was already flat.
	Order       *domain.Order
	AlreadyFlat bool
}

// ClosePosition flattens pos on the exchange with the default policy.
func (e *Executor) ClosePosition(ctx context.Context, pos domain.Position) (CloseResult, error) {
	return e.CloseWithPolicy(ctx, pos, e.policy)
}

// CloseWithPolicy flattens pos with a reduce-only market order for the
// quantity the exchange reports. It never opens exposure: an absent or zero
// exchange position yields AlreadyFlat with no order sent, and an exchange
// position on the other side yields ErrSideMismatch. One client order id
// covers every retry.
func (e *Executor) CloseWithPolicy(ctx context.Context, pos domain.Position, policy retry.Policy) (CloseResult, error) {
	clientID := newID()
	started := time.Now()
	var (
		result    CloseResult
		req       domain.OrderRequest
		maybeSent bool
	)

	attempts, err := e.call(ctx, "close", policy, func(ctx context.Context, _ int) error {
		if maybeSent {
			o, err := e.ex.GetOrder(ctx, pos.Symbol, "", clientID)
			if err == nil {
				result = CloseResult{Order: &o}
				return nil
			}
			if !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}

		positions, err := e.ex.ListPositions(ctx)
		if err != nil {
			return err
		}
		xp, ok := findPosition(positions, pos.Symbol)
		if !ok || !xp.Quantity.IsPositive() {
			result = CloseResult{AlreadyFlat: true}
			return nil
		}
		if xp.Side != pos.Side {
			return fmt.Errorf("%w: local %s, exchange %s on %s", domain.ErrSideMismatch, pos.Side, xp.Side, pos.Symbol)
		}

		req = domain.OrderRequest{
			ClientOrderID: clientID,
			PositionID:    pos.ID,
			Symbol:        pos.Symbol,
			Type:          domain.OrderTypeMarket,
			Side:          pos.Side.ExitOrderSide(),
			Quantity:      xp.Quantity,
			ReduceOnly:    true,
		}
		o, err := e.send(ctx, req, false)
		switch {
		case errors.Is(err, domain.ErrPositionAbsent):
			result = CloseResult{AlreadyFlat: true}
			return nil
		case err != nil:
			if ambiguous(err) {
				maybeSent = true
			}
			return err
		}
		result = CloseResult{Order: &o}
		return nil
	})

	if err != nil {
		e.record(ctx, "close", orderOrRequest(domain.Order{}, req), attempts, started, err)
		return CloseResult{}, fmt.Errorf("executor: close position %s: %w", pos.ID, err)
	}
	if result.AlreadyFlat {
		e.record(ctx, "close", domain.Order{}, attempts, started, nil)
		e.logger.InfoContext(ctx, "close: exchange already flat",
			slog.String("position_id", pos.ID),
			slog.String("symbol", pos.Symbol),
		)
		return result, nil
	}

	order := normalize(req, *result.Order)
	e.ledger.Record(order)
	e.record(ctx, "close", order, attempts, started, nil)

	order, _ = e.resolveFill(ctx, order)
	result.Order = &order
	e.logger.InfoContext(ctx, "position closed on exchange",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("filled", order.FilledQty.String()),
		slog.String("avg_price", order.AvgFillPrice.String()),
	)
	return result, nil
}

func findPosition(ps []domain.ExchangePosition, symbol string) (domain.ExchangePosition, bool) {
	for _, p := range ps {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return domain.ExchangePosition{}, false
}
