package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/executor"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
	"github.com/derobiwan/trader-sub000/internal/retry"
)

// watchPrice is layer 2. It also polls the layer-1 order so an exchange-side
// fill is noticed and a vanished stop is replaced.
func (m *Manager) watchPrice(ctx context.Context, g *guard) {
	defer close(g.price.done)
	defer g.price.alive.Store(false)

	t := time.NewTicker(m.cfg.PriceInterval)
	defer t.Stop()

	crossed, ticks := 0, 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ticks++

		if m.cfg.StopCheckEvery > 0 && ticks%m.cfg.StopCheckEvery == 0 {
			if fill, ok := m.checkExchangeStop(ctx, g); ok {
				m.fire(g, domain.LayerExchangeStop, fill.AvgFillPrice, &fill)
				return
			}
		}

		price, ok := m.freshPrice(ctx, g)
		if !ok {
			continue
		}
		if !g.pos.StopCrossed(price) {
			crossed = 0
			continue
		}
		crossed++
		if crossed >= max(m.cfg.Confirmations, 1) {
			m.fire(g, domain.LayerPriceWatch, price, nil)
			return
		}
	}
}

// watchEmergency is layer 3: it fires on loss magnitude alone.
func (m *Manager) watchEmergency(ctx context.Context, g *guard) {
	defer close(g.emergency.done)
	defer g.emergency.alive.Store(false)

	t := time.NewTicker(m.cfg.EmergencyInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		price, ok := m.freshPrice(ctx, g)
		if !ok {
			continue
		}
		if g.pos.LossPctAt(price).GreaterThanOrEqual(m.cfg.EmergencyLossPct) {
			m.fire(g, domain.LayerEmergency, price, nil)
			return
		}
	}
}

// freshPrice reads the feed and discards snapshots older than MaxPriceAge.
func (m *Manager) freshPrice(ctx context.Context, g *guard) (decimal.Decimal, bool) {
	snap, err := m.feed.Price(ctx, g.pos.Symbol)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.DebugContext(ctx, "price read failed",
				slog.String("symbol", g.pos.Symbol),
				slog.String("error", err.Error()),
			)
		}
		return decimal.Zero, false
	}
	if m.cfg.MaxPriceAge > 0 && snap.Age(time.Now()) > m.cfg.MaxPriceAge {
		m.logger.WarnContext(ctx, "ignoring stale price",
			slog.String("symbol", g.pos.Symbol),
			slog.Duration("age", snap.Age(time.Now())),
		)
		return decimal.Zero, false
	}
	return snap.Price, snap.Price.IsPositive()
}

// checkExchangeStop reports a filled layer-1 order. A cancelled or rejected
// stop is replaced once per check.
func (m *Manager) checkExchangeStop(ctx context.Context, g *guard) (domain.Order, bool) {
	id := g.stopOrder()
	if id == "" {
		if err := m.armExchangeStop(ctx, g, ""); err != nil && ctx.Err() == nil {
			m.logger.WarnContext(ctx, "exchange stop still missing", slog.String("position_id", g.pos.ID), slog.String("error", err.Error()))
		}
		return domain.Order{}, false
	}
	o, err := m.exec.GetOrderStatus(ctx, g.pos.Symbol, id)
	if err != nil {
		return domain.Order{}, false
	}
	switch o.Status {
	case domain.OrderStatusFilled:
		return o, true
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		m.logger.WarnContext(ctx, "exchange stop gone, replacing",
			slog.String("position_id", g.pos.ID),
			slog.String("order_id", id),
			slog.String("status", string(o.Status)),
		)
		if err := m.armExchangeStop(ctx, g, ""); err != nil && ctx.Err() == nil {
			m.alert(ctx, domain.Alert{
				Event:    domain.EventProtectionDegraded,
				Severity: domain.SeverityWarning,
				Title:    "Exchange stop lost",
				Message:  fmt.Sprintf("%s %s: stop order %s is %s and could not be replaced", g.pos.Symbol, g.pos.ID, id, o.Status),
				Fields:   map[string]string{"position_id": g.pos.ID, "error": err.Error()},
			})
		}
	}
	return domain.Order{}, false
}

// fire runs the closing path for the layer that wins the armed -> triggered
// transition. Losers return immediately, so at most one close is issued per
// position.
func (m *Manager) fire(g *guard, layer domain.ProtectionLayer, price decimal.Decimal, stopFill *domain.Order) {
	if !g.status.CompareAndSwap(statusArmed, statusTriggered) {
		return
	}
	g.firedBy.Store(layer)
	g.price.cancel()
	g.emergency.cancel()
	other := g.emergency
	if layer == domain.LayerEmergency {
		other = g.price
	}
	<-other.done
	monitoring.RecordProtectionFired(string(layer))

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.EscalationWindow+30*time.Second)
	defer cancel()

	log := m.logger.With(
		slog.String("position_id", g.pos.ID),
		slog.String("symbol", g.pos.Symbol),
		slog.String("layer", string(layer)),
	)
	log.WarnContext(ctx, "protection fired", slog.String("price", price.String()))

	if layer == domain.LayerEmergency {
		m.alert(ctx, domain.Alert{
			Event:    domain.EventEmergencyStop,
			Severity: domain.SeverityCritical,
			Title:    "Emergency stop",
			Message: fmt.Sprintf("%s %s: loss %s%% on margin reached emergency threshold %s%% at %s",
				g.pos.Symbol, g.pos.ID, g.pos.LossPctAt(price).StringFixed(2), m.cfg.EmergencyLossPct, price),
			Fields: map[string]string{"position_id": g.pos.ID, "price": price.String()},
		})
	}

	if m.listener != nil {
		m.listener.PositionClosing(ctx, g.pos)
	}

	ev := domain.StopEvent{Position: g.pos, Layer: layer, Price: price, Order: stopFill}
	var err error
	if layer != domain.LayerExchangeStop {
		if id := g.stopOrder(); id != "" {
			if cerr := m.exec.CancelOrder(ctx, g.pos.Symbol, id); cerr != nil {
				log.WarnContext(ctx, "exchange stop cancel failed", slog.String("error", cerr.Error()))
			}
		}
		ev, err = m.closeWithEscalation(ctx, g, layer, price)
	}
	ev.At = time.Now().UTC()

	if err != nil {
		log.ErrorContext(ctx, "protective close failed", slog.String("error", err.Error()))
		m.alert(ctx, domain.Alert{
			Event:    domain.EventProtectionFailed,
			Severity: domain.SeverityCritical,
			Title:    "Protective close failed",
			Message:  fmt.Sprintf("%s %s: %s layer could not close the position: %v", g.pos.Symbol, g.pos.ID, layer, err),
			Fields:   map[string]string{"position_id": g.pos.ID, "layer": string(layer)},
		})
		if m.listener != nil {
			m.listener.ProtectionFailed(ctx, g.pos, layer, err)
		}
	} else {
		if layer != domain.LayerEmergency {
			m.alert(ctx, domain.Alert{
				Event:    domain.EventStopTriggered,
				Severity: domain.SeverityWarning,
				Title:    "Stop-loss triggered",
				Message:  fmt.Sprintf("%s %s closed by %s at %s", g.pos.Symbol, g.pos.ID, ev.Layer, ev.Price),
				Fields:   map[string]string{"position_id": g.pos.ID, "layer": string(ev.Layer)},
			})
		}
		if m.listener != nil {
			m.listener.PositionStopped(ctx, ev)
		}
	}

	g.status.Store(statusStopped)
	m.release(g)
}

// closeWithEscalation retries the executor close with backoff until it
// succeeds or the escalation window runs out. Only a side mismatch stops the
// retries early, since closing would then add exposure.
func (m *Manager) closeWithEscalation(ctx context.Context, g *guard, layer domain.ProtectionLayer, price decimal.Decimal) (domain.StopEvent, error) {
	policy := retry.Policy{
		InitialDelay: m.cfg.CloseBackoff,
		MaxDelay:     m.cfg.CloseMaxBackoff,
		Multiplier:   2,
		Jitter:       0.2,
		MaxElapsed:   m.cfg.EscalationWindow,
		Retryable: func(err error) bool {
			return !errors.Is(err, domain.ErrSideMismatch)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			m.logger.ErrorContext(ctx, "protective close attempt failed, escalating",
				slog.String("position_id", g.pos.ID),
				slog.Int("attempt", attempt),
				slog.Duration("next_in", delay),
				slog.String("error", err.Error()),
			)
		},
	}

	var res executor.CloseResult
	err := policy.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := m.exec.ClosePosition(ctx, g.pos)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return domain.StopEvent{}, err
	}

	ev := domain.StopEvent{Position: g.pos, Layer: layer, Price: price, Order: res.Order}
	if res.Order != nil && res.Order.Filled() {
		ev.Price = res.Order.AvgFillPrice
	}
	if res.AlreadyFlat {
		// The exchange stop may have filled between our last check and the
		// close; attribute the exit to it when it did.
		if id := g.stopOrder(); id != "" {
			if o, err := m.exec.GetOrderStatus(ctx, g.pos.Symbol, id); err == nil && o.Status == domain.OrderStatusFilled {
				ev.Layer = domain.LayerExchangeStop
				ev.Order = &o
				ev.Price = o.AvgFillPrice
			}
		}
	}
	return ev, nil
}
