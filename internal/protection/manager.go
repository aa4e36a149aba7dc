// Package protection guards open positions with three independent stop-loss
// layers: a native exchange stop order, a price watchdog that closes once the
// stop level is crossed, and an emergency watchdog that closes on a loss
// threshold regardless of the stop level. The first layer to fire wins a
// compare-and-swap on the position's trigger status; every other layer is
// torn down.
package protection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/executor"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
)

// ErrAlreadyFired is returned by Stop when a layer fired before the stop
// request; the position was closed by that layer.
var ErrAlreadyFired = errors.New("protection: a layer already fired")

// Config tunes the watchdogs.
type Config struct {
	PriceInterval     time.Duration
	EmergencyInterval time.Duration
	EmergencyLossPct  decimal.Decimal // loss on margin, percent
	Confirmations     int             // consecutive crossed ticks before layer 2 fires
	StopCheckEvery    int             // layer-2 ticks between layer-1 order status checks
	MaxPriceAge       time.Duration
	EscalationWindow  time.Duration
	CloseBackoff      time.Duration
	CloseMaxBackoff   time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PriceInterval:     2 * time.Second,
		EmergencyInterval: time.Second,
		EmergencyLossPct:  decimal.NewFromInt(15),
		Confirmations:     1,
		StopCheckEvery:    5,
		MaxPriceAge:       10 * time.Second,
		EscalationWindow:  2 * time.Minute,
		CloseBackoff:      500 * time.Millisecond,
		CloseMaxBackoff:   10 * time.Second,
	}
}

// Executor is the order surface the manager needs.
type Executor interface {
	PlaceStopOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (domain.Order, error)
	ClosePosition(ctx context.Context, pos domain.Position) (executor.CloseResult, error)
}

// Listener receives the outcome of a fired layer.
type Listener interface {
	// PositionClosing is called when a layer fires, before any close order
	// is sent.
	PositionClosing(ctx context.Context, pos domain.Position)
	// PositionStopped is called once the position is flat on the exchange.
	PositionStopped(ctx context.Context, ev domain.StopEvent)
	// ProtectionFailed is called when a fired layer could not close the
	// position within the escalation window.
	ProtectionFailed(ctx context.Context, pos domain.Position, layer domain.ProtectionLayer, err error)
	// StopOrderChanged is called whenever the resting exchange stop changes.
	StopOrderChanged(ctx context.Context, positionID, orderID string)
}

const (
	statusArmed int32 = iota
	statusTriggered
	statusStopped
)

var statusNames = map[int32]domain.TriggerStatus{
	statusArmed:     domain.TriggerArmed,
	statusTriggered: domain.TriggerTriggered,
	statusStopped:   domain.TriggerStopped,
}

type watchdog struct {
	cancel context.CancelFunc
	done   chan struct{}
	alive  atomic.Bool
}

func (w *watchdog) stop() {
	w.cancel()
	<-w.done
}

type guard struct {
	pos     domain.Position
	status  atomic.Int32
	firedBy atomic.Value // domain.ProtectionLayer
	armedAt time.Time

	mu          sync.Mutex
	stopOrderID string

	price     *watchdog
	emergency *watchdog
	done      chan struct{} // closed when teardown or firing completes
}

func (g *guard) stopOrder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopOrderID
}

func (g *guard) setStopOrder(id string) {
	g.mu.Lock()
	g.stopOrderID = id
	g.mu.Unlock()
}

func (g *guard) layer() domain.ProtectionLayer {
	if v, ok := g.firedBy.Load().(domain.ProtectionLayer); ok {
		return v
	}
	return ""
}

func (g *guard) state() domain.ProtectionState {
	return domain.ProtectionState{
		PositionID:      g.pos.ID,
		Symbol:          g.pos.Symbol,
		StopOrderID:     g.stopOrder(),
		PriceWatchAlive: g.price.alive.Load(),
		EmergencyAlive:  g.emergency.alive.Load(),
		Status:          statusNames[g.status.Load()],
		FiredBy:         g.layer(),
		ArmedAt:         g.armedAt,
	}
}

// Manager owns the watchdogs of every protected position.
type Manager struct {
	cfg      Config
	exec     Executor
	feed     domain.PriceFeed
	alerter  domain.Alerter
	listener Listener
	logger   *slog.Logger

	root       context.Context
	rootCancel context.CancelFunc

	mu     sync.Mutex
	guards map[string]*guard
	closed bool
}

// NewManager creates a Manager. alerter and listener may be nil.
func NewManager(cfg Config, exec Executor, feed domain.PriceFeed, alerter domain.Alerter, listener Listener, logger *slog.Logger) *Manager {
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		exec:       exec,
		feed:       feed,
		alerter:    alerter,
		listener:   listener,
		logger:     logger.With(slog.String("component", "protection")),
		root:       root,
		rootCancel: cancel,
		guards:     make(map[string]*guard),
	}
}

// SetListener replaces the listener. Call before the first Protect.
func (m *Manager) SetListener(l Listener) {
	m.listener = l
}

// Protect arms all three layers for pos. A failure to place the exchange stop
// degrades protection to the two watchdogs and raises a warning; it is not an
// error. pos.StopOrderID, when set and still resting, is reused.
func (m *Manager) Protect(ctx context.Context, pos domain.Position) (domain.ProtectionState, error) {
	if !pos.StopLoss.IsPositive() {
		return domain.ProtectionState{}, fmt.Errorf("protection: position %s has no stop level: %w", pos.ID, domain.ErrInvalidOrder)
	}

	pctx, pcancel := context.WithCancel(m.root)
	ectx, ecancel := context.WithCancel(m.root)
	g := &guard{
		pos:       pos,
		armedAt:   time.Now().UTC(),
		price:     &watchdog{cancel: pcancel, done: make(chan struct{})},
		emergency: &watchdog{cancel: ecancel, done: make(chan struct{})},
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pcancel()
		ecancel()
		return domain.ProtectionState{}, fmt.Errorf("protection: manager shut down")
	}
	if _, ok := m.guards[pos.ID]; ok {
		m.mu.Unlock()
		pcancel()
		ecancel()
		return domain.ProtectionState{}, fmt.Errorf("protection: %s: %w", pos.ID, domain.ErrAlreadyProtected)
	}
	m.guards[pos.ID] = g
	monitoring.SetProtectedPositions(len(m.guards))
	g.price.alive.Store(true)
	g.emergency.alive.Store(true)
	go m.watchPrice(pctx, g)
	go m.watchEmergency(ectx, g)
	m.mu.Unlock()

	log := m.logger.With(slog.String("position_id", pos.ID), slog.String("symbol", pos.Symbol))

	if err := m.armExchangeStop(ctx, g, pos.StopOrderID); err != nil {
		log.ErrorContext(ctx, "exchange stop not placed, watchdogs only", slog.String("error", err.Error()))
		m.alert(ctx, domain.Alert{
			Event:    domain.EventProtectionDegraded,
			Severity: domain.SeverityWarning,
			Title:    "Exchange stop missing",
			Message:  fmt.Sprintf("%s %s: native stop order could not be placed; price and emergency watchdogs remain", pos.Symbol, pos.ID),
			Fields:   map[string]string{"position_id": pos.ID, "error": err.Error()},
		})
	}
	if g.status.Load() != statusArmed {
		// Torn down or fired while the stop was being placed.
		if id := g.stopOrder(); id != "" {
			if err := m.exec.CancelOrder(ctx, pos.Symbol, id); err != nil {
				log.WarnContext(ctx, "exchange stop cancel failed",
					slog.String("order_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
		return g.state(), nil
	}

	log.InfoContext(ctx, "protection armed",
		slog.String("stop_loss", pos.StopLoss.String()),
		slog.String("stop_order_id", g.stopOrder()),
	)
	return g.state(), nil
}

// armExchangeStop reuses a resting stop order or places a new one.
func (m *Manager) armExchangeStop(ctx context.Context, g *guard, existing string) error {
	if existing != "" {
		o, err := m.exec.GetOrderStatus(ctx, g.pos.Symbol, existing)
		if err == nil && !o.Status.Terminal() {
			g.setStopOrder(existing)
			return nil
		}
	}
	o, err := m.exec.PlaceStopOrder(ctx, domain.OrderRequest{
		ClientOrderID: uuid.NewString(),
		PositionID:    g.pos.ID,
		Symbol:        g.pos.Symbol,
		Side:          g.pos.Side.ExitOrderSide(),
		Quantity:      g.pos.Quantity,
		TriggerPrice:  g.pos.StopLoss,
		ReduceOnly:    true,
	})
	if err != nil {
		g.setStopOrder("")
		if existing != "" && m.listener != nil {
			m.listener.StopOrderChanged(ctx, g.pos.ID, "")
		}
		return err
	}
	g.setStopOrder(o.ExchangeOrderID)
	if m.listener != nil && o.ExchangeOrderID != existing {
		m.listener.StopOrderChanged(ctx, g.pos.ID, o.ExchangeOrderID)
	}
	return nil
}

// Stop tears down protection for a position: both watchdogs are cancelled
// and awaited and the exchange stop is cancelled before Stop returns. If a
// layer fired first, Stop waits for that layer's close to finish and returns
// ErrAlreadyFired. Stopping an unknown position is a no-op.
func (m *Manager) Stop(ctx context.Context, positionID string) error {
	m.mu.Lock()
	g, ok := m.guards[positionID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if !g.status.CompareAndSwap(statusArmed, statusStopped) {
		select {
		case <-g.done:
		case <-ctx.Done():
			return fmt.Errorf("protection: stop %s: %w", positionID, ctx.Err())
		}
		if g.layer() != "" {
			return ErrAlreadyFired
		}
		return nil
	}

	g.price.stop()
	g.emergency.stop()
	if id := g.stopOrder(); id != "" {
		if err := m.exec.CancelOrder(ctx, g.pos.Symbol, id); err != nil {
			m.logger.WarnContext(ctx, "exchange stop cancel failed",
				slog.String("position_id", positionID),
				slog.String("order_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	m.release(g)
	m.logger.InfoContext(ctx, "protection stopped", slog.String("position_id", positionID))
	return nil
}

// Snapshot returns the state of every guarded position, oldest first.
func (m *Manager) Snapshot() []domain.ProtectionState {
	m.mu.Lock()
	guards := make([]*guard, 0, len(m.guards))
	for _, g := range m.guards {
		guards = append(guards, g)
	}
	m.mu.Unlock()

	out := make([]domain.ProtectionState, 0, len(guards))
	for _, g := range guards {
		out = append(out, g.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArmedAt.Before(out[j].ArmedAt) })
	return out
}

// Protected reports whether positionID has live protection.
func (m *Manager) Protected(positionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.guards[positionID]
	return ok
}

// Shutdown stops every watchdog and waits for them, leaving exchange stop
// orders resting so positions stay protected while the process is down.
// Closes already in flight are awaited until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	guards := make([]*guard, 0, len(m.guards))
	for _, g := range m.guards {
		guards = append(guards, g)
	}
	m.mu.Unlock()

	for _, g := range guards {
		if g.status.CompareAndSwap(statusArmed, statusStopped) {
			g.price.stop()
			g.emergency.stop()
			m.release(g)
			continue
		}
		select {
		case <-g.done:
		case <-ctx.Done():
			m.rootCancel()
			return fmt.Errorf("protection: shutdown: %w", ctx.Err())
		}
	}
	m.rootCancel()
	m.logger.Info("protection shut down", slog.Int("positions", len(guards)))
	return nil
}

func (m *Manager) release(g *guard) {
	m.mu.Lock()
	if m.guards[g.pos.ID] == g {
		delete(m.guards, g.pos.ID)
	}
	monitoring.SetProtectedPositions(len(m.guards))
	m.mu.Unlock()
	close(g.done)
}

func (m *Manager) alert(ctx context.Context, a domain.Alert) {
	if m.alerter == nil {
		return
	}
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if err := m.alerter.Alert(ctx, a); err != nil {
		m.logger.ErrorContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}
