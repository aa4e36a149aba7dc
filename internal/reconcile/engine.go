// Package reconcile compares the local position ledger with the exchange and
// corrects or flags the differences. The exchange is authoritative, but a
// position the system did not open is never adopted.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
)

const lockKey = "reconcile:run"

// skippedLockHeld is the error recorded on a run another replica pre-empted.
const skippedLockHeld = "skipped: lock held by another replica"

// Trigger names recorded on runs.
const (
	TriggerInterval = "interval"
	TriggerOrder    = "order"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// Config tunes the engine.
type Config struct {
	Interval  time.Duration
	Tolerance decimal.Decimal // relative quantity difference corrected silently, 0.01 == 1%
	LockTTL   time.Duration
}

// ExchangeReader lists the exchange's positions.
type ExchangeReader interface {
	ListPositions(ctx context.Context) ([]domain.ExchangePosition, error)
}

// Listener reacts to corrections that affect other components.
type Listener interface {
	// PositionGone is called after a position absent on the exchange was
	// closed locally.
	PositionGone(ctx context.Context, pos domain.Position, exitPrice, realized decimal.Decimal)
	// SideMismatch is called for every side mismatch found.
	SideMismatch(ctx context.Context, res domain.ReconciliationResult)
}

// Engine runs reconciliation. Runs never overlap.
type Engine struct {
	cfg       Config
	positions domain.PositionStore
	exchange  ExchangeReader
	feed      domain.PriceFeed
	runs      domain.ReconciliationStore
	locks     domain.LockManager
	alerter   domain.Alerter
	listener  Listener
	logger    *slog.Logger

	mu      sync.Mutex
	trigger chan string
}

// New creates an Engine. feed, locks, alerter and runs may be nil.
func New(cfg Config, positions domain.PositionStore, exchange ExchangeReader, feed domain.PriceFeed,
	runs domain.ReconciliationStore, locks domain.LockManager, alerter domain.Alerter, logger *slog.Logger) *Engine {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Engine{
		cfg:       cfg,
		positions: positions,
		exchange:  exchange,
		feed:      feed,
		runs:      runs,
		locks:     locks,
		alerter:   alerter,
		logger:    logger.With(slog.String("component", "reconcile")),
		trigger:   make(chan string, 1),
	}
}

// SetListener sets the listener. Call before Run.
func (e *Engine) SetListener(l Listener) {
	e.listener = l
}

// Trigger requests a run without blocking. Bursts coalesce into one run.
func (e *Engine) Trigger(reason string) {
	select {
	case e.trigger <- reason:
	default:
	}
}

// Run reconciles once at startup, then on every interval tick and every
// trigger, until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("reconciliation started", slog.Duration("interval", e.cfg.Interval))
	defer e.logger.Info("reconciliation stopped")

	e.runLogged(ctx, TriggerStartup)

	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.runLogged(ctx, TriggerInterval)
		case reason := <-e.trigger:
			e.runLogged(ctx, reason)
		}
	}
}

func (e *Engine) runLogged(ctx context.Context, trigger string) {
	run, err := e.Reconcile(ctx, trigger)
	switch {
	case errors.Is(err, domain.ErrLockHeld):
		e.logger.DebugContext(ctx, "reconciliation running elsewhere, skipped")
	case err != nil:
		e.logger.ErrorContext(ctx, "reconciliation failed",
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
	default:
		e.logger.InfoContext(ctx, "reconciliation finished",
			slog.String("run_id", run.ID),
			slog.String("trigger", trigger),
			slog.Int("checked", run.Checked),
			slog.Int("skipped", run.Skipped),
			slog.Int("discrepancies", run.Discrepancies()),
		)
	}
}

// Reconcile performs one run and persists its record, including on failure.
// When another replica holds the lock it records a skipped run and returns
// ErrLockHeld.
func (e *Engine) Reconcile(ctx context.Context, trigger string) (domain.ReconciliationRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, lockKey, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				now := time.Now().UTC()
				run := domain.ReconciliationRun{
					ID:         uuid.NewString(),
					Trigger:    trigger,
					StartedAt:  now,
					FinishedAt: now,
					Error:      skippedLockHeld,
				}
				e.saveRun(ctx, run)
				return run, fmt.Errorf("reconcile: acquire lock: %w", err)
			}
			return domain.ReconciliationRun{}, fmt.Errorf("reconcile: acquire lock: %w", err)
		}
		defer unlock()
	}

	run := domain.ReconciliationRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	err := e.reconcile(ctx, &run)
	if err != nil {
		run.Error = err.Error()
	}
	run.FinishedAt = time.Now().UTC()

	types := make([]string, 0, len(run.Results))
	for _, r := range run.Results {
		if r.Type != domain.DiscrepancyNone {
			types = append(types, string(r.Type))
		}
	}
	monitoring.RecordReconcileRun(trigger, err == nil, types)

	e.saveRun(ctx, run)
	if err != nil {
		return run, fmt.Errorf("reconcile: %w", err)
	}
	return run, nil
}

func (e *Engine) saveRun(ctx context.Context, run domain.ReconciliationRun) {
	if e.runs == nil {
		return
	}
	if err := e.runs.SaveRun(ctx, run); err != nil {
		e.logger.ErrorContext(ctx, "persist reconciliation run failed",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) reconcile(ctx context.Context, run *domain.ReconciliationRun) error {
	locals, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("list local positions: %w", err)
	}
	remote, err := e.exchange.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("list exchange positions: %w", err)
	}

	bySymbol := make(map[string]domain.ExchangePosition, len(remote))
	for _, xp := range remote {
		if xp.Quantity.IsPositive() {
			bySymbol[xp.Symbol] = xp
		}
	}
	matched := make(map[string]bool, len(locals))

	for _, pos := range locals {
		matched[pos.Symbol] = true
		if pos.Status != domain.PositionStatusOpen {
			// opening and closing are transient; a close may be in flight.
			run.Skipped++
			continue
		}
		run.Checked++
		xp, ok := bySymbol[pos.Symbol]
		res := e.classify(ctx, run.ID, pos, xp, ok)
		run.Results = append(run.Results, res)
	}

	for symbol, xp := range bySymbol {
		if matched[symbol] {
			continue
		}
		res := domain.ReconciliationResult{
			ID:               uuid.NewString(),
			RunID:            run.ID,
			Symbol:           symbol,
			Type:             domain.DiscrepancyMissingLocally,
			ExchangeQuantity: xp.Quantity,
			Magnitude:        decimal.NewFromInt(1),
			NeedsReview:      true,
			Critical:         true,
			CreatedAt:        time.Now().UTC(),
		}
		e.logger.ErrorContext(ctx, "exchange position unknown locally",
			slog.String("symbol", symbol),
			slog.String("side", string(xp.Side)),
			slog.String("quantity", xp.Quantity.String()),
		)
		e.alert(ctx, domain.Alert{
			Event:    domain.EventReconcileCritical,
			Severity: domain.SeverityCritical,
			Title:    "Untracked exchange position",
			Message:  fmt.Sprintf("%s %s %s is open on the exchange but not in the ledger; create it manually", symbol, xp.Side, xp.Quantity),
			Fields:   map[string]string{"symbol": symbol, "type": string(res.Type)},
		})
		run.Results = append(run.Results, res)
	}
	return nil
}

// classify compares one open local position with its exchange counterpart
// and applies the correction policy.
func (e *Engine) classify(ctx context.Context, runID string, pos domain.Position, xp domain.ExchangePosition, found bool) domain.ReconciliationResult {
	res := domain.ReconciliationResult{
		ID:            uuid.NewString(),
		RunID:         runID,
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Type:          domain.DiscrepancyNone,
		LocalQuantity: pos.Quantity,
		CreatedAt:     time.Now().UTC(),
	}
	log := e.logger.With(slog.String("position_id", pos.ID), slog.String("symbol", pos.Symbol))

	switch {
	case !found:
		res.Type = domain.DiscrepancyMissingOnExchange
		res.Magnitude = decimal.NewFromInt(1)
		if err := e.closeLocally(ctx, pos); err != nil {
			log.WarnContext(ctx, "local close skipped", slog.String("error", err.Error()))
			res.Correction = "close skipped: " + err.Error()
			return res
		}
		res.CorrectionApplied = true
		res.Correction = "closed locally"
		log.WarnContext(ctx, "position absent on exchange, closed locally")

	case xp.Side != pos.Side:
		res.Type = domain.DiscrepancySideMismatch
		res.ExchangeQuantity = xp.Quantity
		res.Magnitude = decimal.NewFromInt(1)
		res.NeedsReview = true
		res.Critical = true
		log.ErrorContext(ctx, "side mismatch",
			slog.String("local_side", string(pos.Side)),
			slog.String("exchange_side", string(xp.Side)),
		)
		e.alert(ctx, domain.Alert{
			Event:    domain.EventReconcileCritical,
			Severity: domain.SeverityCritical,
			Title:    "Position side mismatch",
			Message:  fmt.Sprintf("%s %s: ledger says %s, exchange says %s %s", pos.Symbol, pos.ID, pos.Side, xp.Side, xp.Quantity),
			Fields:   map[string]string{"position_id": pos.ID, "type": string(res.Type)},
		})
		if e.listener != nil {
			e.listener.SideMismatch(ctx, res)
		}

	case !xp.Quantity.Equal(pos.Quantity):
		res.Type = domain.DiscrepancyQuantityMismatch
		res.ExchangeQuantity = xp.Quantity
		res.Magnitude = relativeDiff(pos.Quantity, xp.Quantity)
		res.NeedsReview = res.Magnitude.GreaterThan(e.cfg.Tolerance)
		if err := e.correctQuantity(ctx, pos.ID, xp.Quantity); err != nil {
			log.WarnContext(ctx, "quantity correction skipped", slog.String("error", err.Error()))
			res.Correction = "correction skipped: " + err.Error()
		} else {
			res.CorrectionApplied = true
			res.Correction = fmt.Sprintf("quantity %s -> %s", pos.Quantity, xp.Quantity)
		}
		if res.NeedsReview {
			log.WarnContext(ctx, "quantity mismatch above tolerance",
				slog.String("local", pos.Quantity.String()),
				slog.String("exchange", xp.Quantity.String()),
				slog.String("magnitude", res.Magnitude.String()),
			)
			e.alert(ctx, domain.Alert{
				Event:    domain.EventReconcileReview,
				Severity: domain.SeverityWarning,
				Title:    "Quantity mismatch needs review",
				Message:  fmt.Sprintf("%s %s: ledger %s, exchange %s (%s%%)", pos.Symbol, pos.ID, pos.Quantity, xp.Quantity, res.Magnitude.Mul(decimal.NewFromInt(100)).StringFixed(2)),
				Fields:   map[string]string{"position_id": pos.ID, "type": string(res.Type)},
			})
		}

	default:
		res.ExchangeQuantity = xp.Quantity
	}
	return res
}

// closeLocally closes a position the exchange no longer holds. The
// open -> closing transition guards against a concurrent close.
func (e *Engine) closeLocally(ctx context.Context, pos domain.Position) error {
	if err := e.positions.Transition(ctx, pos.ID, []domain.PositionStatus{domain.PositionStatusOpen}, domain.PositionStatusClosing); err != nil {
		return err
	}
	exit := pos.EntryPrice
	if e.feed != nil {
		if snap, err := e.feed.Price(ctx, pos.Symbol); err == nil && snap.Price.IsPositive() {
			exit = snap.Price
		}
	}
	realized := pos.PnLAt(exit)
	if err := e.positions.MarkClosed(ctx, pos.ID, exit, realized); err != nil {
		return err
	}
	if e.listener != nil {
		e.listener.PositionGone(ctx, pos, exit, realized)
	}
	return nil
}

// correctQuantity overwrites the local quantity unless the status moved on.
func (e *Engine) correctQuantity(ctx context.Context, id string, qty decimal.Decimal) error {
	return e.positions.UpdateQuantity(ctx, id, qty, []domain.PositionStatus{domain.PositionStatusOpen})
}

func relativeDiff(local, remote decimal.Decimal) decimal.Decimal {
	if local.IsZero() {
		return decimal.NewFromInt(1)
	}
	return local.Sub(remote).Abs().Div(local)
}

func (e *Engine) alert(ctx context.Context, a domain.Alert) {
	if e.alerter == nil {
		return
	}
	a.At = time.Now().UTC()
	if err := e.alerter.Alert(ctx, a); err != nil {
		e.logger.ErrorContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}
