// Package breaker implements the daily-loss circuit breaker. It is the single
// owner of the day's P&L and of the trading-allowed flag; every update goes
// through one mutex.
package breaker

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
	"github.com/derobiwan/trader-sub000/internal/retry"
)

// Config tunes the breaker.
type Config struct {
	ThresholdPct       decimal.Decimal // daily loss limit as percent of capital
	Location           *time.Location  // trading-day timezone
	FlattenTimeout     time.Duration
	FlattenConcurrency int
}

// CapitalSource reports account equity, used to size the day's threshold.
type CapitalSource interface {
	Balance(ctx context.Context) (domain.Balance, error)
}

// PositionLister lists positions that still hold risk.
type PositionLister interface {
	ListOpen(ctx context.Context) ([]domain.Position, error)
}

// PositionCloser closes one position end to end: protection teardown, the
// reduce-only exit and the ledger update. It reports the realized P&L back
// through RecordClose.
type PositionCloser interface {
	FlattenPosition(ctx context.Context, pos domain.Position, policy retry.Policy) error
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg     Config
	store   domain.BreakerStore
	capital CapitalSource
	alerter domain.Alerter
	logger  *slog.Logger
	now     func() time.Time

	lister PositionLister
	closer PositionCloser
	policy retry.Policy

	mu         sync.Mutex
	state      domain.CircuitBreakerState
	dayCapital decimal.Decimal

	flattens sync.WaitGroup
}

// New creates a Breaker. Call Load before use.
func New(cfg Config, store domain.BreakerStore, capital CapitalSource, alerter domain.Alerter, logger *slog.Logger) *Breaker {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FlattenConcurrency <= 0 {
		cfg.FlattenConcurrency = 4
	}
	if cfg.FlattenTimeout <= 0 {
		cfg.FlattenTimeout = 2 * time.Minute
	}
	return &Breaker{
		cfg:     cfg,
		store:   store,
		capital: capital,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "breaker")),
		now:     time.Now,
		state:   domain.CircuitBreakerState{Status: domain.BreakerActive},
	}
}

// SetFlattener wires the flatten-all path.
func (b *Breaker) SetFlattener(lister PositionLister, closer PositionCloser, policy retry.Policy) {
	b.lister = lister
	b.closer = closer
	b.policy = policy
}

func (b *Breaker) today() string {
	return b.now().In(b.cfg.Location).Format(time.DateOnly)
}

func (b *Breaker) threshold(capital decimal.Decimal) decimal.Decimal {
	return capital.Mul(b.cfg.ThresholdPct).Div(decimal.NewFromInt(100)).Neg()
}

func (b *Breaker) refreshCapital(ctx context.Context) {
	if b.capital == nil {
		return
	}
	bal, err := b.capital.Balance(ctx)
	if err != nil {
		b.logger.WarnContext(ctx, "capital refresh failed, keeping previous", slog.String("error", err.Error()))
		return
	}
	b.mu.Lock()
	b.dayCapital = bal.Equity
	b.mu.Unlock()
}

// ensureThreshold sizes the day's loss threshold when capital was unknown at
// the start of the day. It reports whether a threshold exists.
func (b *Breaker) ensureThreshold(ctx context.Context) bool {
	b.mu.Lock()
	known := !b.state.Threshold.IsZero()
	b.mu.Unlock()
	if known {
		return true
	}

	b.refreshCapital(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.state.Threshold.IsZero() {
		return true
	}
	if !b.dayCapital.IsPositive() {
		return false
	}
	b.state.Threshold = b.threshold(b.dayCapital)
	b.state.UpdatedAt = b.now().UTC()
	b.logger.InfoContext(ctx, "loss threshold sized late",
		slog.String("capital", b.dayCapital.String()),
		slog.String("threshold", b.state.Threshold.String()),
	)
	if err := b.saveLocked(ctx); err != nil {
		b.logger.ErrorContext(ctx, "persist breaker state failed", slog.String("error", err.Error()))
	}
	return true
}

// Load restores persisted state, rolling the day if it changed while the
// process was down.
func (b *Breaker) Load(ctx context.Context) error {
	b.refreshCapital(ctx)

	st, err := b.store.Load(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		b.mu.Lock()
		b.state = domain.CircuitBreakerState{
			Date:      b.today(),
			Status:    domain.BreakerActive,
			Threshold: b.threshold(b.dayCapital),
			UpdatedAt: b.now().UTC(),
		}
		err = b.saveLocked(ctx)
		b.mu.Unlock()
		return err
	case err != nil:
		return fmt.Errorf("breaker: load: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = st
	if b.state.Status == domain.BreakerTripped {
		// The process died mid-flatten; positions may still be open.
		b.state.Status = domain.BreakerManualResetRequired
		if b.state.ResetToken == "" {
			b.state.ResetToken = uuid.NewString()
		}
	}
	b.rollLocked(ctx)
	b.publishLocked()
	return b.saveLocked(ctx)
}

// rollLocked starts a new trading day if the date changed. Caller holds mu.
func (b *Breaker) rollLocked(ctx context.Context) bool {
	day := b.today()
	if b.state.Date == day {
		return false
	}
	prev := b.state
	b.state.Date = day
	b.state.RealizedPnL = decimal.Zero
	b.state.UnrealizedPnL = decimal.Zero
	if b.dayCapital.IsPositive() {
		b.state.Threshold = b.threshold(b.dayCapital)
	}
	if prev.Status != domain.BreakerManualResetRequired {
		b.state.Status = domain.BreakerActive
		b.state.Reason = ""
		b.state.TrippedAt = nil
		b.state.ResetToken = ""
	}
	b.state.UpdatedAt = b.now().UTC()
	b.logger.InfoContext(ctx, "trading day rolled",
		slog.String("from", prev.Date),
		slog.String("to", day),
		slog.String("status", string(b.state.Status)),
		slog.String("threshold", b.state.Threshold.String()),
	)
	return true
}

// RollDay refreshes capital and rolls the trading day. It is run by the
// scheduler at midnight; every other entry point also rolls lazily.
func (b *Breaker) RollDay(ctx context.Context) error {
	b.refreshCapital(ctx)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.rollLocked(ctx) {
		return nil
	}
	b.publishLocked()
	return b.saveLocked(ctx)
}

// State returns the current state without the reset token.
func (b *Breaker) State() domain.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(context.Background())
	return b.state.Public()
}

// Allow returns ErrTradingHalted unless the breaker is active and the day's
// loss threshold is known.
func (b *Breaker) Allow() error {
	if !b.ensureThreshold(context.Background()) {
		return fmt.Errorf("breaker: capital unknown, no loss threshold: %w", domain.ErrTradingHalted)
	}
	st := b.State()
	if st.Status != domain.BreakerActive {
		return fmt.Errorf("breaker: %s: %w", st.Status, domain.ErrTradingHalted)
	}
	return nil
}

// RecordClose books the realized P&L of a closed position and trips the
// breaker when the day's total breaches the threshold.
func (b *Breaker) RecordClose(ctx context.Context, realized decimal.Decimal) error {
	b.ensureThreshold(ctx)
	b.mu.Lock()
	b.rollLocked(ctx)
	b.state.RealizedPnL = b.state.RealizedPnL.Add(realized)
	trip, tripped := b.evaluateLocked(ctx, "realized loss")
	err := b.saveLocked(ctx)
	b.mu.Unlock()

	if tripped {
		b.alert(ctx, trip)
		b.startFlatten(ctx)
	}
	return err
}

// UpdateUnrealized replaces the day's unrealized P&L with a fresh mark.
func (b *Breaker) UpdateUnrealized(ctx context.Context, unrealized decimal.Decimal) error {
	b.ensureThreshold(ctx)
	b.mu.Lock()
	b.rollLocked(ctx)
	b.state.UnrealizedPnL = unrealized
	trip, tripped := b.evaluateLocked(ctx, "unrealized loss")
	err := b.saveLocked(ctx)
	b.mu.Unlock()

	if tripped {
		b.alert(ctx, trip)
		b.startFlatten(ctx)
	}
	return err
}

// evaluateLocked trips an active breaker whose threshold is breached and
// returns the alert to send once the lock is released.
func (b *Breaker) evaluateLocked(ctx context.Context, cause string) (domain.Alert, bool) {
	b.publishLocked()
	if b.state.Status != domain.BreakerActive || b.state.Threshold.IsZero() || !b.state.Breached() {
		return domain.Alert{}, false
	}
	now := b.now().UTC()
	b.state.Status = domain.BreakerTripped
	b.state.TrippedAt = &now
	b.state.Reason = fmt.Sprintf("%s: daily P&L %s breached %s", cause, b.state.DailyPnL(), b.state.Threshold)
	b.state.UpdatedAt = now
	b.publishLocked()

	b.logger.ErrorContext(ctx, "circuit breaker tripped",
		slog.String("daily_pnl", b.state.DailyPnL().String()),
		slog.String("threshold", b.state.Threshold.String()),
	)
	return domain.Alert{
		Event:    domain.EventBreakerTripped,
		Severity: domain.SeverityCritical,
		Title:    "Circuit breaker tripped",
		Message:  b.state.Reason + "; closing all positions",
		Fields: map[string]string{
			"daily_pnl": b.state.DailyPnL().String(),
			"threshold": b.state.Threshold.String(),
		},
	}, true
}

func (b *Breaker) startFlatten(ctx context.Context) {
	b.flattens.Add(1)
	go func() {
		defer b.flattens.Done()
		b.flattenAll(context.WithoutCancel(ctx))
	}()
}

// flattenAll closes every open position concurrently with the flatten retry
// policy, then requires a manual reset.
func (b *Breaker) flattenAll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.FlattenTimeout)
	defer cancel()

	var failed []string
	var flattenErr error
	if b.lister == nil || b.closer == nil {
		flattenErr = errors.New("no flattener configured")
	} else if positions, err := b.lister.ListOpen(ctx); err != nil {
		flattenErr = fmt.Errorf("list open positions: %w", err)
	} else {
		p := pool.New().WithErrors().WithMaxGoroutines(b.cfg.FlattenConcurrency)
		var mu sync.Mutex
		for _, pos := range positions {
			if pos.Status != domain.PositionStatusOpen {
				continue
			}
			p.Go(func() error {
				if err := b.closer.FlattenPosition(ctx, pos, b.policy); err != nil {
					mu.Lock()
					failed = append(failed, pos.ID)
					mu.Unlock()
					return fmt.Errorf("%s: %w", pos.ID, err)
				}
				return nil
			})
		}
		flattenErr = p.Wait()
	}

	b.mu.Lock()
	b.state.Status = domain.BreakerManualResetRequired
	b.state.ResetToken = uuid.NewString()
	b.state.UpdatedAt = b.now().UTC()
	token := b.state.ResetToken
	b.publishLocked()
	if err := b.saveLocked(ctx); err != nil {
		b.logger.ErrorContext(ctx, "persist breaker state failed", slog.String("error", err.Error()))
	}
	b.mu.Unlock()

	if flattenErr != nil {
		b.logger.ErrorContext(ctx, "flatten incomplete", slog.String("error", flattenErr.Error()))
		b.alert(ctx, domain.Alert{
			Event:    domain.EventFlattenIncomplete,
			Severity: domain.SeverityCritical,
			Title:    "Flatten-all incomplete",
			Message:  fmt.Sprintf("positions may still be open: %v", flattenErr),
			Fields:   map[string]string{"failed": fmt.Sprint(failed)},
		})
	}
	b.alert(ctx, domain.Alert{
		Event:    domain.EventBreakerTripped,
		Severity: domain.SeverityCritical,
		Title:    "Manual reset required",
		Message:  "trading halted until an operator resets the circuit breaker",
		Fields:   map[string]string{"reset_token": token},
	})
}

// Wait blocks until in-flight flatten runs finish.
func (b *Breaker) Wait() {
	b.flattens.Wait()
}

// Halt moves straight to manual-reset-required, e.g. after a protective
// close failed and a position may be unprotected.
func (b *Breaker) Halt(ctx context.Context, reason string) error {
	b.mu.Lock()
	b.rollLocked(ctx)
	if b.state.Status == domain.BreakerManualResetRequired {
		b.mu.Unlock()
		return nil
	}
	now := b.now().UTC()
	b.state.Status = domain.BreakerManualResetRequired
	b.state.Reason = reason
	b.state.TrippedAt = &now
	b.state.ResetToken = uuid.NewString()
	b.state.UpdatedAt = now
	b.publishLocked()
	token := b.state.ResetToken
	err := b.saveLocked(ctx)
	b.mu.Unlock()

	b.logger.ErrorContext(ctx, "trading halted", slog.String("reason", reason))
	b.alert(ctx, domain.Alert{
		Event:    domain.EventBreakerTripped,
		Severity: domain.SeverityCritical,
		Title:    "Trading halted",
		Message:  reason,
		Fields:   map[string]string{"reset_token": token},
	})
	return err
}

// Reset is the only manual transition: manual-reset-required -> active. The
// day's P&L starts again from zero.
func (b *Breaker) Reset(ctx context.Context, token string) error {
	b.mu.Lock()
	if b.state.Status != domain.BreakerManualResetRequired {
		status := b.state.Status
		b.mu.Unlock()
		return fmt.Errorf("breaker: reset from %s: %w", status, domain.ErrStatusConflict)
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(b.state.ResetToken)) != 1 {
		b.mu.Unlock()
		return fmt.Errorf("breaker: %w", domain.ErrInvalidResetToken)
	}
	b.state.Status = domain.BreakerActive
	b.state.RealizedPnL = decimal.Zero
	b.state.UnrealizedPnL = decimal.Zero
	b.state.ResetToken = ""
	b.state.Reason = ""
	b.state.TrippedAt = nil
	b.state.Date = b.today()
	b.state.UpdatedAt = b.now().UTC()
	if b.dayCapital.IsPositive() {
		b.state.Threshold = b.threshold(b.dayCapital)
	}
	b.publishLocked()
	err := b.saveLocked(ctx)
	b.mu.Unlock()

	b.logger.WarnContext(ctx, "circuit breaker reset by operator")
	b.alert(ctx, domain.Alert{
		Event:    domain.EventBreakerReset,
		Severity: domain.SeverityInfo,
		Title:    "Circuit breaker reset",
		Message:  "trading re-enabled",
	})
	return err
}

func (b *Breaker) saveLocked(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	if err := b.store.Save(ctx, b.state); err != nil {
		return fmt.Errorf("breaker: save: %w", err)
	}
	return nil
}

func (b *Breaker) publishLocked() {
	monitoring.SetBreakerStatus(string(b.state.Status))
	monitoring.SetDailyPnL(b.state.DailyPnL().InexactFloat64())
}

func (b *Breaker) alert(ctx context.Context, a domain.Alert) {
	if b.alerter == nil {
		return
	}
	if a.At.IsZero() {
		a.At = b.now().UTC()
	}
	if err := b.alerter.Alert(ctx, a); err != nil {
		b.logger.ErrorContext(ctx, "alert delivery failed",
			slog.String("event", a.Event),
			slog.String("error", err.Error()),
		)
	}
}
