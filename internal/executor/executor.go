// Package executor wraps the exchange boundary with pacing, an exchange-health
// breaker, per-attempt timeouts, bounded retries and client-order-id
// idempotency. It is the only component that sends orders.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/monitoring"
	"github.com/derobiwan/trader-sub000/internal/retry"
)

// Config tunes the executor.
type Config struct {
	CallTimeout      time.Duration // hard timeout of one exchange attempt
	MaxAttempts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	RequestsPerSec   float64
	Burst            int
	FillPollInterval time.Duration
	FillPollAttempts int
	BreakerFailures  uint32 // consecutive failures that open the health breaker
	BreakerCooldown  time.Duration
	FlattenAttempts  int
	FlattenBudget    time.Duration
	LedgerTTL        time.Duration
}

// DefaultConfig returns conservative defaults for a REST venue.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      5 * time.Second,
		MaxAttempts:      4,
		InitialBackoff:   200 * time.Millisecond,
		MaxBackoff:       5 * time.Second,
		RequestsPerSec:   10,
		Burst:            5,
		FillPollInterval: 250 * time.Millisecond,
		FillPollAttempts: 8,
		BreakerFailures:  5,
		BreakerCooldown:  30 * time.Second,
		FlattenAttempts:  10,
		FlattenBudget:    2 * time.Minute,
		LedgerTTL:        10 * time.Minute,
	}
}

// Executor is safe for concurrent use.
type Executor struct {
	ex      domain.Exchange
	cfg     Config
	limiter *rate.Limiter
	health  *gobreaker.CircuitBreaker
	policy  retry.Policy
	ledger  *Ledger
	orders  domain.OrderStore
	execs   domain.ExecutionStore
	logger  *slog.Logger
}

// New creates an Executor over ex.
func New(ex domain.Exchange, cfg Config, logger *slog.Logger) *Executor {
	logger = logger.With(slog.String("component", "executor"))
	e := &Executor{
		ex:      ex,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(cfg.Burst, 1)),
		ledger:  NewLedger(cfg.LedgerTTL),
		logger:  logger,
	}
	if cfg.RequestsPerSec <= 0 {
		e.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	e.health = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Only outages count against exchange health; rejections and
		// lookups of unknown orders are normal answers.
		IsSuccessful: func(err error) bool {
			return err == nil || !Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("exchange health breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			monitoring.SetExchangeBreakerOpen(to == gobreaker.StateOpen)
		},
	})
	e.policy = retry.Policy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: cfg.InitialBackoff,
		MaxDelay:     cfg.MaxBackoff,
		Multiplier:   2,
		Jitter:       0.2,
		Retryable:    Retryable,
	}
	return e
}

// SetStores enables persistence of orders and execution results. Either may
// be nil.
func (e *Executor) SetStores(orders domain.OrderStore, execs domain.ExecutionStore) {
	e.orders = orders
	e.execs = execs
}

// Policy returns the per-call retry policy.
func (e *Executor) Policy() retry.Policy {
	return e.policy
}

// FlattenPolicy returns the longer retry budget used when the circuit breaker
// closes every position.
func (e *Executor) FlattenPolicy() retry.Policy {
	return e.policy.WithMaxAttempts(e.cfg.FlattenAttempts).WithMaxElapsed(e.cfg.FlattenBudget)
}

// Retryable reports whether err is transient: a network or venue outage, a
// rate limit, an open health breaker or an expired per-attempt deadline.
func Retryable(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// ambiguous reports whether the request may have reached the exchange.
func ambiguous(err error) bool {
	return Retryable(err) && !errors.Is(err, domain.ErrRateLimited) && !errors.Is(err, domain.ErrExchangeUnavailable)
}

// call runs fn under the pacing limiter, the health breaker and a fresh
// per-attempt timeout, retrying per policy. It returns the number of attempts.
func (e *Executor) call(ctx context.Context, op string, policy retry.Policy, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := 0
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		e.logger.WarnContext(ctx, "retrying exchange call",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := e.health.Execute(func() (any, error) {
			actx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
			defer cancel()
			return nil, fn(actx, attempt)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", domain.ErrExchangeUnavailable, err)
		}
		return err
	})
	return attempts, err
}

// record persists the outcome of one logical operation and updates metrics.
func (e *Executor) record(ctx context.Context, op string, order domain.Order, attempts int, started time.Time, err error) {
	latency := time.Since(started)
	monitoring.RecordExchangeCall(op, err == nil, attempts, latency)

	if e.orders != nil && order.ID != "" {
		if perr := e.orders.Upsert(ctx, order); perr != nil {
			e.logger.ErrorContext(ctx, "persist order failed",
				slog.String("order_id", order.ID),
				slog.String("error", perr.Error()),
			)
		}
	}
	if e.execs == nil {
		return
	}
	res := domain.ExecutionResult{
		ID:         newID(),
		Operation:  op,
		Order:      order,
		Latency:    latency,
		Attempts:   attempts,
		Success:    err == nil,
		RecordedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	if perr := e.execs.Insert(ctx, res); perr != nil {
		e.logger.ErrorContext(ctx, "persist execution result failed",
			slog.String("operation", op),
			slog.String("error", perr.Error()),
		)
	}
}

// RunMaintenance expires idempotency ledger entries until ctx is done.
func (e *Executor) RunMaintenance(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.ledger.Cleanup()
		}
	}
}
