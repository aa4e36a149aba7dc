package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/breaker"
	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/exchangetest"
	"github.com/derobiwan/trader-sub000/internal/executor"
	"github.com/derobiwan/trader-sub000/internal/protection"
	"github.com/derobiwan/trader-sub000/internal/reconcile"
	"github.com/derobiwan/trader-sub000/internal/risk"
	"github.com/derobiwan/trader-sub000/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type triggers struct{ n atomic.Int32 }

func (t *triggers) Trigger(string) { t.n.Add(1) }

type alerts struct {
	mu  sync.Mutex
	all []domain.Alert
}

func (a *alerts) Alert(_ context.Context, al domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.all = append(a.all, al)
	return nil
}

func (a *alerts) count(event string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.all {
		if al.Event == event {
			n++
		}
	}
	return n
}

// closeFailingStore refuses to record closes.
type closeFailingStore struct {
	*memory.PositionStore
}

func (closeFailingStore) MarkClosed(context.Context, string, decimal.Decimal, decimal.Decimal) error {
	return errors.New("postgres: connection refused")
}

type fixture struct {
	svc       *TradeService
	ex        *exchangetest.Exchange
	exec      *executor.Executor
	guard     *protection.Manager
	breaker   *breaker.Breaker
	positions *memory.PositionStore
	audit     *memory.AuditStore
	recon     *triggers
	alerts    *alerts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		ex:        exchangetest.New(),
		positions: memory.NewPositionStore(),
		audit:     memory.NewAuditStore(),
		recon:     &triggers{},
		alerts:    &alerts{},
	}
	f.ex.SetBalance(domain.Balance{Equity: d("100000"), Available: d("100000"), Currency: "USDT"})
	f.ex.SetPrice("BTCUSDT", d("50000"))
	f.ex.SetPrice("ETHUSDT", d("3000"))

	f.exec = executor.New(f.ex, executor.Config{
		CallTimeout:      time.Second,
		MaxAttempts:      2,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FillPollInterval: time.Millisecond,
		FillPollAttempts: 2,
		FlattenAttempts:  3,
		FlattenBudget:    time.Second,
		LedgerTTL:        time.Minute,
	}, logger)

	f.guard = protection.NewManager(protection.Config{
		PriceInterval:     5 * time.Millisecond,
		EmergencyInterval: 5 * time.Millisecond,
		EmergencyLossPct:  d("90"),
		Confirmations:     1,
		StopCheckEvery:    3,
		MaxPriceAge:       time.Second,
		EscalationWindow:  200 * time.Millisecond,
		CloseBackoff:      time.Millisecond,
		CloseMaxBackoff:   5 * time.Millisecond,
	}, f.exec, f.ex, f.alerts, nil, logger)

	f.breaker = breaker.New(breaker.Config{ThresholdPct: d("7"), FlattenTimeout: 5 * time.Second},
		memory.NewBreakerStore(), f.exec, f.alerts, logger)
	require.NoError(t, f.breaker.Load(ctx))

	f.svc = NewTradeService(Deps{
		Executor:   f.exec,
		Protection: f.guard,
		Breaker:    f.breaker,
		Reconciler: f.recon,
		Validator: risk.NewValidator(risk.Limits{
			MaxOpenPositions: 5,
			MaxPositionPct:   d("60"),
			MaxExposurePct:   d("90"),
			DefaultLeverage:  risk.LeverageBounds{Min: d("1"), Max: d("10")},
		}),
		Positions: f.positions,
		Feed:      f.ex,
		Audit:     f.audit,
		Alerter:   f.alerts,
	}, logger)
	f.guard.SetListener(f.svc)
	f.breaker.SetFlattener(f.positions, f.svc, f.exec.FlattenPolicy())

	t.Cleanup(func() {
		f.breaker.Wait()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.guard.Shutdown(sctx)
	})
	return f
}

func signal(symbol string, qty, price, stop string) domain.TradingSignal {
	return domain.TradingSignal{
		Source:   "test",
		Symbol:   symbol,
		Side:     domain.SideLong,
		Quantity: d(qty),
		Price:    d(price),
		StopLoss: d(stop),
		Leverage: d("2"),
	}
}

func (f *fixture) status(t *testing.T, id string) domain.PositionStatus {
	t.Helper()
	pos, err := f.positions.GetByID(context.Background(), id)
	require.NoError(t, err)
	return pos.Status
}

func TestSubmit_OpensAndProtects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)
	require.True(t, res.Decision.Accepted)
	require.NotNil(t, res.Position)

	pos := *res.Position
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.True(t, pos.Quantity.Equal(d("0.1")))
	assert.True(t, pos.EntryPrice.Equal(d("50000")))
	assert.True(t, f.ex.Leverage("BTCUSDT").Equal(d("2")))
	assert.True(t, f.guard.Protected(pos.ID))
	assert.Positive(t, f.recon.n.Load())

	require.Eventually(t, func() bool {
		stored, err := f.positions.GetByID(ctx, pos.ID)
		return err == nil && stored.StopOrderID != ""
	}, time.Second, 5*time.Millisecond)

	entries, err := f.audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "position_opened", entries[0].Event)
}

func TestSubmit_PartialFillRecordsActualQuantity(t *testing.T) {
	f := newFixture(t)
	f.ex.SetFillRatio(d("0.5"))

	res, err := f.svc.Submit(context.Background(), signal("BTCUSDT", "0.2", "50000", "49000"))
	require.NoError(t, err)
	assert.True(t, res.Position.Quantity.Equal(d("0.1")))
}

func TestSubmit_RejectedByRisk(t *testing.T) {
	f := newFixture(t)
	sig := signal("BTCUSDT", "0.1", "50000", "49000")
	sig.StopLoss = decimal.Zero

	res, err := f.svc.Submit(context.Background(), sig)
	var rej *risk.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, risk.ReasonMissingStopLoss, res.Decision.Reason)
	assert.Empty(t, f.ex.Placed())
}

func TestSubmit_SymbolAlreadyHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestSubmit_EntryRejectedClosesLedgerEntry(t *testing.T) {
	f := newFixture(t)
	f.ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrRejected)

	res, err := f.svc.Submit(context.Background(), signal("BTCUSDT", "0.1", "50000", "49000"))
	require.ErrorIs(t, err, domain.ErrRejected)
	require.NotNil(t, res.Position)
	assert.Equal(t, domain.PositionStatusClosed, f.status(t, res.Position.ID))
	assert.False(t, f.guard.Protected(res.Position.ID))
}

func TestClose_RealizesPnL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)

	f.ex.SetPrice("BTCUSDT", d("51000"))
	closed, err := f.svc.Close(ctx, res.Position.ID, "manual")
	require.NoError(t, err)

	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(d("100")), closed.RealizedPnL.String())
	assert.False(t, f.guard.Protected(res.Position.ID))
	_, held := f.ex.Position("BTCUSDT")
	assert.False(t, held)
	assert.True(t, f.breaker.State().RealizedPnL.Equal(d("100")))

	again, err := f.svc.Close(ctx, res.Position.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, again.Status)
}

func TestProtectionExitIsBooked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)

	f.ex.SetPrice("BTCUSDT", d("48999"))
	require.Eventually(t, func() bool {
		return f.status(t, res.Position.ID) == domain.PositionStatusClosed
	}, 2*time.Second, 5*time.Millisecond)

	pos, err := f.positions.GetByID(ctx, res.Position.ID)
	require.NoError(t, err)
	assert.True(t, pos.RealizedPnL.Equal(d("-100.1")), pos.RealizedPnL.String())
	assert.True(t, f.breaker.State().RealizedPnL.Equal(d("-100.1")))

	_, err = f.svc.Close(ctx, res.Position.ID, "manual")
	assert.NoError(t, err)
}

func TestReconcileSkipsPositionWhileProtectiveCloseInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)

	engine := reconcile.New(reconcile.Config{Interval: time.Hour, Tolerance: d("0.01")},
		f.positions, f.ex, f.ex, nil, nil, f.alerts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	engine.SetListener(f.svc)

	// The close order lands but its response is lost; confirming it by
	// client id takes a while.
	f.ex.FailAfterApply(exchangetest.MethodPlaceOrder, domain.ErrTransient)
	f.ex.SetDelay(exchangetest.MethodGetOrder, 400*time.Millisecond)
	f.ex.SetPrice("BTCUSDT", d("48999"))

	require.Eventually(t, func() bool {
		_, held := f.ex.Position("BTCUSDT")
		return !held
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, domain.PositionStatusClosing, f.status(t, res.Position.ID))

	run, err := engine.Reconcile(ctx, reconcile.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, run.Checked)
	assert.Empty(t, run.Results)
	assert.Equal(t, domain.PositionStatusClosing, f.status(t, res.Position.ID))

	require.Eventually(t, func() bool {
		return f.status(t, res.Position.ID) == domain.PositionStatusClosed
	}, 3*time.Second, 5*time.Millisecond)
	pos, err := f.positions.GetByID(ctx, res.Position.ID)
	require.NoError(t, err)
	assert.True(t, pos.RealizedPnL.Equal(d("-100.1")), pos.RealizedPnL.String())
	assert.True(t, f.breaker.State().RealizedPnL.Equal(d("-100.1")))
}

func TestFailedProtectionReopensPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.positions.Create(ctx, domain.Position{
		ID: "p1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"),
		EntryPrice: d("50000"), Leverage: d("2"), StopLoss: d("49000"), Status: domain.PositionStatusOpen,
	}))
	pos, err := f.positions.GetByID(ctx, "p1")
	require.NoError(t, err)

	f.svc.PositionClosing(ctx, pos)
	assert.Equal(t, domain.PositionStatusClosing, f.status(t, "p1"))

	f.svc.ProtectionFailed(ctx, pos, domain.LayerPriceWatch, errors.New("exchange down"))
	assert.Equal(t, domain.PositionStatusOpen, f.status(t, "p1"))
	assert.Equal(t, domain.BreakerManualResetRequired, f.breaker.State().Status)
}

func TestStopExitBookedWhenLedgerWriteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, signal("BTCUSDT", "0.1", "50000", "49000"))
	require.NoError(t, err)
	f.svc.positions = closeFailingStore{PositionStore: f.positions}

	f.ex.SetPrice("BTCUSDT", d("48999"))
	require.Eventually(t, func() bool {
		return f.alerts.count(domain.EventLedgerWriteFailed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.breaker.State().RealizedPnL.Equal(d("-100.1")), f.breaker.State().RealizedPnL.String())
	assert.NotEqual(t, domain.PositionStatusClosed, f.status(t, res.Position.ID))
	_, held := f.ex.Position("BTCUSDT")
	assert.False(t, held)
}

func TestDailyLossTripFlattensEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	btc, err := f.svc.Submit(ctx, signal("BTCUSDT", "1", "50000", "40000"))
	require.NoError(t, err)
	eth, err := f.svc.Submit(ctx, signal("ETHUSDT", "10", "3000", "2000"))
	require.NoError(t, err)

	f.ex.SetPrice("BTCUSDT", d("45000"))
	f.ex.SetPrice("ETHUSDT", d("2800"))
	total, err := f.svc.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(d("-7000")), total.String())

	f.breaker.Wait()

	assert.Equal(t, domain.BreakerManualResetRequired, f.breaker.State().Status)
	for _, id := range []string{btc.Position.ID, eth.Position.ID} {
		assert.Equal(t, domain.PositionStatusClosed, f.status(t, id))
		assert.False(t, f.guard.Protected(id))
	}
	_, held := f.ex.Position("BTCUSDT")
	assert.False(t, held)
	_, held = f.ex.Position("ETHUSDT")
	assert.False(t, held)

	res, err := f.svc.Submit(ctx, signal("SOLUSDT", "1", "100", "90"))
	require.Error(t, err)
	assert.Equal(t, risk.ReasonBreakerNotActive, res.Decision.Reason)
}

func TestProtectionFailureHaltsTrading(t *testing.T) {
	f := newFixture(t)
	f.svc.ProtectionFailed(context.Background(), domain.Position{ID: "p1", Symbol: "BTCUSDT"},
		domain.LayerEmergency, errors.New("exchange down"))
	assert.Equal(t, domain.BreakerManualResetRequired, f.breaker.State().Status)
}

func TestSideMismatchHaltsTrading(t *testing.T) {
	f := newFixture(t)
	f.svc.SideMismatch(context.Background(), domain.ReconciliationResult{PositionID: "p1", Symbol: "BTCUSDT"})
	assert.Equal(t, domain.BreakerManualResetRequired, f.breaker.State().Status)
}

func TestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.positions.Create(ctx, domain.Position{
		ID: "open-1", Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"),
		EntryPrice: d("50000"), Leverage: d("2"), StopLoss: d("49000"), Status: domain.PositionStatusOpen,
	}))
	f.ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), EntryPrice: d("50000")})

	require.NoError(t, f.positions.Create(ctx, domain.Position{
		ID: "opening-1", Symbol: "ETHUSDT", Side: domain.SideLong, Quantity: d("1"),
		EntryPrice: d("3000"), Leverage: d("2"), StopLoss: d("2900"), Status: domain.PositionStatusOpening,
	}))

	require.NoError(t, f.svc.Resume(ctx))
	assert.True(t, f.guard.Protected("open-1"))
	assert.Equal(t, domain.PositionStatusClosed, f.status(t, "opening-1"))
}
