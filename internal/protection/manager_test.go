package protection

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/exchangetest"
	"github.com/derobiwan/trader-sub000/internal/executor"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type recorder struct {
	mu         sync.Mutex
	closing    []string
	stopped    []domain.StopEvent
	failed     []error
	stopOrders map[string]string
	alerts     []domain.Alert
}

func newRecorder() *recorder {
	return &recorder{stopOrders: make(map[string]string)}
}

func (r *recorder) PositionClosing(_ context.Context, pos domain.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closing = append(r.closing, pos.ID)
}

func (r *recorder) closingIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closing...)
}

func (r *recorder) PositionStopped(_ context.Context, ev domain.StopEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, ev)
}

func (r *recorder) ProtectionFailed(_ context.Context, _ domain.Position, _ domain.ProtectionLayer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
}

func (r *recorder) StopOrderChanged(_ context.Context, positionID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopOrders[positionID] = orderID
}

func (r *recorder) Alert(_ context.Context, a domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) events() []domain.StopEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.StopEvent(nil), r.stopped...)
}

func (r *recorder) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.failed...)
}

func (r *recorder) alertsFor(event string) []domain.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Alert
	for _, a := range r.alerts {
		if a.Event == event {
			out = append(out, a)
		}
	}
	return out
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() Config {
	return Config{
		PriceInterval:     5 * time.Millisecond,
		EmergencyInterval: 3 * time.Millisecond,
		EmergencyLossPct:  d("15"),
		Confirmations:     2,
		StopCheckEvery:    3,
		MaxPriceAge:       time.Second,
		EscalationWindow:  100 * time.Millisecond,
		CloseBackoff:      time.Millisecond,
		CloseMaxBackoff:   5 * time.Millisecond,
	}
}

type fixture struct {
	ex  *exchangetest.Exchange
	m   *Manager
	rec *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ex := exchangetest.New()
	ex.SetPrice("BTCUSDT", d("50000"))
	exec := executor.New(ex, executor.Config{
		CallTimeout:      time.Second,
		MaxAttempts:      2,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FillPollInterval: time.Millisecond,
		LedgerTTL:        time.Minute,
	}, logger)
	rec := newRecorder()
	m := NewManager(cfg, exec, ex, rec, rec, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &fixture{ex: ex, m: m, rec: rec}
}

// openLong puts a long BTC position on the exchange and returns its local view.
func (f *fixture) openLong(leverage, stop string) domain.Position {
	f.ex.SetPosition(domain.ExchangePosition{
		Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1"), EntryPrice: d("50000"),
	})
	return domain.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		Quantity: d("1"), EntryPrice: d("50000"), Leverage: d(leverage),
		StopLoss: d(stop), Status: domain.PositionStatusOpen,
	}
}

func marketOrders(ex *exchangetest.Exchange) []domain.OrderRequest {
	var out []domain.OrderRequest
	for _, r := range ex.Placed() {
		if r.Type == domain.OrderTypeMarket {
			out = append(out, r)
		}
	}
	return out
}

func TestProtect_ArmsAllLayersAndStopTearsDown(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	st, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	require.NotEmpty(t, st.StopOrderID)
	assert.Equal(t, domain.TriggerArmed, st.Status)
	assert.True(t, st.PriceWatchAlive)
	assert.True(t, st.EmergencyAlive)

	stop, ok := f.ex.Order(st.StopOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderTypeStopMarket, stop.Type)
	assert.True(t, stop.ReduceOnly)
	assert.Equal(t, domain.OrderSideSell, stop.Side)
	assert.True(t, d("49000").Equal(stop.TriggerPrice))

	_, err = f.m.Protect(ctx, f.openLong("10", "49000"))
	assert.ErrorIs(t, err, domain.ErrAlreadyProtected)

	require.NoError(t, f.m.Stop(ctx, "pos-1"))
	assert.Empty(t, f.m.Snapshot())
	assert.False(t, f.m.Protected("pos-1"))

	stop, _ = f.ex.Order(st.StopOrderID)
	assert.Equal(t, domain.OrderStatusCancelled, stop.Status)

	// A crossing price after teardown must not produce a close.
	f.ex.SetPrice("BTCUSDT", d("40000"))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, marketOrders(f.ex))
	assert.Empty(t, f.rec.events())

	assert.NoError(t, f.m.Stop(ctx, "pos-1"), "stopping twice is a no-op")
}

func TestPriceWatch_ClosesWhenExchangeStopCancelled(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// 5x leverage keeps the 48,999 print below the emergency threshold.
	st, err := f.m.Protect(ctx, f.openLong("5", "49000"))
	require.NoError(t, err)
	f.ex.CancelOutOfBand(st.StopOrderID)
	f.ex.SetPrice("BTCUSDT", d("48999"))

	require.Eventually(t, func() bool { return len(f.rec.events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := f.rec.events()[0]
	assert.Equal(t, domain.LayerPriceWatch, ev.Layer)
	assert.Equal(t, []string{"pos-1"}, f.rec.closingIDs(), "closing reported once before the close")
	require.NotNil(t, ev.Order)
	assert.True(t, d("1").Equal(ev.Order.FilledQty))

	closes := marketOrders(f.ex)
	require.Len(t, closes, 1)
	assert.True(t, closes[0].ReduceOnly)
	_, open := f.ex.Position("BTCUSDT")
	assert.False(t, open)
	assert.Empty(t, f.m.Snapshot())
}

func TestEmergency_FiresOnLossAndCancelsExchangeStop(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	// Stop far away; 16% loss on margin at 10x is a 1.6% adverse move.
	st, err := f.m.Protect(ctx, f.openLong("10", "40000"))
	require.NoError(t, err)
	f.ex.SetPrice("BTCUSDT", d("49200"))

	require.Eventually(t, func() bool { return len(f.rec.events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.LayerEmergency, f.rec.events()[0].Layer)
	alerts := f.rec.alertsFor(domain.EventEmergencyStop)
	require.Len(t, alerts, 1)
	assert.Equal(t, domain.SeverityCritical, alerts[0].Severity)

	stop, _ := f.ex.Order(st.StopOrderID)
	assert.Equal(t, domain.OrderStatusCancelled, stop.Status)
	assert.Len(t, marketOrders(f.ex), 1)
}

func TestWatchdogs_IgnoreStalePrices(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	f.ex.SetPriceAt("BTCUSDT", d("40000"), time.Now().Add(-time.Hour))

	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, f.rec.events())
	assert.Empty(t, marketOrders(f.ex))
	require.Len(t, f.m.Snapshot(), 1)
	assert.Equal(t, domain.TriggerArmed, f.m.Snapshot()[0].Status)
}

func TestExchangeStopFill_IsDetectedWithoutSecondClose(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	st, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	require.NoError(t, f.ex.TriggerStop(st.StopOrderID))

	require.Eventually(t, func() bool { return len(f.rec.events()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ev := f.rec.events()[0]
	assert.Equal(t, domain.LayerExchangeStop, ev.Layer)
	assert.True(t, d("49000").Equal(ev.Price))
	assert.Empty(t, marketOrders(f.ex))
}

func TestFire_OnlyOneLayerWins(t *testing.T) {
	cfg := testConfig()
	cfg.PriceInterval = time.Hour
	cfg.EmergencyInterval = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	f.m.mu.Lock()
	g := f.m.guards["pos-1"]
	f.m.mu.Unlock()
	require.NotNil(t, g)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		layer := domain.LayerPriceWatch
		if i%2 == 1 {
			layer = domain.LayerEmergency
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.m.fire(g, layer, d("48000"), nil)
		}()
	}
	wg.Wait()
	<-g.done

	assert.Len(t, marketOrders(f.ex), 1)
	assert.Len(t, f.rec.events(), 1)
	assert.NoError(t, f.m.Stop(ctx, "pos-1"), "guard already released")
}

func TestStop_AfterFireReportsAlreadyFired(t *testing.T) {
	cfg := testConfig()
	cfg.PriceInterval = time.Hour
	cfg.EmergencyInterval = time.Hour
	f := newFixture(t, cfg)
	ctx := context.Background()

	_, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	f.m.mu.Lock()
	g := f.m.guards["pos-1"]
	f.m.mu.Unlock()

	// Hold the close in flight so Stop observes the triggered state.
	f.ex.SetDelay(exchangetest.MethodListPositions, 30*time.Millisecond)
	go f.m.fire(g, domain.LayerPriceWatch, d("48000"), nil)
	require.Eventually(t, func() bool { return g.status.Load() != statusArmed }, time.Second, time.Millisecond)

	assert.ErrorIs(t, f.m.Stop(ctx, "pos-1"), ErrAlreadyFired)
	assert.Len(t, f.rec.events(), 1)
}

func TestClose_SideMismatchFailsWithoutOrder(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	pos := f.openLong("5", "49000")
	_, err := f.m.Protect(ctx, pos)
	require.NoError(t, err)
	f.ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideShort, Quantity: d("1")})
	f.ex.SetPrice("BTCUSDT", d("48000"))

	require.Eventually(t, func() bool { return len(f.rec.failures()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.rec.failures()[0], domain.ErrSideMismatch)
	assert.Empty(t, marketOrders(f.ex))
	assert.Len(t, f.rec.alertsFor(domain.EventProtectionFailed), 1)
}

func TestClose_EscalatesUntilWindowExpires(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	_, err := f.m.Protect(ctx, f.openLong("5", "49000"))
	require.NoError(t, err)
	errs := make([]error, 500)
	for i := range errs {
		errs[i] = domain.ErrRejected
	}
	f.ex.FailNext(exchangetest.MethodListPositions, errs...)
	f.ex.SetPrice("BTCUSDT", d("48000"))

	require.Eventually(t, func() bool { return len(f.rec.failures()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Greater(t, f.ex.Calls(exchangetest.MethodListPositions), 2)
	assert.ErrorIs(t, f.rec.failures()[0], domain.ErrRejected)
}

func TestShutdown_LeavesExchangeStopResting(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	st, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	require.NoError(t, f.m.Shutdown(ctx))

	stop, _ := f.ex.Order(st.StopOrderID)
	assert.Equal(t, domain.OrderStatusOpen, stop.Status)
	assert.Empty(t, f.m.Snapshot())

	_, err = f.m.Protect(ctx, f.openLong("10", "49000"))
	assert.Error(t, err)
}

func TestProtect_ReusesRestingStop(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()

	pos := f.openLong("10", "49000")
	first, err := f.m.Protect(ctx, pos)
	require.NoError(t, err)
	require.NoError(t, f.m.Shutdown(ctx))

	m2 := NewManager(testConfig(), f.m.exec, f.ex, f.rec, f.rec, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer func() { _ = m2.Shutdown(ctx) }()

	pos.StopOrderID = first.StopOrderID
	second, err := m2.Protect(ctx, pos)
	require.NoError(t, err)
	assert.Equal(t, first.StopOrderID, second.StopOrderID)

	stops := 0
	for _, r := range f.ex.Placed() {
		if r.Type == domain.OrderTypeStopMarket {
			stops++
		}
	}
	assert.Equal(t, 1, stops)
}

func TestProtect_RequiresStopLevel(t *testing.T) {
	f := newFixture(t, testConfig())
	pos := f.openLong("10", "49000")
	pos.StopLoss = decimal.Zero
	_, err := f.m.Protect(context.Background(), pos)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestProtect_TornDownDuringPlacementLogsFailedCancel(t *testing.T) {
	cfg := testConfig()
	cfg.PriceInterval = time.Hour
	cfg.EmergencyInterval = time.Hour
	f := newFixture(t, cfg)
	logs := &syncBuffer{}
	f.m.logger = slog.New(slog.NewTextHandler(logs, nil))
	ctx := context.Background()

	f.ex.SetDelay(exchangetest.MethodPlaceOrder, 50*time.Millisecond)
	f.ex.FailNext(exchangetest.MethodCancelOrder, domain.ErrRejected)

	stopped := make(chan error, 1)
	go func() {
		for !f.m.Protected("pos-1") {
			time.Sleep(time.Millisecond)
		}
		stopped <- f.m.Stop(ctx, "pos-1")
	}()

	st, err := f.m.Protect(ctx, f.openLong("10", "49000"))
	require.NoError(t, err)
	require.NoError(t, <-stopped)
	require.NotEmpty(t, st.StopOrderID)

	stop, ok := f.ex.Order(st.StopOrderID)
	require.True(t, ok)
	assert.False(t, stop.Status.Terminal(), "cancel was refused, order still rests")
	assert.Contains(t, logs.String(), "exchange stop cancel failed")
	assert.Contains(t, logs.String(), st.StopOrderID)
}
