package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/retry"
	"github.com/derobiwan/trader-sub000/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedCapital struct{ equity decimal.Decimal }

func (c fixedCapital) Balance(context.Context) (domain.Balance, error) {
	return domain.Balance{Equity: c.equity}, nil
}

// flakyCapital fails until recovered.
type flakyCapital struct {
	mu     sync.Mutex
	down   bool
	calls  int
	equity decimal.Decimal
}

func (c *flakyCapital) Balance(context.Context) (domain.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down {
		return domain.Balance{}, errors.New("exchange unavailable")
	}
	return domain.Balance{Equity: c.equity}, nil
}

func (c *flakyCapital) recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = false
}

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

func (a *alerts) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.all) - 1; i >= 0; i-- {
		if tok := a.all[i].Fields["reset_token"]; tok != "" {
			return tok
		}
	}
	return ""
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

type book struct {
	mu      sync.Mutex
	open    []domain.Position
	closed  []string
	failFor string
}

func (b *book) ListOpen(context.Context) ([]domain.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Position(nil), b.open...), nil
}

func (b *book) FlattenPosition(_ context.Context, pos domain.Position, _ retry.Policy) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos.ID == b.failFor {
		return errors.New("exchange down")
	}
	b.closed = append(b.closed, pos.ID)
	return nil
}

func (b *book) closedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

type fixture struct {
	b      *Breaker
	store  *memory.BreakerStore
	alerts *alerts
	book   *book
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewBreakerStore(),
		alerts: &alerts{},
		book: &book{open: []domain.Position{
			{ID: "p1", Status: domain.PositionStatusOpen},
			{ID: "p2", Status: domain.PositionStatusOpen},
			{ID: "p3", Status: domain.PositionStatusClosing},
		}},
		clock: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.b = newBreaker(f)
	require.NoError(t, f.b.Load(context.Background()))
	return f
}

func newBreaker(f *fixture) *Breaker {
	b := New(Config{
		ThresholdPct:   d("7"),
		Location:       time.UTC,
		FlattenTimeout: time.Second,
	}, f.store, fixedCapital{equity: d("100000")}, f.alerts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return f.clock }
	b.SetFlattener(f.book, f.book, retry.Policy{})
	return b
}

func TestLoad_FreshDay(t *testing.T) {
	f := newFixture(t)
	st := f.b.State()
	assert.Equal(t, domain.BreakerActive, st.Status)
	assert.Equal(t, "2026-03-02", st.Date)
	assert.True(t, d("-7000").Equal(st.Threshold))
	assert.NoError(t, f.b.Allow())

	saved, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerActive, saved.Status)
}

func TestRecordClose_TripsAndFlattens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.b.RecordClose(ctx, d("-3000")))
	assert.Equal(t, domain.BreakerActive, f.b.State().Status)

	require.NoError(t, f.b.RecordClose(ctx, d("-4500")))
	assert.ErrorIs(t, f.b.Allow(), domain.ErrTradingHalted, "halted as soon as it trips")

	f.b.Wait()
	st := f.b.State()
	assert.Equal(t, domain.BreakerManualResetRequired, st.Status)
	assert.Empty(t, st.ResetToken, "public state hides the token")
	assert.ElementsMatch(t, []string{"p1", "p2"}, f.book.closedIDs())
	assert.NotEmpty(t, f.alerts.token())
	assert.Equal(t, 2, f.alerts.count(domain.EventBreakerTripped))
	assert.Zero(t, f.alerts.count(domain.EventFlattenIncomplete))

	saved, err := f.store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.alerts.token(), saved.ResetToken)
}

func TestUpdateUnrealized_TripsAtThreshold(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.b.UpdateUnrealized(context.Background(), d("-7000")))
	f.b.Wait()
	assert.Equal(t, domain.BreakerManualResetRequired, f.b.State().Status)
}

func TestUpdateUnrealized_Replaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.b.UpdateUnrealized(ctx, d("-5000")))
	require.NoError(t, f.b.UpdateUnrealized(ctx, d("-1000")))
	require.NoError(t, f.b.RecordClose(ctx, d("-2000")))

	st := f.b.State()
	assert.True(t, d("-3000").Equal(st.DailyPnL()))
	assert.Equal(t, domain.BreakerActive, st.Status)
}

func TestFlatten_IncompleteRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.book.failFor = "p2"

	require.NoError(t, f.b.RecordClose(context.Background(), d("-8000")))
	f.b.Wait()

	assert.Equal(t, domain.BreakerManualResetRequired, f.b.State().Status)
	assert.Equal(t, 1, f.alerts.count(domain.EventFlattenIncomplete))
	assert.Equal(t, []string{"p1"}, f.book.closedIDs())
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.b.Reset(ctx, "anything"), domain.ErrStatusConflict)

	require.NoError(t, f.b.RecordClose(ctx, d("-8000")))
	f.b.Wait()

	assert.ErrorIs(t, f.b.Reset(ctx, "wrong"), domain.ErrInvalidResetToken)
	assert.ErrorIs(t, f.b.Reset(ctx, ""), domain.ErrInvalidResetToken)

	require.NoError(t, f.b.Reset(ctx, f.alerts.token()))
	st := f.b.State()
	assert.Equal(t, domain.BreakerActive, st.Status)
	assert.True(t, st.DailyPnL().IsZero())
	assert.NoError(t, f.b.Allow())
	assert.Equal(t, 1, f.alerts.count(domain.EventBreakerReset))
}

func TestDayRoll(t *testing.T) {
	t.Run("active resets with zero P&L", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.b.RecordClose(context.Background(), d("-2000")))

		f.clock = f.clock.Add(24 * time.Hour)
		st := f.b.State()
		assert.Equal(t, "2026-03-03", st.Date)
		assert.Equal(t, domain.BreakerActive, st.Status)
		assert.True(t, st.DailyPnL().IsZero())
	})

	t.Run("manual reset survives the boundary", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.b.RecordClose(context.Background(), d("-8000")))
		f.b.Wait()

		f.clock = f.clock.Add(24 * time.Hour)
		require.NoError(t, f.b.RollDay(context.Background()))
		st := f.b.State()
		assert.Equal(t, "2026-03-03", st.Date)
		assert.Equal(t, domain.BreakerManualResetRequired, st.Status)
		assert.ErrorIs(t, f.b.Allow(), domain.ErrTradingHalted)
	})

	t.Run("tripped resets naturally", func(t *testing.T) {
		f := newFixture(t)
		f.b.mu.Lock()
		f.b.state.Status = domain.BreakerTripped
		f.b.mu.Unlock()

		f.clock = f.clock.Add(24 * time.Hour)
		assert.Equal(t, domain.BreakerActive, f.b.State().Status)
	})
}

func TestHalt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.b.Halt(ctx, "protective close failed for p1"))
	st := f.b.State()
	assert.Equal(t, domain.BreakerManualResetRequired, st.Status)
	assert.Equal(t, "protective close failed for p1", st.Reason)
	assert.Empty(t, f.book.closedIDs(), "halt does not flatten")

	require.NoError(t, f.b.Reset(ctx, f.alerts.token()))
	assert.NoError(t, f.b.Allow())
}

func TestLoad_RestoresStateAcrossRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.b.RecordClose(ctx, d("-8000")))
	f.b.Wait()
	token := f.alerts.token()

	restarted := newBreaker(f)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, domain.BreakerManualResetRequired, restarted.State().Status)
	require.NoError(t, restarted.Reset(ctx, token))
}

func TestLoad_TrippedMidFlattenNeedsManualReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, domain.CircuitBreakerState{
		Date: "2026-03-02", Status: domain.BreakerTripped, Threshold: d("-7000"),
	}))

	restarted := newBreaker(f)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, domain.BreakerManualResetRequired, restarted.State().Status)
}

func TestRecordClose_SerializesConcurrentUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.b.RecordClose(ctx, d("-1.5"))
		}()
	}
	wg.Wait()
	assert.True(t, d("-150").Equal(f.b.State().RealizedPnL))
}

func TestCapitalUnknownAtLoad(t *testing.T) {
	setup := func(t *testing.T) (*fixture, *flakyCapital) {
		f := &fixture{
			store:  memory.NewBreakerStore(),
			alerts: &alerts{},
			book:   &book{open: []domain.Position{{ID: "p1", Status: domain.PositionStatusOpen}}},
			clock:  time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		}
		capital := &flakyCapital{down: true, equity: d("100000")}
		f.b = New(Config{ThresholdPct: d("7"), Location: time.UTC, FlattenTimeout: time.Second},
			f.store, capital, f.alerts, slog.New(slog.NewTextHandler(io.Discard, nil)))
		f.b.now = func() time.Time { return f.clock }
		f.b.SetFlattener(f.book, f.book, retry.Policy{})
		require.NoError(t, f.b.Load(context.Background()))
		require.True(t, f.b.State().Threshold.IsZero())
		return f, capital
	}

	t.Run("trading refused until capital is known", func(t *testing.T) {
		f, capital := setup(t)
		assert.ErrorIs(t, f.b.Allow(), domain.ErrTradingHalted)

		capital.recover()
		require.NoError(t, f.b.Allow())
		assert.True(t, d("-7000").Equal(f.b.State().Threshold))

		saved, err := f.store.Load(context.Background())
		require.NoError(t, err)
		assert.True(t, d("-7000").Equal(saved.Threshold))
	})

	t.Run("loss after recovery trips", func(t *testing.T) {
		f, capital := setup(t)
		capital.recover()

		require.NoError(t, f.b.RecordClose(context.Background(), d("-50000")))
		f.b.Wait()
		st := f.b.State()
		assert.True(t, d("-7000").Equal(st.Threshold))
		assert.Equal(t, domain.BreakerManualResetRequired, st.Status)
		assert.Equal(t, []string{"p1"}, f.book.closedIDs())
	})

	t.Run("unrealized mark sizes the threshold", func(t *testing.T) {
		f, capital := setup(t)
		require.NoError(t, f.b.UpdateUnrealized(context.Background(), d("-8000")))
		assert.Equal(t, domain.BreakerActive, f.b.State().Status, "no threshold yet")

		capital.recover()
		require.NoError(t, f.b.UpdateUnrealized(context.Background(), d("-8000")))
		f.b.Wait()
		assert.Equal(t, domain.BreakerManualResetRequired, f.b.State().Status)
	})

	t.Run("known threshold skips the balance call", func(t *testing.T) {
		f, capital := setup(t)
		capital.recover()
		require.NoError(t, f.b.Allow())
		capital.mu.Lock()
		before := capital.calls
		capital.mu.Unlock()

		require.NoError(t, f.b.Allow())
		require.NoError(t, f.b.RecordClose(context.Background(), d("-10")))
		capital.mu.Lock()
		defer capital.mu.Unlock()
		assert.Equal(t, before, capital.calls)
	})
}
