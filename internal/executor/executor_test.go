package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/exchangetest"
	"github.com/derobiwan/trader-sub000/internal/retry"
	"github.com/derobiwan/trader-sub000/internal/store/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		CallTimeout:      200 * time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		FillPollInterval: time.Millisecond,
		FillPollAttempts: 2,
		FlattenAttempts:  5,
		FlattenBudget:    time.Second,
		LedgerTTL:        time.Minute,
	}
}

func newTestExecutor(t *testing.T, cfg Config) (*Executor, *exchangetest.Exchange) {
	t.Helper()
	ex := exchangetest.New()
	ex.SetPrice("BTCUSDT", d("50000"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(ex, cfg, logger), ex
}

func marketBuy(qty string) domain.OrderRequest {
	return domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideBuy, Quantity: d(qty)}
}

func TestPlaceMarketOrder_ReturnsActualFill(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetFillRatio(d("0.5"))

	o, err := e.PlaceMarketOrder(context.Background(), marketBuy("2"))
	require.NoError(t, err)

	assert.True(t, d("1").Equal(o.FilledQty), "filled %s", o.FilledQty)
	assert.True(t, d("2").Equal(o.Quantity))
	assert.True(t, d("50000").Equal(o.AvgFillPrice))
	assert.Equal(t, domain.OrderStatusPartiallyFilled, o.Status)
	assert.NotEmpty(t, o.ClientOrderID)
	assert.NotEmpty(t, o.ID)
}

func TestPlaceMarketOrder_RetriesTransientWithSameClientID(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrTransient)

	o, err := e.PlaceMarketOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)

	assert.Equal(t, 2, ex.Calls(exchangetest.MethodPlaceOrder))
	placed := ex.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, o.ClientOrderID, placed[0].ClientOrderID)
}

func TestPlaceMarketOrder_LostResponseDoesNotDoubleExecute(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.FailAfterApply(exchangetest.MethodPlaceOrder, domain.ErrTransient)

	o, err := e.PlaceMarketOrder(context.Background(), marketBuy("1"))
	require.NoError(t, err)

	assert.Equal(t, 1, ex.Calls(exchangetest.MethodPlaceOrder))
	assert.Len(t, ex.Placed(), 1)
	assert.True(t, d("1").Equal(o.FilledQty))

	pos, ok := ex.Position("BTCUSDT")
	require.True(t, ok)
	assert.True(t, d("1").Equal(pos.Quantity))
}

func TestPlaceOrder_RejectionIsNotRetried(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrRejected)

	_, err := e.PlaceMarketOrder(context.Background(), marketBuy("1"))
	require.ErrorIs(t, err, domain.ErrRejected)
	assert.False(t, retry.IsExhausted(err))
	assert.Equal(t, 1, ex.Calls(exchangetest.MethodPlaceOrder))
}

func TestPlaceOrder_ExhaustedRetries(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrRateLimited, domain.ErrRateLimited, domain.ErrRateLimited)

	_, err := e.PlaceMarketOrder(context.Background(), marketBuy("1"))
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, 3, ex.Calls(exchangetest.MethodPlaceOrder))
	assert.Empty(t, ex.Placed())
}

func TestPlaceOrder_PerCallTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	e, ex := newTestExecutor(t, cfg)
	ex.SetDelay(exchangetest.MethodPlaceOrder, time.Second)

	start := time.Now()
	_, err := e.PlaceMarketOrder(context.Background(), marketBuy("1"))
	require.Error(t, err)
	assert.True(t, retry.IsExhausted(err))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPlaceOrder_DuplicateClientIDReturnsExisting(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ctx := context.Background()

	existing, err := ex.PlaceOrder(ctx, domain.OrderRequest{
		ClientOrderID: "cid-1", Symbol: "BTCUSDT", Type: domain.OrderTypeLimit,
		Side: domain.OrderSideBuy, Quantity: d("1"), Price: d("49000"),
	})
	require.NoError(t, err)

	req := marketBuy("1")
	req.ClientOrderID = "cid-1"
	req.Price = d("49000")
	o, err := e.PlaceLimitOrder(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, existing.ExchangeOrderID, o.ExchangeOrderID)
	assert.Len(t, ex.Placed(), 1)
}

func TestPlaceOrder_LedgerShortCircuitsRepeats(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	req := marketBuy("1")
	req.ClientOrderID = "cid-2"

	first, err := e.PlaceMarketOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := e.PlaceMarketOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
	assert.Equal(t, 1, ex.Calls(exchangetest.MethodPlaceOrder))
}

func TestPlaceLimitAndStop_Validation(t *testing.T) {
	e, _ := newTestExecutor(t, testConfig())
	ctx := context.Background()

	_, err := e.PlaceLimitOrder(ctx, marketBuy("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = e.PlaceStopOrder(ctx, marketBuy("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	req := domain.OrderRequest{Symbol: "BTCUSDT", Side: domain.OrderSideSell, Quantity: d("1"), TriggerPrice: d("49000")}
	o, err := e.PlaceStopOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, domain.OrderTypeStopMarket, o.Type)
	assert.Equal(t, domain.OrderStatusOpen, o.Status)
}

func TestCancelOrder_UnknownIsNoop(t *testing.T) {
	e, _ := newTestExecutor(t, testConfig())
	assert.NoError(t, e.CancelOrder(context.Background(), "BTCUSDT", "nope"))
}

func longPosition(qty string) domain.Position {
	return domain.Position{
		ID: "pos-1", Symbol: "BTCUSDT", Side: domain.SideLong,
		Quantity: d(qty), EntryPrice: d("50000"), Leverage: d("10"),
		StopLoss: d("49000"), Status: domain.PositionStatusOpen,
	}
}

func TestClosePosition_ReduceOnlyForExchangeQuantity(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("0.995"), EntryPrice: d("50000")})

	res, err := e.ClosePosition(context.Background(), longPosition("1"))
	require.NoError(t, err)
	require.False(t, res.AlreadyFlat)
	require.NotNil(t, res.Order)

	placed := ex.Placed()
	require.Len(t, placed, 1)
	assert.True(t, placed[0].ReduceOnly)
	assert.Equal(t, domain.OrderSideSell, placed[0].Side)
	assert.True(t, d("0.995").Equal(placed[0].Quantity))
	assert.Equal(t, "pos-1", res.Order.PositionID)

	_, ok := ex.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestClosePosition_TwiceIsNoop(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	pos := longPosition("1")

	_, err := e.ClosePosition(context.Background(), pos)
	require.NoError(t, err)
	res, err := e.ClosePosition(context.Background(), pos)
	require.NoError(t, err)

	assert.True(t, res.AlreadyFlat)
	assert.Nil(t, res.Order)
	assert.Len(t, ex.Placed(), 1)
	_, ok := ex.Position("BTCUSDT")
	assert.False(t, ok, "close must never open a position")
}

func TestClosePosition_SideMismatchSendsNothing(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideShort, Quantity: d("1")})

	_, err := e.ClosePosition(context.Background(), longPosition("1"))
	require.ErrorIs(t, err, domain.ErrSideMismatch)
	assert.Empty(t, ex.Placed())
	assert.Equal(t, 1, ex.Calls(exchangetest.MethodListPositions))
}

func TestClosePosition_PositionAbsentOnPlaceMeansFlat(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrPositionAbsent)

	res, err := e.ClosePosition(context.Background(), longPosition("1"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyFlat)
}

func TestClosePosition_LostResponseFindsOrder(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	ex.SetPosition(domain.ExchangePosition{Symbol: "BTCUSDT", Side: domain.SideLong, Quantity: d("1")})
	ex.FailAfterApply(exchangetest.MethodPlaceOrder, domain.ErrTransient)

	res, err := e.ClosePosition(context.Background(), longPosition("1"))
	require.NoError(t, err)
	require.NotNil(t, res.Order)
	assert.True(t, d("1").Equal(res.Order.FilledQty))
	assert.Len(t, ex.Placed(), 1)
}

func TestExecutor_PersistsOrdersAndResults(t *testing.T) {
	e, ex := newTestExecutor(t, testConfig())
	orders := memory.NewOrderStore()
	execs := memory.NewExecutionStore()
	e.SetStores(orders, execs)
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrTransient)

	req := marketBuy("1")
	req.PositionID = "pos-9"
	o, err := e.PlaceMarketOrder(context.Background(), req)
	require.NoError(t, err)

	stored, err := orders.GetByClientID(context.Background(), o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.Equal(t, "pos-9", stored.PositionID)

	results := execs.All()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, "place_market", results[0].Operation)
}

func TestExecutor_HealthBreakerOpens(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Minute
	e, ex := newTestExecutor(t, cfg)
	ex.FailNext(exchangetest.MethodListPositions, domain.ErrTransient, domain.ErrTransient)
	ctx := context.Background()

	_, err := e.ListPositions(ctx)
	require.Error(t, err)
	_, err = e.ListPositions(ctx)
	require.Error(t, err)

	_, err = e.ListPositions(ctx)
	require.ErrorIs(t, err, domain.ErrExchangeUnavailable)
	assert.Equal(t, 2, ex.Calls(exchangetest.MethodListPositions))
}

func TestExecutor_RejectionsDoNotOpenHealthBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.BreakerFailures = 1
	e, ex := newTestExecutor(t, cfg)
	ex.FailNext(exchangetest.MethodPlaceOrder, domain.ErrRejected, domain.ErrRejected)
	ctx := context.Background()

	_, err := e.PlaceMarketOrder(ctx, marketBuy("1"))
	require.ErrorIs(t, err, domain.ErrRejected)
	_, err = e.PlaceMarketOrder(ctx, marketBuy("1"))
	require.ErrorIs(t, err, domain.ErrRejected)

	_, err = e.PlaceMarketOrder(ctx, marketBuy("1"))
	assert.NoError(t, err)
}

func TestFlattenPolicy_LongerBudget(t *testing.T) {
	e, _ := newTestExecutor(t, testConfig())
	p := e.FlattenPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxElapsed)
	assert.NotNil(t, p.Retryable)
}
