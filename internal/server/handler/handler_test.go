package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/derobiwan/trader-sub000/internal/domain"
	"github.com/derobiwan/trader-sub000/internal/risk"
	"github.com/derobiwan/trader-sub000/internal/service"
	"github.com/derobiwan/trader-sub000/internal/store/memory"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type positions struct {
	byID     map[string]domain.Position
	closeErr error
	reason   string
}

func (p *positions) Position(_ context.Context, id string) (domain.Position, error) {
	pos, ok := p.byID[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("service: get position %s: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

func (p *positions) OpenPositions(context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, pos := range p.byID {
		if !pos.Status.Terminal() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (p *positions) History(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, errors.New("db down")
}

func (p *positions) Close(_ context.Context, id, reason string) (domain.Position, error) {
	p.reason = reason
	if p.closeErr != nil {
		return domain.Position{}, p.closeErr
	}
	pos := p.byID[id]
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = decimal.NewNullDecimal(decimal.NewFromInt(101))
	return pos, nil
}

func newPositions() *positions {
	return &positions{byID: map[string]domain.Position{
		"p1": {
			ID:         "p1",
			Symbol:     "BTCUSDT",
			Side:       domain.SideLong,
			Quantity:   decimal.RequireFromString("0.5"),
			EntryPrice: decimal.NewFromInt(100),
			Leverage:   decimal.NewFromInt(10),
			Status:     domain.PositionStatusOpen,
		},
	}}
}

func do(t *testing.T, h http.HandlerFunc, method, pattern, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, h)
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPositionHandler(t *testing.T) {
	t.Run("list open", func(t *testing.T) {
		h := NewPositionHandler(newPositions(), quiet())
		rec := do(t, h.ListPositions, "GET", "/api/positions", "/api/positions", "")
		require.Equal(t, http.StatusOK, rec.Code)
		list := decode(t, rec)["positions"].([]any)
		require.Len(t, list, 1)
		first := list[0].(map[string]any)
		assert.Equal(t, "p1", first["id"])
		assert.Equal(t, "0.5", first["quantity"])
		assert.NotContains(t, first, "exit_price")
	})

	t.Run("history failure is a 500 without detail", func(t *testing.T) {
		h := NewPositionHandler(newPositions(), quiet())
		rec := do(t, h.ListPositions, "GET", "/api/positions", "/api/positions?state=closed", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db down")
	})

	t.Run("bad state", func(t *testing.T) {
		h := NewPositionHandler(newPositions(), quiet())
		rec := do(t, h.ListPositions, "GET", "/api/positions", "/api/positions?state=all", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get missing", func(t *testing.T) {
		h := NewPositionHandler(newPositions(), quiet())
		rec := do(t, h.GetPosition, "GET", "/api/positions/{id}", "/api/positions/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("close defaults reason", func(t *testing.T) {
		svc := newPositions()
		h := NewPositionHandler(svc, quiet())
		rec := do(t, h.ClosePosition, "POST", "/api/positions/{id}/close", "/api/positions/p1/close", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "manual", svc.reason)
		body := decode(t, rec)
		assert.Equal(t, "closed", body["status"])
		assert.Equal(t, "101", body["exit_price"])
	})

	t.Run("close in flight is a conflict", func(t *testing.T) {
		svc := newPositions()
		svc.closeErr = fmt.Errorf("service: close p1: %w", domain.ErrCloseInFlight)
		h := NewPositionHandler(svc, quiet())
		rec := do(t, h.ClosePosition, "POST", "/api/positions/{id}/close", "/api/positions/p1/close", `{"reason":"ops"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "ops", svc.reason)
	})
}

type submitter struct {
	res service.SubmitResult
	err error
	got domain.TradingSignal
}

func (s *submitter) Submit(_ context.Context, sig domain.TradingSignal) (service.SubmitResult, error) {
	s.got = sig
	return s.res, s.err
}

func TestSignalHandler(t *testing.T) {
	body := `{"id":"s1","symbol":"BTCUSDT","side":"long","quantity":"0.01","stop_loss":"90","leverage":"5"}`

	t.Run("accepted", func(t *testing.T) {
		pos := newPositions().byID["p1"]
		sub := &submitter{res: service.SubmitResult{
			Decision: risk.Decision{Accepted: true},
			Position: &pos,
			Entry:    &domain.Order{ID: "o1", Status: domain.OrderStatusFilled},
		}}
		h := NewSignalHandler(sub, quiet())
		rec := do(t, h.SubmitSignal, "POST", "/api/signals", "/api/signals", body)
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "api", sub.got.Source)
		assert.True(t, sub.got.Quantity.Equal(decimal.RequireFromString("0.01")))
		out := decode(t, rec)
		assert.Equal(t, true, out["accepted"])
		assert.Equal(t, "filled", out["entry"].(map[string]any)["status"])
	})

	t.Run("rejected", func(t *testing.T) {
		dec := risk.Decision{Reason: risk.ReasonLeverageOutOfBounds, Detail: "leverage 50 above 40"}
		sub := &submitter{res: service.SubmitResult{Decision: dec}, err: dec.Err()}
		h := NewSignalHandler(sub, quiet())
		rec := do(t, h.SubmitSignal, "POST", "/api/signals", "/api/signals", body)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		out := decode(t, rec)
		assert.Equal(t, false, out["accepted"])
		assert.Equal(t, string(risk.ReasonLeverageOutOfBounds), out["reason"])
	})

	t.Run("halted", func(t *testing.T) {
		sub := &submitter{err: fmt.Errorf("service: submit: %w", domain.ErrTradingHalted)}
		h := NewSignalHandler(sub, quiet())
		rec := do(t, h.SubmitSignal, "POST", "/api/signals", "/api/signals", body)
		assert.Equal(t, http.StatusLocked, rec.Code)
	})

	t.Run("bad body", func(t *testing.T) {
		h := NewSignalHandler(&submitter{}, quiet())
		rec := do(t, h.SubmitSignal, "POST", "/api/signals", "/api/signals", `{"quantity":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

type breakerFake struct {
	state domain.CircuitBreakerState
	token string
}

func (b *breakerFake) State() domain.CircuitBreakerState { return b.state }

func (b *breakerFake) Reset(_ context.Context, token string) error {
	if token != b.token {
		return domain.ErrInvalidResetToken
	}
	b.state.Status = domain.BreakerActive
	return nil
}

func TestBreakerHandler(t *testing.T) {
	b := &breakerFake{
		token: "tok",
		state: domain.CircuitBreakerState{
			Date:        "2026-10-16",
			Status:      domain.BreakerTripped,
			RealizedPnL: decimal.NewFromInt(-700),
			Threshold:   decimal.NewFromInt(-700),
			ResetToken:  "tok",
		},
	}
	h := NewBreakerHandler(b, quiet())

	rec := do(t, h.GetState, "GET", "/api/breaker", "/api/breaker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "tok")
	assert.Equal(t, "tripped", decode(t, rec)["status"])

	rec = do(t, h.Reset, "POST", "/api/breaker/reset", "/api/breaker/reset", `{"token":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h.Reset, "POST", "/api/breaker/reset", "/api/breaker/reset", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h.Reset, "POST", "/api/breaker/reset", "/api/breaker/reset", `{"token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "active", decode(t, rec)["status"])
}

type snapshot []domain.ProtectionState

func (s snapshot) Snapshot() []domain.ProtectionState { return s }

func TestProtectionHandler_SortsBySymbol(t *testing.T) {
	h := NewProtectionHandler(snapshot{
		{PositionID: "b", Symbol: "ETHUSDT", Status: domain.TriggerArmed},
		{PositionID: "a", Symbol: "BTCUSDT", Status: domain.TriggerArmed, StopOrderID: "x1"},
	}, quiet())
	rec := do(t, h.ListProtection, "GET", "/api/protection", "/api/protection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["protection"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "BTCUSDT", list[0].(map[string]any)["symbol"])
	assert.Equal(t, "x1", list[0].(map[string]any)["stop_order_id"])
}

type triggerFake struct{ reasons []string }

func (f *triggerFake) Trigger(reason string) { f.reasons = append(f.reasons, reason) }

func TestReconcileHandler(t *testing.T) {
	runs := memory.NewReconciliationStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, runs.SaveRun(ctx, domain.ReconciliationRun{ID: "r1", Trigger: "interval", StartedAt: now.Add(-time.Minute)}))
	require.NoError(t, runs.SaveRun(ctx, domain.ReconciliationRun{
		ID: "r2", Trigger: "manual", StartedAt: now, Checked: 1,
		Results: []domain.ReconciliationResult{{Symbol: "BTCUSDT", Type: domain.DiscrepancyQuantityMismatch, CorrectionApplied: true}},
	}))
	trig := &triggerFake{}
	h := NewReconcileHandler(runs, trig, quiet())

	rec := do(t, h.ListRuns, "GET", "/api/reconciliation/runs", "/api/reconciliation/runs?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["runs"].([]any)
	require.Len(t, list, 1)
	run := list[0].(map[string]any)
	assert.Equal(t, "r2", run["id"])
	assert.EqualValues(t, 1, run["discrepancies"])

	rec = do(t, h.Trigger, "POST", "/api/reconciliation/trigger", "/api/reconciliation/trigger", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"manual"}, trig.reasons)
}

func TestAuditHandler(t *testing.T) {
	audit := memory.NewAuditStore()
	ctx := context.Background()
	require.NoError(t, audit.Log(ctx, "signal_rejected", map[string]any{"symbol": "BTCUSDT"}))
	require.NoError(t, audit.Log(ctx, "position_opened", map[string]any{"symbol": "ETHUSDT"}))

	h := NewAuditHandler(audit, quiet())
	rec := do(t, h.ListAudit, "GET", "/api/audit", "/api/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)["entries"].([]any)
	require.Len(t, list, 2)
	assert.Equal(t, "position_opened", list[0].(map[string]any)["event"])
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealthHandler(t *testing.T) {
	h := NewHealthHandler("trade", map[string]Pinger{"postgres": pinger{}, "redis": pinger{}}, quiet())
	rec := do(t, h.HealthCheck, "GET", "/api/health", "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h = NewHealthHandler("trade", map[string]Pinger{"redis": pinger{err: errors.New("refused")}}, quiet())
	rec = do(t, h.HealthCheck, "GET", "/api/health", "/api/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "degraded", out["status"])
	assert.Equal(t, "down", out["checks"].(map[string]any)["redis"])
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest("GET", "/x?limit=9000&offset=-1&since=2026-10-01T00:00:00Z&until=garbage", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)
	require.NotNil(t, opts.Since)
	assert.Equal(t, 2026, opts.Since.Year())
	assert.Nil(t, opts.Until)
}
