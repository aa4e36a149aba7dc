// Package monitoring exposes the Prometheus metrics of the execution core.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Executor metrics
	exchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_exchange_calls_total",
			Help: "Exchange operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	exchangeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradecore_exchange_call_seconds",
			Help:    "Latency of exchange operations including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	exchangeRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_exchange_retries_total",
			Help: "Retried exchange attempts",
		},
		[]string{"operation"},
	)

	exchangeHealth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_exchange_breaker_open",
			Help: "1 while the exchange health breaker is open",
		},
	)

	// Signal metrics
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_signals_total",
			Help: "Signals evaluated by the risk validator",
		},
		[]string{"outcome", "reason"},
	)

	// Protection metrics
	protectedPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_protected_positions",
			Help: "Positions with armed protection",
		},
	)

	protectionFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_protection_fired_total",
			Help: "Protective exits by layer",
		},
		[]string{"layer"},
	)

	// Breaker metrics
	breakerStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradecore_breaker_status",
			Help: "Circuit breaker status (1 for the current status)",
		},
		[]string{"status"},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_daily_pnl",
			Help: "Realized plus unrealized P&L for the trading day",
		},
	)

	// Reconciliation metrics
	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_reconcile_runs_total",
			Help: "Reconciliation runs by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	reconcileFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_reconcile_discrepancies_total",
			Help: "Reconciliation discrepancies by type",
		},
		[]string{"type"},
	)

	// Feed metrics
	feedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradecore_feed_connected",
			Help: "1 while the ticker WebSocket is connected",
		},
	)

	feedTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradecore_feed_ticks_total",
			Help: "Ticker updates written to the price cache",
		},
		[]string{"symbol"},
	)
)

var breakerStatuses = []string{"active", "tripped", "manual_reset_required"}

func init() {
	prometheus.MustRegister(exchangeCalls)
	prometheus.MustRegister(exchangeLatency)
	prometheus.MustRegister(exchangeRetries)
	prometheus.MustRegister(exchangeHealth)
	prometheus.MustRegister(signalsTotal)
	prometheus.MustRegister(protectedPositions)
	prometheus.MustRegister(protectionFired)
	prometheus.MustRegister(breakerStatus)
	prometheus.MustRegister(dailyPnL)
	prometheus.MustRegister(reconcileRuns)
	prometheus.MustRegister(reconcileFindings)
	prometheus.MustRegister(feedConnected)
	prometheus.MustRegister(feedTicks)
}

// Handler serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExchangeCall records the outcome and latency of one logical exchange
// operation. attempts above one are counted as retries.
func RecordExchangeCall(operation string, ok bool, attempts int, latency time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	exchangeCalls.WithLabelValues(operation, outcome).Inc()
	exchangeLatency.WithLabelValues(operation).Observe(latency.Seconds())
	if attempts > 1 {
		exchangeRetries.WithLabelValues(operation).Add(float64(attempts - 1))
	}
}

// SetExchangeBreakerOpen flips the exchange health gauge.
func SetExchangeBreakerOpen(open bool) {
	if open {
		exchangeHealth.Set(1)
		return
	}
	exchangeHealth.Set(0)
}

// RecordSignal counts an accepted or rejected signal.
func RecordSignal(accepted bool, reason string) {
	if accepted {
		signalsTotal.WithLabelValues("accepted", "").Inc()
		return
	}
	signalsTotal.WithLabelValues("rejected", reason).Inc()
}

// SetProtectedPositions sets the number of guarded positions.
func SetProtectedPositions(n int) {
	protectedPositions.Set(float64(n))
}

// RecordProtectionFired counts a protective exit by layer.
func RecordProtectionFired(layer string) {
	protectionFired.WithLabelValues(layer).Inc()
}

// SetBreakerStatus marks status as the current breaker status.
func SetBreakerStatus(status string) {
	for _, s := range breakerStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		breakerStatus.WithLabelValues(s).Set(v)
	}
}

// SetDailyPnL updates the daily P&L gauge.
func SetDailyPnL(pnl float64) {
	dailyPnL.Set(pnl)
}

// RecordReconcileRun counts a run and its discrepancies by type.
func RecordReconcileRun(trigger string, ok bool, discrepancies []string) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	reconcileRuns.WithLabelValues(trigger, outcome).Inc()
	for _, t := range discrepancies {
		reconcileFindings.WithLabelValues(t).Inc()
	}
}

// SetFeedConnected flips the feed connection gauge.
func SetFeedConnected(up bool) {
	if up {
		feedConnected.Set(1)
		return
	}
	feedConnected.Set(0)
}

// RecordFeedTick counts one cached ticker update.
func RecordFeedTick(symbol string) {
	feedTicks.WithLabelValues(symbol).Inc()
}
