package domain

import (
	"context"
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert event names emitted by the core.
const (
	EventBreakerTripped     = "breaker_tripped"
	EventBreakerReset       = "breaker_reset"
	EventEmergencyStop      = "emergency_stop"
	EventStopTriggered      = "stop_triggered"
	EventProtectionDegraded = "protection_degraded"
	EventProtectionFailed   = "protection_failed"
	EventReconcileCritical  = "reconcile_critical"
	EventReconcileReview    = "reconcile_review"
	EventPositionOpened     = "position_opened"
	EventPositionClosed     = "position_closed"
	EventSignalRejected     = "signal_rejected"
	EventFlattenIncomplete  = "flatten_incomplete"
	EventLedgerWriteFailed  = "ledger_write_failed"
)

// Alert is a structured event handed to the notification transport.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Message  string
	Fields   map[string]string
	At       time.Time
}

// Alerter delivers alerts. Implementations must not block for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}
