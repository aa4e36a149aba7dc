package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TriggerStatus is the protection state machine: armed -> triggered -> stopped.
type TriggerStatus string

const (
	TriggerArmed     TriggerStatus = "armed"
	TriggerTriggered TriggerStatus = "triggered"
	TriggerStopped   TriggerStatus = "stopped"
)

// ProtectionLayer identifies which safeguard fired.
type ProtectionLayer string

const (
	LayerExchangeStop ProtectionLayer = "exchange_stop"
	LayerPriceWatch   ProtectionLayer = "price_watch"
	LayerEmergency    ProtectionLayer = "emergency"
	LayerManual       ProtectionLayer = "manual"
)

// ProtectionState is a point-in-time view of one position's safeguards.
type ProtectionState struct {
	PositionID      string
	Symbol          string
	StopOrderID     string
	PriceWatchAlive bool
	EmergencyAlive  bool
	Status          TriggerStatus
	FiredBy         ProtectionLayer
	ArmedAt         time.Time
}

// StopEvent describes a completed protective exit.
type StopEvent struct {
	Position Position
	Layer    ProtectionLayer
	Price    decimal.Decimal
	Order    *Order
	At       time.Time
}
