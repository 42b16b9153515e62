// Package risk is the Risk Gate (C5): a fixed, fail-fast three-check
// evaluation per (Subscription, Signal) pair, plus the pure SL/TP price
// math the Order Execution Engine (C6) needs before placing protective
// legs.
package risk

// Reject reasons (§4.5), stored in SignalExecution.ErrorMessage on status=skipped.
const (
	ReasonDailyLossCap     = "DAILY_LOSS_CAP"
	ReasonMaxPositions     = "MAX_POSITIONS"
	ReasonDirectionBlocked = "DIRECTION_BLOCKED"
)

// Bot.AllowedDirections values.
const (
	DirectionsBuyOnly  = "buyOnly"
	DirectionsSellOnly = "sellOnly"
	DirectionsBoth     = "both"
)

// Decision is the outcome of one gate evaluation.
type Decision struct {
	Allowed bool
	Reason  string // one of the Reason* constants when Allowed is false
}
