package events

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	// Broadcast / execution domain (C6-C11).
	EventSignalReceived      Event = "signal.received"
	EventExecutionCompleted  Event = "execution.completed"
	EventTradeClosed         Event = "trade.closed"
	EventNotification        Event = "notification.created"
	EventInternalSignal      Event = "signal.internal"
	EventProtectiveLegFilled Event = "order.protective_leg_filled"
)
