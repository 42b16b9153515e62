package db

import "time"

// ExchangeAccount holds (possibly encrypted) venue credentials for one user.
type ExchangeAccount struct {
	ID           string
	OwnerUserID  string
	Venue        string // A, B, C, D
	APIKey       string
	APISecret    string
	Passphrase   string
	IsTestnet    bool
	IsActive     bool
	PositionMode string // "hedge" | "one-way", "" if unprobed
	LastSyncAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Bot is the immutable-per-broadcast default configuration for a strategy.
type Bot struct {
	ID                   string
	Name                 string
	DefaultLeverage      float64
	DefaultMarginUsd     float64
	DefaultStopLossPct   float64
	DefaultTakeProfitPct float64
	MarketType           string // spot | futures
	AllowedDirections    string // buyOnly | sellOnly | both
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Subscription is one user's enrollment of one ExchangeAccount into one Bot.
type Subscription struct {
	ID                    string
	UserID                string
	BotID                 string
	ExchangeAccountID     string
	Status                string // active | paused | cancelled
	LeverageOverride      *float64
	MarginUsdOverride     *float64
	StopLossPctOverride   *float64
	TakeProfitPctOverride *float64
	MaxDailyLossUsd       float64
	MaxConcurrentPositions int
	CurrentDailyLossUsd   float64
	CurrentPositions      int
	TotalPnlUsd           float64
	WinCount              int
	LossCount             int
	TotalSignalsReceived  int
	TotalOrdersExecuted   int
	TotalOrdersFailed     int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Signal is one accepted inbound webhook/internal trigger.
type Signal struct {
	ID                   string
	BotID                string
	Ticker               string
	Action               string // buy | sell | close
	SourceIP             string
	RawPayload           string
	TotalSubscribers     int
	SuccessfulExecutions int
	FailedExecutions     int
	BroadcastDurationMs  *int64
	CreatedAt            time.Time
	CompletedAt          *time.Time
}

// SignalExecution is one Subscription's attempt to act on one Signal.
type SignalExecution struct {
	ID                string
	SignalID          string
	SubscriptionID    string
	UserID            string
	ExchangeAccountID string
	Status            string // pending | success | failed | skipped
	ExchangeOrderID   string
	ExecutedPrice     *float64
	ExecutedQuantity  *float64
	SlOrderID         string
	TpOrderID         string
	SlPrice           *float64
	TpPrice           *float64
	SlOrderStatus     string
	TpOrderStatus     string
	RealizedPnl       *float64
	CloseReason       string
	ErrorMessage      string
	ErrorCode         string
	ExecutionTimeMs   int64
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Trade is the bookkeeping record of an open-then-closed position.
type Trade struct {
	ID                string
	SubscriptionID    string
	UserID            string
	SignalExecutionID string
	Symbol            string
	Side              string // buy | sell
	Direction         string // long | short
	EntryPrice        float64
	EntryQuantity     float64
	EntryTime         time.Time
	SlOrderID         string
	TpOrderID         string
	ExitPrice         *float64
	ExitQuantity      *float64
	ExitTime          *time.Time
	ExitReason        string // stop_loss | take_profit | manual | end_of_day | ghost_cleanup_sync
	PnlUsd            *float64
	PnlPct            *float64
	IsWinner          *bool
	Status            string // open | closed
	CreatedAt         time.Time
}

// DailyPnlSnapshot is the per-(subscription, date) rollup, mutated during
// the day by the trade tracker and sealed by the scheduler's maintenance
// window.
type DailyPnlSnapshot struct {
	SubscriptionID   string
	UserID           string
	BotID            string
	SnapshotDate     string // YYYY-MM-DD, UTC
	DailyPnlUsd      float64
	CumulativePnlUsd float64
	DailyWins        int
	DailyLosses      int
	CumulativeWins   int
	CumulativeLosses int
	WinRatePct       float64
	Sealed           bool
	UpdatedAt        time.Time
}

// Notification is an append-only user-facing event record.
type Notification struct {
	ID        string
	UserID    string
	Type      string // info | success | warning
	Category  string
	Title     string
	Message   string
	Metadata  string
	CreatedAt time.Time
}

// Webhook is a per-tenant inbound URL configuration.
type Webhook struct {
	ID                    string
	URLPath               string
	BotID                 string
	ExchangeAccountID     string
	Secret                string
	IsPublic              bool
	IsActive              bool
	MarginUsd             float64
	Leverage              float64
	StopLossPct           float64
	TakeProfitPct         float64
	MarketType            string
	ConsecutiveErrors     int
	ErrorThreshold        int
	MaxRetries            int
	TotalDeliveries       int
	SuccessfulDeliveries  int
	FailedDeliveries      int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// WebhookDelivery is one attempt (with retries) to process an inbound call.
type WebhookDelivery struct {
	ID               string
	WebhookID        string
	SignalID         string
	Status           string // pending | processing | success | failed | retrying
	RawPayload       string
	OrdersCreated    int
	OrdersExecuted   int
	OrdersFailed     int
	Attempt          int
	ErrorMessage     string
	ProcessingTimeMs int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// User is an application account owning ExchangeAccounts and Subscriptions.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
