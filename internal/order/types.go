package order

import "signalrelay/pkg/db"

// Input bundles everything the engine needs to size, price, and route one
// signal against one subscription (§4.6's (Account, Subscription, Signal,
// effectiveConfig) tuple).
type Input struct {
	Account      db.ExchangeAccount
	Subscription db.Subscription
	Bot          db.Bot
	Signal       db.Signal
	Effective    EffectiveConfig
}

// EffectiveConfig resolves per-subscription overrides against the Bot's
// defaults (§4.6 step 1-2 inputs).
type EffectiveConfig struct {
	Leverage   float64
	MarginUsd  float64
	SlPct      float64
	TpPct      float64
	MarketType string
}

// ResolveConfig applies the subscription's overrides over the bot's
// defaults, falling back to the default wherever the override is unset.
func ResolveConfig(sub db.Subscription, bot db.Bot) EffectiveConfig {
	cfg := EffectiveConfig{
		Leverage:   bot.DefaultLeverage,
		MarginUsd:  bot.DefaultMarginUsd,
		SlPct:      bot.DefaultStopLossPct,
		TpPct:      bot.DefaultTakeProfitPct,
		MarketType: bot.MarketType,
	}
	if sub.LeverageOverride != nil {
		cfg.Leverage = *sub.LeverageOverride
	}
	if sub.MarginUsdOverride != nil {
		cfg.MarginUsd = *sub.MarginUsdOverride
	}
	if sub.StopLossPctOverride != nil {
		cfg.SlPct = *sub.StopLossPctOverride
	}
	if sub.TakeProfitPctOverride != nil {
		cfg.TpPct = *sub.TakeProfitPctOverride
	}
	return cfg
}

// Outcome is what the broadcast fan-out (C7) records per subscription.
type Outcome struct {
	Status            string // success | failed | skipped
	SignalExecutionID string
	TradeID           string
	ExchangeOrderID   string
	ExecutedPrice     float64
	ExecutedQuantity  float64
	SlOrderID         string
	TpOrderID         string
	ErrorCode         string
	ErrorMessage       string
	PartialSlTpFailure bool
}
