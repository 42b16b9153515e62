package risk

import (
	"context"
	"fmt"

	"signalrelay/pkg/db"
)

// Gate evaluates the §4.5 three-check sequence against the live
// Subscription/Bot rows, failing fast on the first violation.
type Gate struct {
	queries *db.Gateway
}

// NewGate builds a Gate backed by the persistence gateway.
func NewGate(queries *db.Gateway) *Gate {
	return &Gate{queries: queries}
}

// Evaluate runs the three checks in order. close/close_all actions always
// pass the direction check (§4.5 step 3).
func (g *Gate) Evaluate(ctx context.Context, sub db.Subscription, bot db.Bot, signal db.Signal) (Decision, error) {
	if sub.MaxDailyLossUsd > 0 && sub.CurrentDailyLossUsd >= sub.MaxDailyLossUsd {
		return Decision{Allowed: false, Reason: ReasonDailyLossCap}, nil
	}

	openCount, err := g.queries.CountOpenTrades(ctx, sub.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("count open trades: %w", err)
	}
	if sub.MaxConcurrentPositions > 0 && openCount >= sub.MaxConcurrentPositions {
		return Decision{Allowed: false, Reason: ReasonMaxPositions}, nil
	}

	if !isCloseAction(signal.Action) && DirectionBlocked(bot.AllowedDirections, signal.Action) {
		return Decision{Allowed: false, Reason: ReasonDirectionBlocked}, nil
	}

	return Decision{Allowed: true}, nil
}

func isCloseAction(action string) bool {
	return action == "close" || action == "close_all"
}

// DirectionBlocked reports whether a bot's allowedDirections setting
// forbids the given signal action. Exported so the broadcast fan-out (C7)
// can apply the same rule at the bot level (§4.7 step 1) ahead of any
// per-subscription evaluation.
func DirectionBlocked(allowed, action string) bool {
	switch allowed {
	case DirectionsBuyOnly:
		return action == "sell"
	case DirectionsSellOnly:
		return action == "buy"
	default: // both, or unrecognized: permissive
		return false
	}
}
