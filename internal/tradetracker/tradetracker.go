// Package tradetracker is the Trade Tracker (C11): the sole writer of
// trade-close state, guaranteeing one serial ordering of
// (Trade update -> Subscription counters -> DailyPnlSnapshot -> notification)
// per close. Both callers that observe a position exit — the SL/TP monitor
// (C9) and the ghost-trade sweep (C10) — go through Close. A close
// broadcast does not call Close; its Trades are closed by the ghost-trade
// sweep once the venue reports no position.
package tradetracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signalrelay/internal/events"
	"signalrelay/pkg/db"
)

// Tracker owns the close-write path.
type Tracker struct {
	Queries *db.Gateway
	Bus     *events.Bus
}

// NewTracker builds a Tracker.
func NewTracker(queries *db.Gateway, bus *events.Bus) *Tracker {
	return &Tracker{Queries: queries, Bus: bus}
}

// CloseInput is everything needed to close one open Trade.
type CloseInput struct {
	Trade db.Trade

	ExitPrice  float64
	ExitQty    float64
	ExitTime   time.Time
	ExitReason string

	// RealizedPnlOverride, when set, replaces the (exit-entry)*qty
	// estimate with the venue's incomeHistory(REALIZED_PNL) figure
	// (§4.9 step 1's "optionally refine" clause).
	RealizedPnlOverride *float64
}

// CloseResult reports what Close did.
type CloseResult struct {
	Trade         db.Trade
	AlreadyClosed bool
}

// Close runs the full close sequence. It is idempotent: if the Trade was
// already closed by a concurrent caller, CloseTrade's conditional UPDATE
// affects zero rows and Close returns AlreadyClosed=true without touching
// subscription counters, snapshots, or notifications a second time.
func (t *Tracker) Close(ctx context.Context, in CloseInput) (CloseResult, error) {
	pnlUsd := computePnl(in.Trade, in.ExitPrice, in.ExitQty, in.RealizedPnlOverride)
	pnlPct := computePnlPct(in.Trade, pnlUsd)
	isWinner := pnlUsd >= 0

	sub, err := t.Queries.GetSubscription(ctx, in.Trade.SubscriptionID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("get subscription: %w", err)
	}

	closed := false
	date := in.ExitTime.UTC().Format("2006-01-02")
	cumulativePnl := sub.TotalPnlUsd + pnlUsd

	err = t.Queries.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err := t.Queries.CloseTrade(ctx, tx, in.Trade.ID, in.ExitPrice, in.ExitQty, in.ExitTime, in.ExitReason, pnlUsd, pnlPct, isWinner)
		if err != nil {
			return fmt.Errorf("close trade: %w", err)
		}
		if !applied {
			return nil
		}
		closed = true

		if err := t.Queries.ApplyTradeClose(ctx, tx, in.Trade.SubscriptionID, pnlUsd, isWinner); err != nil {
			return fmt.Errorf("apply trade close: %w", err)
		}
		if err := t.Queries.UpsertDailySnapshot(ctx, tx, in.Trade.SubscriptionID, sub.UserID, sub.BotID, date, pnlUsd, cumulativePnl, isWinner); err != nil {
			return fmt.Errorf("upsert daily snapshot: %w", err)
		}

		notifType := "success"
		if pnlUsd < 0 {
			notifType = "warning"
		}
		notif := &db.Notification{
			ID:       uuid.NewString(),
			UserID:   sub.UserID,
			Type:     notifType,
			Category: "trade_close",
			Title:    "Trade closed",
			Message:  fmt.Sprintf("%s closed (%s): pnl %.4f", in.Trade.Symbol, in.ExitReason, pnlUsd),
		}
		if err := t.Queries.CreateNotification(ctx, tx, notif); err != nil {
			return fmt.Errorf("create notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}

	if !closed {
		return CloseResult{Trade: in.Trade, AlreadyClosed: true}, nil
	}

	in.Trade.ExitPrice = &in.ExitPrice
	in.Trade.ExitQuantity = &in.ExitQty
	in.Trade.ExitTime = &in.ExitTime
	in.Trade.ExitReason = in.ExitReason
	in.Trade.PnlUsd = &pnlUsd
	in.Trade.PnlPct = &pnlPct
	in.Trade.IsWinner = &isWinner
	in.Trade.Status = "closed"

	if t.Bus != nil {
		t.Bus.Publish(events.EventTradeClosed, in.Trade)
		t.Bus.Publish(events.EventNotification, db.Notification{
			UserID:   sub.UserID,
			Category: "trade_close",
			Message:  fmt.Sprintf("%s closed (%s)", in.Trade.Symbol, in.ExitReason),
		})
	}

	return CloseResult{Trade: in.Trade}, nil
}

// computePnl applies direction sign to (exit-entry)*qty unless a realized
// figure from the venue's income history is available.
func computePnl(trade db.Trade, exitPrice, exitQty float64, override *float64) float64 {
	if override != nil {
		return *override
	}
	sign := 1.0
	if trade.Direction == "short" {
		sign = -1.0
	}
	return (exitPrice - trade.EntryPrice) * exitQty * sign
}

func computePnlPct(trade db.Trade, pnlUsd float64) float64 {
	notional := trade.EntryPrice * trade.EntryQuantity
	if notional == 0 {
		return 0
	}
	return pnlUsd / notional * 100
}
