package tradetracker

import (
	"context"
	"testing"
	"time"

	"signalrelay/pkg/db"
)

func setupTrackerTestDB(t *testing.T) (*Tracker, *db.Gateway, db.Trade) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO users (id, email, password_hash) VALUES ('u1','a@b.com','x')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO bots (id, name, default_leverage, default_margin_usd, default_stop_loss_pct, default_take_profit_pct, market_type, allowed_directions) VALUES ('bot1','Test Bot',10,100,2,5,'futures','both')`); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO exchange_accounts (id, owner_user_id, venue, api_key, api_secret, is_active) VALUES ('acct1','u1','B','k','s',1)`); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO subscriptions (id, user_id, bot_id, exchange_account_id, status, max_daily_loss_usd, max_concurrent_positions, current_positions) VALUES ('sub1','u1','bot1','acct1','active', 1000, 5, 1)`); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	queries := db.NewGateway(database)
	trade := db.Trade{
		ID: "trade1", SubscriptionID: "sub1", UserID: "u1", Symbol: "BTCUSDT", Side: "buy", Direction: "long",
		EntryPrice: 50000, EntryQuantity: 0.01, EntryTime: time.Now(), SlOrderID: "sl-1", TpOrderID: "tp-1",
	}
	if err := queries.CreateTrade(ctx, database.DB, &trade); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	return NewTracker(queries, nil), queries, trade
}

func TestCloseAppliesPnlAndDecrementsPositions(t *testing.T) {
	tracker, queries, trade := setupTrackerTestDB(t)
	ctx := context.Background()

	result, err := tracker.Close(ctx, CloseInput{
		Trade: trade, ExitPrice: 51000, ExitQty: 0.01, ExitTime: time.Now(), ExitReason: "take_profit",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AlreadyClosed {
		t.Fatal("expected a fresh close")
	}
	if result.Trade.PnlUsd == nil || *result.Trade.PnlUsd <= 0 {
		t.Fatalf("expected positive pnl, got %+v", result.Trade.PnlUsd)
	}

	sub, err := queries.GetSubscription(ctx, "sub1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.CurrentPositions != 0 {
		t.Fatalf("expected current_positions decremented to 0, got %d", sub.CurrentPositions)
	}
	if sub.WinCount != 1 {
		t.Fatalf("expected win_count 1, got %d", sub.WinCount)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tracker, _, trade := setupTrackerTestDB(t)
	ctx := context.Background()

	in := CloseInput{Trade: trade, ExitPrice: 49000, ExitQty: 0.01, ExitTime: time.Now(), ExitReason: "stop_loss"}
	if _, err := tracker.Close(ctx, in); err != nil {
		t.Fatalf("first close: %v", err)
	}

	result, err := tracker.Close(ctx, in)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !result.AlreadyClosed {
		t.Fatal("expected second close to be a no-op")
	}
}

func TestCloseShortAppliesNegativeSign(t *testing.T) {
	tracker, _, trade := setupTrackerTestDB(t)
	trade.Direction = "short"
	ctx := context.Background()

	result, err := tracker.Close(ctx, CloseInput{
		Trade: trade, ExitPrice: 51000, ExitQty: 0.01, ExitTime: time.Now(), ExitReason: "stop_loss",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Trade.PnlUsd == nil || *result.Trade.PnlUsd >= 0 {
		t.Fatalf("expected a loss for a short trade exiting higher, got %+v", result.Trade.PnlUsd)
	}
}
