package db

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func setupTestGateway(t *testing.T) (*Gateway, *Database) {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return NewGateway(database), database
}

func seedBotAndSubscription(t *testing.T, db *Database) (botID, accountID, subID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.DB.ExecContext(ctx, `INSERT INTO users (id, email, password_hash) VALUES ('u1','a@b.com','x')`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.DB.ExecContext(ctx, `
		INSERT INTO bots (id, name, allowed_directions) VALUES ('bot1', 'Test Bot', 'both')`); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	if _, err := db.DB.ExecContext(ctx, `
		INSERT INTO exchange_accounts (id, owner_user_id, venue, api_key, api_secret, is_active)
		VALUES ('acct1', 'u1', 'B', 'k', 's', 1)`); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := db.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, bot_id, exchange_account_id, status, max_daily_loss_usd, max_concurrent_positions)
		VALUES ('sub1', 'u1', 'bot1', 'acct1', 'active', 100, 3)`); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return "bot1", "acct1", "sub1"
}

func TestListActiveSubscriptionsForBot(t *testing.T) {
	gw, db := setupTestGateway(t)
	defer db.Close()
	botID, _, subID := seedBotAndSubscription(t, db)

	subs, err := gw.ListActiveSubscriptionsForBot(context.Background(), botID)
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != subID {
		t.Fatalf("expected 1 subscription %q, got %+v", subID, subs)
	}
}

func TestApplyEntrySuccessAndTradeCloseRoundTrip(t *testing.T) {
	gw, db := setupTestGateway(t)
	defer db.Close()
	botID, _, subID := seedBotAndSubscription(t, db)
	ctx := context.Background()

	if err := gw.CreateSignal(ctx, &Signal{ID: "sig1", BotID: botID, Ticker: "BTCUSDT", Action: "buy", TotalSubscribers: 1}); err != nil {
		t.Fatalf("create signal: %v", err)
	}

	se := &SignalExecution{ID: "se1", SignalID: "sig1", SubscriptionID: subID, UserID: "u1", ExchangeAccountID: "acct1", Status: "success"}

	err := gw.WithTx(ctx, func(tx *sql.Tx) error {
		if err := gw.CreateSignalExecution(ctx, tx, se); err != nil {
			return err
		}
		trade := &Trade{
			ID: "trade1", SubscriptionID: subID, UserID: "u1", SignalExecutionID: se.ID,
			Symbol: "BTCUSDT", Side: "buy", Direction: "long",
			EntryPrice: 50000, EntryQuantity: 0.02, EntryTime: time.Now(),
		}
		if err := gw.CreateTrade(ctx, tx, trade); err != nil {
			return err
		}
		return gw.ApplyEntrySuccess(ctx, tx, subID)
	})
	if err != nil {
		t.Fatalf("entry tx: %v", err)
	}

	sub, err := gw.GetSubscription(ctx, subID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.CurrentPositions != 1 || sub.TotalOrdersExecuted != 1 {
		t.Fatalf("unexpected counters after entry: %+v", sub)
	}

	err = gw.WithTx(ctx, func(tx *sql.Tx) error {
		closed, err := gw.CloseTrade(ctx, tx, "trade1", 52500, 0.02, time.Now(), "take_profit", 10, 1.2, true)
		if err != nil {
			return err
		}
		if !closed {
			t.Fatal("expected first close to take effect")
		}
		if err := gw.ApplyTradeClose(ctx, tx, subID, 10, true); err != nil {
			return err
		}
		return gw.UpsertDailySnapshot(ctx, tx, subID, "u1", botID, "2026-07-31", 10, 10, true)
	})
	if err != nil {
		t.Fatalf("close tx: %v", err)
	}

	sub, err = gw.GetSubscription(ctx, subID)
	if err != nil {
		t.Fatalf("get subscription after close: %v", err)
	}
	if sub.CurrentPositions != 0 || sub.WinCount != 1 {
		t.Fatalf("unexpected counters after close: %+v", sub)
	}

	// Idempotent close: a second attempt against the same trade is a no-op.
	err = gw.WithTx(ctx, func(tx *sql.Tx) error {
		closed, err := gw.CloseTrade(ctx, tx, "trade1", 52500, 0.02, time.Now(), "take_profit", 10, 1.2, true)
		if err != nil {
			return err
		}
		if closed {
			t.Fatal("second close of an already-closed trade must be a no-op")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second close tx: %v", err)
	}
}
