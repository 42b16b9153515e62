package risk

import (
	"context"
	"testing"

	"signalrelay/pkg/db"
)

func setupGateTestDB(t *testing.T) (*db.Gateway, string) {
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
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO bots (id, name, allowed_directions) VALUES ('bot1','Test Bot','buyOnly')`); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO exchange_accounts (id, owner_user_id, venue, api_key, api_secret, is_active)
		VALUES ('acct1','u1','B','k','s',1)`); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if _, err := database.DB.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, bot_id, exchange_account_id, status, max_daily_loss_usd, max_concurrent_positions, current_daily_loss_usd)
		VALUES ('sub1','u1','bot1','acct1','active', 100, 2, 0)`); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return db.NewGateway(database), "sub1"
}

func TestEvaluateRejectsOnDailyLossCap(t *testing.T) {
	gw, subID := setupGateTestDB(t)
	ctx := context.Background()

	sub, err := gw.GetSubscription(ctx, subID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	sub.CurrentDailyLossUsd = sub.MaxDailyLossUsd

	bot, err := gw.GetBot(ctx, sub.BotID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}

	gate := NewGate(gw)
	decision, err := gate.Evaluate(ctx, *sub, *bot, db.Signal{Action: "buy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonDailyLossCap {
		t.Fatalf("expected DAILY_LOSS_CAP rejection, got %+v", decision)
	}
}

func TestEvaluateRejectsOnDirectionBlocked(t *testing.T) {
	gw, subID := setupGateTestDB(t)
	ctx := context.Background()

	sub, _ := gw.GetSubscription(ctx, subID)
	bot, _ := gw.GetBot(ctx, sub.BotID) // allowedDirections = buyOnly

	gate := NewGate(gw)
	decision, err := gate.Evaluate(ctx, *sub, *bot, db.Signal{Action: "sell"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonDirectionBlocked {
		t.Fatalf("expected DIRECTION_BLOCKED rejection, got %+v", decision)
	}

	// close is always allowed regardless of direction policy.
	decision, err = gate.Evaluate(ctx, *sub, *bot, db.Signal{Action: "close"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected close action to pass direction check, got %+v", decision)
	}
}

func TestEvaluateAllowsWithinLimits(t *testing.T) {
	gw, subID := setupGateTestDB(t)
	ctx := context.Background()

	sub, _ := gw.GetSubscription(ctx, subID)
	bot, _ := gw.GetBot(ctx, sub.BotID)

	gate := NewGate(gw)
	decision, err := gate.Evaluate(ctx, *sub, *bot, db.Signal{Action: "buy"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}
}
