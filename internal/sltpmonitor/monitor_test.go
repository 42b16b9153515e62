package sltpmonitor

import (
	"context"
	"testing"
	"time"

	"signalrelay/internal/events"
	"signalrelay/internal/gateway"
	"signalrelay/internal/tradetracker"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"

	"github.com/google/uuid"
)

type fakeGateway struct {
	openOrders   []exchange.OrderResult
	recentOrders []exchange.OrderResult
	canceled     []string
}

func (f *fakeGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (f *fakeGateway) CancelOrder(ctx context.Context, symbol, id string) error {
	f.canceled = append(f.canceled, id)
	return nil
}
func (f *fakeGateway) QueryOrder(ctx context.Context, symbol, id string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (f *fakeGateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error) {
	return f.openOrders, nil
}
func (f *fakeGateway) ListRecentOrders(ctx context.Context, symbol string, start, end int64, limit int) ([]exchange.OrderResult, error) {
	return f.recentOrders, nil
}
func (f *fakeGateway) ListPositions(ctx context.Context) ([]exchange.Position, error) { return nil, nil }
func (f *fakeGateway) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide string) error {
	return nil
}
func (f *fakeGateway) GetPositionMode(ctx context.Context) (exchange.PositionMode, error) {
	return exchange.PositionModeOneWay, nil
}
func (f *fakeGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (f *fakeGateway) NormalizePrice(symbol string, price float64) (float64, error) { return price, nil }
func (f *fakeGateway) NormalizeQuantity(symbol string, qty float64) (float64, error) {
	return qty, nil
}
func (f *fakeGateway) IncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]exchange.IncomeRecord, error) {
	return nil, nil
}
func (f *fakeGateway) ExecuteOrderWithSlTp(ctx context.Context, symbol string, side exchange.Side, qty float64, leverage int, sl, tp float64, positionSide string) (exchange.OrderWithSlTpResult, error) {
	return exchange.OrderWithSlTpResult{}, nil
}

func setupMonitorTestDB(t *testing.T) (*Monitor, *db.Gateway, *fakeGateway, db.SignalExecution, db.Trade) {
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
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO signals (id, bot_id, ticker, action, total_subscribers) VALUES ('sig1','bot1','BTCUSDT','buy',1)`); err != nil {
		t.Fatalf("seed signal: %v", err)
	}

	queries := db.NewGateway(database)

	se := db.SignalExecution{
		ID: uuid.NewString(), SignalID: "sig1", SubscriptionID: "sub1", UserID: "u1", ExchangeAccountID: "acct1",
		Status: "success", SlOrderID: "sl-1", TpOrderID: "tp-1",
	}
	if err := queries.CreateSignalExecution(ctx, database.DB, &se); err != nil {
		t.Fatalf("seed signal execution: %v", err)
	}

	trade := db.Trade{
		ID: uuid.NewString(), SubscriptionID: "sub1", UserID: "u1", SignalExecutionID: se.ID,
		Symbol: "BTCUSDT", Side: "buy", Direction: "long",
		EntryPrice: 50000, EntryQuantity: 0.01, EntryTime: time.Now(), SlOrderID: "sl-1", TpOrderID: "tp-1",
	}
	if err := queries.CreateTrade(ctx, database.DB, &trade); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	gw := &fakeGateway{}
	factory := func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.Gateway, error) {
		return gw, nil
	}
	mgr := gateway.NewManager(queries, nil, factory, gateway.DefaultConfig())
	tracker := tradetracker.NewTracker(queries, nil)
	mon := NewMonitor(queries, mgr, tracker, events.NewBus())

	return mon, queries, gw, se, trade
}

func TestRunOnceClosesOnStopLossFill(t *testing.T) {
	mon, queries, gw, _, trade := setupMonitorTestDB(t)
	ctx := context.Background()
	gw.openOrders = []exchange.OrderResult{
		{ExchangeOrderID: "sl-1", Status: exchange.StatusFilled, AvgPrice: 49000, ExecutedQty: 0.01},
	}

	mon.RunOnce(ctx)

	closed, err := queries.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if closed.Status != "closed" {
		t.Fatalf("expected trade closed, got %s", closed.Status)
	}
	if closed.ExitReason != "stop_loss" {
		t.Fatalf("expected exit reason stop_loss, got %s", closed.ExitReason)
	}
	if closed.PnlUsd == nil || *closed.PnlUsd >= 0 {
		t.Fatalf("expected a loss, got %+v", closed.PnlUsd)
	}

	found := false
	for _, id := range gw.canceled {
		if id == "tp-1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the take-profit leg to be canceled, got %v", gw.canceled)
	}
}

func TestRunOnceLeavesUnresolvedExecutionsOpen(t *testing.T) {
	mon, queries, _, _, trade := setupMonitorTestDB(t)
	ctx := context.Background()

	mon.RunOnce(ctx)

	still, err := queries.GetTrade(ctx, trade.ID)
	if err != nil {
		t.Fatalf("get trade: %v", err)
	}
	if still.Status != "open" {
		t.Fatalf("expected trade to remain open, got %s", still.Status)
	}
}

func TestRunOnceSkipsWhileAlreadyRunning(t *testing.T) {
	mon, _, _, _, _ := setupMonitorTestDB(t)
	ctx := context.Background()

	mon.inFlight = 1
	mon.RunOnce(ctx)
	if mon.inFlight != 1 {
		t.Fatalf("expected inFlight guard to be left untouched by a skipped run")
	}
}
