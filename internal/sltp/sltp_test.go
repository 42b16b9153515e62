package sltp

import (
	"context"
	"testing"
	"time"

	"signalrelay/internal/gateway"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"
)

type stubGateway struct {
	placed    []exchange.OrderRequest
	cancelled []string
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	s.placed = append(s.placed, req)
	return exchange.OrderResult{ExchangeOrderID: "new-order-1"}, nil
}
func (s *stubGateway) CancelOrder(ctx context.Context, symbol, id string) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}
func (s *stubGateway) QueryOrder(ctx context.Context, symbol, id string) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
}
func (s *stubGateway) ListOpenOrders(ctx context.Context, symbol string) ([]exchange.OrderResult, error) {
	return nil, nil
}
func (s *stubGateway) ListRecentOrders(ctx context.Context, symbol string, start, end int64, limit int) ([]exchange.OrderResult, error) {
	return nil, nil
}
func (s *stubGateway) ListPositions(ctx context.Context) ([]exchange.Position, error) { return nil, nil }
func (s *stubGateway) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide string) error {
	return nil
}
func (s *stubGateway) GetPositionMode(ctx context.Context) (exchange.PositionMode, error) {
	return exchange.PositionModeOneWay, nil
}
func (s *stubGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 50000, nil
}
func (s *stubGateway) NormalizePrice(symbol string, price float64) (float64, error) { return price, nil }
func (s *stubGateway) NormalizeQuantity(symbol string, qty float64) (float64, error) {
	return qty, nil
}
func (s *stubGateway) IncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]exchange.IncomeRecord, error) {
	return nil, nil
}
func (s *stubGateway) ExecuteOrderWithSlTp(ctx context.Context, symbol string, side exchange.Side, qty float64, leverage int, sl, tp float64, positionSide string) (exchange.OrderWithSlTpResult, error) {
	return exchange.OrderWithSlTpResult{}, nil
}

func setupServiceTestDB(t *testing.T) (*Service, *stubGateway, string) {
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
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO subscriptions (id, user_id, bot_id, exchange_account_id, status, max_daily_loss_usd, max_concurrent_positions) VALUES ('sub1','u1','bot1','acct1','active', 1000, 5)`); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	queries := db.NewGateway(database)
	trade := &db.Trade{
		ID: "trade1", SubscriptionID: "sub1", UserID: "u1", Symbol: "BTCUSDT", Side: "buy", Direction: "long",
		EntryPrice: 50000, EntryQuantity: 0.01, EntryTime: time.Now(), SlOrderID: "sl-old", TpOrderID: "tp-old",
	}
	if err := queries.CreateTrade(ctx, database.DB, trade); err != nil {
		t.Fatalf("seed trade: %v", err)
	}

	gw := &stubGateway{}
	factory := func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.Gateway, error) {
		return gw, nil
	}
	mgr := gateway.NewManager(queries, nil, factory, gateway.DefaultConfig())
	return NewService(queries, mgr), gw, trade.ID
}

func TestApplyMoveReplacesStopLossLeg(t *testing.T) {
	svc, gw, tradeID := setupServiceTestDB(t)
	newSl := 48000.0

	result, err := svc.Apply(context.Background(), Request{
		SubscriptionID: "sub1", Symbol: "BTCUSDT", Action: "move", SlPrice: &newSl,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TradeID != tradeID {
		t.Fatalf("expected trade %s, got %s", tradeID, result.TradeID)
	}
	if result.SlOrderID != "new-order-1" {
		t.Fatalf("expected new sl order id, got %s", result.SlOrderID)
	}
	if result.TpOrderID != "tp-old" {
		t.Fatalf("expected tp leg untouched, got %s", result.TpOrderID)
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "sl-old" {
		t.Fatalf("expected old sl order cancelled, got %v", gw.cancelled)
	}
}

func TestApplyCancelClearsBothLegs(t *testing.T) {
	svc, gw, _ := setupServiceTestDB(t)

	result, err := svc.Apply(context.Background(), Request{
		SubscriptionID: "sub1", Symbol: "BTCUSDT", Action: "cancel",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SlOrderID != "" || result.TpOrderID != "" {
		t.Fatalf("expected both legs cleared, got %+v", result)
	}
	if len(gw.cancelled) != 2 {
		t.Fatalf("expected both legs cancelled, got %v", gw.cancelled)
	}
}
