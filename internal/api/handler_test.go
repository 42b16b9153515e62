package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"signalrelay/internal/broadcast"
	"signalrelay/internal/events"
	"signalrelay/internal/gateway"
	"signalrelay/internal/ingress"
	"signalrelay/internal/monitor"
	"signalrelay/internal/order"
	"signalrelay/internal/risk"
	"signalrelay/internal/sltp"
	"signalrelay/pkg/cache"
	"signalrelay/pkg/config"
	"signalrelay/pkg/db"
	exchange "signalrelay/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

type stubGateway struct{}

func (s *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{ExchangeOrderID: "ord-1"}, nil
}
func (s *stubGateway) CancelOrder(ctx context.Context, symbol, id string) error { return nil }
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
	return exchange.OrderWithSlTpResult{EntryOrderID: "entry-1", AvgPrice: 50000, ExecutedQty: qty, SlOrderID: "sl-1", TpOrderID: "tp-1", Success: true}, nil
}

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if _, err := database.DB.ExecContext(ctx, `INSERT INTO webhooks (id, url_path, bot_id, secret, is_public, is_active, margin_usd, leverage, stop_loss_pct, take_profit_pct, market_type, error_threshold, max_retries) VALUES ('wh1','/hooks/abc','bot1','s3cr3t',1,1,100,10,2,5,'futures',10,3)`); err != nil {
		t.Fatalf("seed webhook: %v", err)
	}

	queries := db.NewGateway(database)
	gw := &stubGateway{}
	factory := func(account db.ExchangeAccount, apiKey, apiSecret string) (exchange.Gateway, error) {
		return gw, nil
	}
	mgr := gateway.NewManager(queries, nil, factory, gateway.DefaultConfig())
	executor := order.NewExecutor(mgr, queries, nil, &config.Config{OrderRetryMaxAttempts: 1, OrderRetryBackoffSec: []int{0}})
	gate := risk.NewGate(queries)
	b := broadcast.NewBroadcaster(queries, gate, executor, nil)
	cfg := &config.Config{SignatureToleranceSec: 300, JWTSecret: "test-secret"}
	in := ingress.NewIngestor(queries, b, nil, cfg)
	sltpSvc := sltp.NewService(queries, mgr)

	return NewServer(events.NewBus(), database, in, sltpSvc, monitor.NewSystemMetrics(), cache.NewIdempotencyCache(0), SystemMeta{}, cfg.JWTSecret)
}

func TestReceiveWebhookIsPublicAndAlwaysReturns200(t *testing.T) {
	s := setupTestServer(t)

	body := []byte(`{"ticker":"BTCUSDT","action":"buy"}`)
	req := httptest.NewRequest(http.MethodPost, "/hooks/abc", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestReceiveWebhookUnknownPathStillReturns200(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/hooks/does-not-exist", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 even for an unknown webhook, got %d", rec.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != false {
		t.Fatalf("expected success=false, got %+v", resp)
	}
}

func TestMutateSlTpRequiresIdempotencyKey(t *testing.T) {
	s := setupTestServer(t)
	token, err := generateToken("u1", "test-secret", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sltp", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", rec.Code)
	}
}

func TestMutateSlTpRejectsUnauthenticatedRequest(t *testing.T) {
	s := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sltp", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", rec.Code)
	}
}
