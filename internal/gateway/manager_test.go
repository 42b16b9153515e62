package gateway

import (
	"context"
	"testing"

	exchange "signalrelay/pkg/exchanges/common"
)

type stubGateway struct {
	mode exchange.PositionMode
	err  error
	hits int
}

func (s *stubGateway) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return exchange.OrderResult{}, nil
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
func (s *stubGateway) ListPositions(ctx context.Context) ([]exchange.Position, error) {
	return nil, s.err
}
func (s *stubGateway) SetLeverage(ctx context.Context, symbol string, leverage int, positionSide string) error {
	return nil
}
func (s *stubGateway) GetPositionMode(ctx context.Context) (exchange.PositionMode, error) {
	s.hits++
	return s.mode, nil
}
func (s *stubGateway) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (s *stubGateway) NormalizePrice(symbol string, price float64) (float64, error) {
	return price, nil
}
func (s *stubGateway) NormalizeQuantity(symbol string, qty float64) (float64, error) { return qty, nil }
func (s *stubGateway) IncomeHistory(ctx context.Context, symbol, incomeType string, limit int) ([]exchange.IncomeRecord, error) {
	return nil, nil
}
func (s *stubGateway) ExecuteOrderWithSlTp(ctx context.Context, symbol string, side exchange.Side, qty float64, leverage int, sl, tp float64, positionSide string) (exchange.OrderWithSlTpResult, error) {
	return exchange.OrderWithSlTpResult{}, nil
}

func TestRecordFailureTripsCircuitBreaker(t *testing.T) {
	gw := &stubGateway{mode: exchange.PositionModeHedge}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2

	m := &Manager{
		gateways: map[string]*CachedGateway{
			"acct1": {Gateway: gw, ExchangeAccountID: "acct1"},
		},
		config: cfg,
	}

	m.RecordFailure("acct1")
	m.RecordFailure("acct1")

	m.mu.RLock()
	failures := m.gateways["acct1"].Failures
	m.mu.RUnlock()

	if failures != cfg.FailureThreshold {
		t.Fatalf("expected %d failures, got %d", cfg.FailureThreshold, failures)
	}
}

func TestPositionModeProbesOnlyOnce(t *testing.T) {
	gw := &stubGateway{mode: exchange.PositionModeOneWay}
	m := &Manager{
		gateways: map[string]*CachedGateway{
			"acct1": {Gateway: gw, ExchangeAccountID: "acct1"},
		},
		config: DefaultConfig(),
	}

	for i := 0; i < 3; i++ {
		mode, err := m.PositionMode(context.Background(), "acct1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mode != exchange.PositionModeOneWay {
			t.Fatalf("unexpected mode: %v", mode)
		}
	}

	if gw.hits != 1 {
		t.Fatalf("expected GetPositionMode called exactly once, got %d", gw.hits)
	}
}
