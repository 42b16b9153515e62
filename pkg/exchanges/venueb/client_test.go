package venueb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"signalrelay/pkg/config"
	"signalrelay/pkg/exchanges/common"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := NewClient(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, nil)
	return srv, c
}

func TestPlaceOrderSignsAndParsesResponse(t *testing.T) {
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Fatalf("missing API key header")
		}
		body, _ := json.Marshal(orderResp{OrderID: 42, Status: "FILLED", AvgPrice: "100.5", ExecutedQty: "0.01"})
		w.Write(body)
	})
	defer srv.Close()

	res, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.01,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExchangeOrderID != "42" || res.Status != common.StatusFilled {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDoSignedMapsRateLimitError(t *testing.T) {
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"msg":"too many requests"}`))
	})
	defer srv.Close()

	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1})
	if err == nil || !strings.Contains(err.Error(), "RATE_LIMITED") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestCancelOrderTreatsUnknownOrderAsNoop(t *testing.T) {
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"msg":"Unknown order sent."}`))
	})
	defer srv.Close()

	if err := c.CancelOrder(context.Background(), "BTCUSDT", "1"); err != nil {
		t.Fatalf("expected nil error on already-gone order, got %v", err)
	}
}

func TestExecuteOrderWithSlTpPlacesThreeOrders(t *testing.T) {
	var calls []string
	srv, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.FormValue("type"))
		body, _ := json.Marshal(orderResp{OrderID: int64(len(calls)), Status: "NEW", AvgPrice: "100", ExecutedQty: "0.01"})
		w.Write(body)
	})
	defer srv.Close()

	result, err := c.ExecuteOrderWithSlTp(context.Background(), "BTCUSDT", common.SideBuy, 0.01, 10, 95, 110, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected entry+sl+tp = 3 calls, got %d (%v)", len(calls), calls)
	}
	if result.EntryOrderID == "" || result.SlOrderID == "" || result.TpOrderID == "" {
		t.Fatalf("expected all three order ids populated: %+v", result)
	}
}

func TestNormalizeQuantityRejectsBelowStepSize(t *testing.T) {
	vm, err := config.LoadVenueMetadata("/nonexistent/venues.yaml")
	if err != nil {
		t.Fatalf("unexpected error loading metadata: %v", err)
	}
	vm.Put("B", config.SymbolMeta{Symbol: "BTCUSDT", StepSize: 0.01})
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, vm)

	if _, err := c.NormalizeQuantity("BTCUSDT", 0.001); err != common.ErrQtyTooSmall {
		t.Fatalf("expected ErrQtyTooSmall, got %v", err)
	}

	qty, err := c.NormalizeQuantity("BTCUSDT", 0.0349)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := qty - 0.03; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected snapped quantity ~0.03, got %v", qty)
	}
}
