package venuec

import (
	"context"
	"testing"

	"signalrelay/pkg/exchanges/common"
)

func TestPlaceOrderRejectsReduceOnlyInHedgeMode(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
		ReduceOnly: true, PositionSide: "LONG",
	})
	if err == nil {
		t.Fatal("expected error for reduceOnly in hedge mode")
	}
}

func TestPlaceOrderRequiresPositionSide(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	if err == nil {
		t.Fatal("expected error for missing positionSide")
	}
}

func TestGetPositionModeIsAlwaysHedge(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	mode, err := c.GetPositionMode(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != common.PositionModeHedge {
		t.Fatalf("expected hedge mode, got %v", mode)
	}
}
