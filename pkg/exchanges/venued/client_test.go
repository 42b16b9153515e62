package venued

import (
	"context"
	"testing"

	"signalrelay/pkg/exchanges/common"
)

func TestPlaceOrderRequiresPassphrase(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1, PositionSide: "LONG",
	})
	if err == nil {
		t.Fatal("expected error for missing passphrase")
	}
}

func TestPlaceOrderRejectsReduceOnlyInHedgeMode(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s", Passphrase: "p"}, nil)
	_, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTCUSDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
		ReduceOnly: true, PositionSide: "LONG",
	})
	if err == nil {
		t.Fatal("expected error for reduceOnly in hedge mode")
	}
}
