package venuea

import (
	"context"
	"testing"

	"signalrelay/pkg/config"
	"signalrelay/pkg/exchanges/common"
)

func TestGetPositionModeIsAlwaysOneWay(t *testing.T) {
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, nil)
	mode, err := c.GetPositionMode(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != common.PositionModeOneWay {
		t.Fatalf("expected one-way mode, got %v", mode)
	}
}

func TestNormalizePriceSnapsToTickSize(t *testing.T) {
	vm, err := config.LoadVenueMetadata("/nonexistent/venues.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vm.Put("A", config.SymbolMeta{Symbol: "ETHUSDT", TickSize: 0.1})
	c := NewClient(Config{APIKey: "k", APISecret: "s"}, vm)

	price, err := c.NormalizePrice("ETHUSDT", 1234.37)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := price - 1234.3; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected snapped price ~1234.3, got %v", price)
	}
}

func TestMapStatusCoversKnownStates(t *testing.T) {
	cases := map[string]common.OrderStatus{
		"NEW":              common.StatusNew,
		"PARTIALLY_FILLED": common.StatusPartial,
		"FILLED":           common.StatusFilled,
		"CANCELED":         common.StatusCanceled,
		"REJECTED":         common.StatusRejected,
		"EXPIRED":          common.StatusExpired,
		"GARBAGE":          common.StatusUnknown,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %v, want %v", in, got, want)
		}
	}
}
