package ingress

import "testing"

func TestNormalizePayloadAcceptsSymbolAndPortugueseAction(t *testing.T) {
	payload := map[string]any{"symbol": "btcusdt", "action": "compra"}
	norm, err := NormalizePayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if norm.Ticker != "BTCUSDT" || norm.Action != "buy" {
		t.Fatalf("unexpected normalization: %+v", norm)
	}
}

func TestNormalizePayloadExtractsNestedEntryPrice(t *testing.T) {
	payload := map[string]any{
		"ticker": "ETHUSDT",
		"action": "short",
		"position": map[string]any{
			"entry_price": "3000.5",
		},
	}
	norm, err := NormalizePayload(payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if norm.Action != "sell" {
		t.Fatalf("expected short to map to sell, got %s", norm.Action)
	}
	if !norm.HasPrice || norm.Price != 3000.5 {
		t.Fatalf("expected nested entry_price extracted, got %+v", norm)
	}
}

func TestNormalizePayloadRejectsUnsupportedAction(t *testing.T) {
	payload := map[string]any{"ticker": "BTCUSDT", "action": "hold"}
	if _, err := NormalizePayload(payload); err == nil {
		t.Fatal("expected an error for unsupported action")
	}
}

func TestNormalizePayloadRejectsMissingTicker(t *testing.T) {
	payload := map[string]any{"action": "buy"}
	if _, err := NormalizePayload(payload); err == nil {
		t.Fatal("expected an error for missing ticker/symbol")
	}
}
