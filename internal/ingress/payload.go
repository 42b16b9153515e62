package ingress

import (
	"fmt"
	"strconv"
	"strings"
)

// Normalized is the canonical (ticker, action, price) triple the rest of
// the pipeline consumes, after step 3's synonym mapping (§4.8).
type Normalized struct {
	Ticker   string
	Action   string
	Price    float64
	HasPrice bool
}

var actionSynonyms = map[string]string{
	"buy":   "buy",
	"long":  "buy",
	"compra": "buy",
	"sell":  "sell",
	"short": "sell",
	"venda": "sell",
	"close": "close",
}

// NormalizePayload accepts both `ticker` and `symbol`, maps Portuguese and
// long/short synonyms onto {buy, sell, close}, and extracts price from
// either a top-level `price` field or a nested `position.entry_price`.
func NormalizePayload(payload map[string]any) (Normalized, error) {
	ticker, _ := stringField(payload, "ticker")
	if ticker == "" {
		ticker, _ = stringField(payload, "symbol")
	}
	if ticker == "" {
		return Normalized{}, fmt.Errorf("payload missing ticker/symbol")
	}

	rawAction, _ := stringField(payload, "action")
	action, ok := actionSynonyms[strings.ToLower(strings.TrimSpace(rawAction))]
	if !ok {
		return Normalized{}, fmt.Errorf("unsupported action %q", rawAction)
	}

	norm := Normalized{Ticker: strings.ToUpper(ticker), Action: action}

	if price, ok := numberField(payload, "price"); ok {
		norm.Price, norm.HasPrice = price, true
		return norm, nil
	}

	if pos, ok := payload["position"].(map[string]any); ok {
		if price, ok := numberField(pos, "entry_price"); ok {
			norm.Price, norm.HasPrice = price, true
		}
	}

	return norm, nil
}

func stringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
