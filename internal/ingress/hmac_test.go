package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func sign(payload map[string]any, secret string) string {
	canonical, _ := json.Marshal(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACAcceptsKnownPrefixes(t *testing.T) {
	payload := map[string]any{"ticker": "BTCUSDT", "action": "buy"}
	secret := "webhook-secret"
	raw := sign(payload, secret)

	for _, sig := range []string{raw, "sha256=" + raw, "hmac-sha256=" + raw} {
		if !VerifyHMAC(payload, sig, secret, http.Header{}, 300) {
			t.Fatalf("expected signature %q to validate", sig)
		}
	}
}

func TestVerifyHMACRejectsWrongSecret(t *testing.T) {
	payload := map[string]any{"ticker": "BTCUSDT", "action": "buy"}
	raw := sign(payload, "correct-secret")
	if VerifyHMAC(payload, raw, "wrong-secret", http.Header{}, 300) {
		t.Fatal("expected validation to fail with the wrong secret")
	}
}

func TestVerifyHMACRejectsStaleTimestamp(t *testing.T) {
	payload := map[string]any{"ticker": "BTCUSDT", "action": "buy"}
	secret := "webhook-secret"
	raw := sign(payload, secret)

	headers := http.Header{}
	headers.Set("X-Timestamp", strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10))

	if VerifyHMAC(payload, raw, secret, headers, 300) {
		t.Fatal("expected a 10-minute-old timestamp to be rejected with a 300s tolerance")
	}
}

func TestVerifyHMACAcceptsFreshTimestamp(t *testing.T) {
	payload := map[string]any{"ticker": "BTCUSDT", "action": "buy"}
	secret := "webhook-secret"
	raw := sign(payload, secret)

	headers := http.Header{}
	headers.Set("X-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	if !VerifyHMAC(payload, raw, secret, headers, 300) {
		t.Fatal("expected a fresh timestamp to validate")
	}
}
