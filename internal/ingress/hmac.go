package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// signaturePrefixes are tried in order against the received signature
// header; Go's json.Marshal on a map[string]any already sorts keys and
// emits no extra whitespace, which is the canonicalization step §4.8
// step 2 asks for.
var signaturePrefixes = []string{"sha256=", "hmac-sha256=", ""}

// VerifyHMAC implements §4.8 step 2: canonicalize the payload, compute
// HMAC-SHA256 once, and accept the signature under any of the known
// prefix conventions, each compared in constant time. It then enforces
// the replay window if a timestamp is present.
func VerifyHMAC(payload map[string]any, signature, secret string, headers http.Header, toleranceSec int) bool {
	if signature == "" || secret == "" {
		return false
	}

	canonical, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, prefix := range signaturePrefixes {
		received := signature
		if prefix != "" && strings.HasPrefix(signature, prefix) {
			received = strings.TrimPrefix(signature, prefix)
		}
		if hmac.Equal([]byte(expected), []byte(received)) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	return validateTimestamp(payload, headers, toleranceSec)
}

// validateTimestamp rejects a request whose X-Timestamp header or payload
// `timestamp` field is more than toleranceSec away from now, guarding
// against replay. Absence of a timestamp is not itself a failure.
func validateTimestamp(payload map[string]any, headers http.Header, toleranceSec int) bool {
	raw := headers.Get("X-Timestamp")
	if raw == "" {
		if v, ok := payload["timestamp"]; ok {
			raw = toTimestampString(v)
		}
	}
	if raw == "" {
		return true
	}

	ts, ok := parseTimestamp(raw)
	if !ok {
		return false
	}

	diff := time.Now().Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(toleranceSec)
}

func toTimestampString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return ""
	}
}

func parseTimestamp(raw string) (int64, bool) {
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return unix, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.Unix(), true
	}
	return 0, false
}
