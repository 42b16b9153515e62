package common

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Sign computes the hex HMAC-SHA256 query signature used by venuea, venueb
// and venuec, hoisted out of the teacher's per-venue helpers.go
// duplication. venued does not use it: it signs a request line with a
// base64 HMAC of its own.
func Sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// FormatFloat renders a decimal-exact value the way venue query strings
// expect: no scientific notation, minimal digits.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
