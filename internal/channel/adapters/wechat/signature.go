package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
)

// VerifySignature checks a platform callback: the token, timestamp and nonce
// are sorted, concatenated and SHA-1 hashed, and the lowercase hex digest must
// equal signature exactly.
func VerifySignature(signature, timestamp, nonce, token string) bool {
	if signature == "" {
		return false
	}
	return Sign(timestamp, nonce, token) == signature
}

// Sign computes the callback signature for the given values.
func Sign(timestamp, nonce, token string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}
