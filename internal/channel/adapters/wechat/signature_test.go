package wechat

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	t.Parallel()

	// sorted: "1700000000" < "nonce" < "wechat_token"
	sum := sha1.Sum([]byte("1700000000" + "nonce" + "wechat_token"))
	expected := hex.EncodeToString(sum[:])

	if got := Sign("1700000000", "nonce", "wechat_token"); got != expected {
		t.Fatalf("Sign = %s, want %s", got, expected)
	}
	if !VerifySignature(expected, "1700000000", "nonce", "wechat_token") {
		t.Fatal("expected valid signature")
	}
	if VerifySignature(strings.ToUpper(expected), "1700000000", "nonce", "wechat_token") {
		t.Fatal("expected comparison to be case-sensitive")
	}
	if VerifySignature(expected, "1700000001", "nonce", "wechat_token") {
		t.Fatal("expected mismatch for a different timestamp")
	}
	if VerifySignature("", "1700000000", "nonce", "wechat_token") {
		t.Fatal("expected empty signature to fail")
	}
}
