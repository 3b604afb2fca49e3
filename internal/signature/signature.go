package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header carries the hex HMAC of the request body.
const Header = "X-Signature"

// Sign returns the lowercase hex HMAC-SHA256 of body keyed with secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of body under secret.
func Verify(secret, body []byte, sig string) bool {
	want := Sign(secret, body)
	return hmac.Equal([]byte(sig), []byte(want))
}
