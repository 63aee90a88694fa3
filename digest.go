package captchaguard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex HMAC-SHA256 of value keyed by salt.
func Digest(value, salt string) string {
	mac := hmac.New(sha256.New, []byte(salt))
	_, _ = mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestEqual compares two digests in constant time.
func DigestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
