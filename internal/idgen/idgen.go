// Package idgen provides cryptographically random identifiers and secrets.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Hex returns numBytes of crypto/rand entropy, hex-encoded.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix generates a random ID with a prefix (e.g. "wh_", "whd_", "use_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Secret returns prefix + numBytes of entropy hex-encoded. Used for bearer
// credentials and webhook signing secrets, which are longer than ids.
func Secret(prefix string, numBytes int) string {
	return prefix + Hex(numBytes)
}
