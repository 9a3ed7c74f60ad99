// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Prefixes used across the autopay stores.
const (
	PrefixQuota        = "qta_"
	PrefixRule         = "rule_"
	PrefixHistory      = "hist_"
	PrefixSubscription = "sub_"
	PrefixRequest      = "req_"
)

// WithPrefix generates a random ID with a prefix (e.g. "qta_", "rule_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
