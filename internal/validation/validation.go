// Package validation provides input validation helpers for the autopay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxNameLength caps user-supplied display names
const MaxNameLength = 256

var (
	// pubkeyRegex validates compressed secp256k1 node pubkeys (33 bytes hex)
	pubkeyRegex = regexp.MustCompile(`^0[23][a-fA-F0-9]{64}$`)
	// identityRegex restricts identity path parameters
	identityRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPubkey checks if a string is a valid compressed node pubkey
func IsValidPubkey(pubkey string) bool {
	return pubkeyRegex.MatchString(pubkey)
}

// IsValidIdentity checks if a string is usable as an identity path parameter
func IsValidIdentity(identity string) bool {
	return identityRegex.MatchString(identity)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizePubkey normalizes a node pubkey to lowercase hex
func SanitizePubkey(pubkey string) string {
	return strings.ToLower(strings.TrimSpace(pubkey))
}
