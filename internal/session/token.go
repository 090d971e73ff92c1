package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateToken returns 32 cryptographically random bytes, hex encoded.
func GenerateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("session: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// VerifyToken performs constant-time comparison of two tokens. An empty
// expected token never matches.
func VerifyToken(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
