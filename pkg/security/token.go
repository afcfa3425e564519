// Package security holds the internal-token primitives shared by the
// control plane and the executor. Each session gets its own token; a
// leaked token authorizes exactly one sandbox's callbacks.
package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// tokenBytes is the entropy of an internal token. 256 bits, rendered
// as 64 hex characters.
const tokenBytes = 32

// NewToken generates a session-scoped internal API token.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// VerifyToken compares a presented token against the expected one in
// constant time. An empty expected token never matches.
func VerifyToken(presented, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
