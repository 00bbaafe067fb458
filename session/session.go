// Session identity resolution.
//
// Information Hiding:
// - Token generation scheme (random UUID, hex encoded)
// - The rule that a caller-supplied token is always honored as-is
//
// A session token is an opaque string that groups a conversation's messages.
// The same token always addresses the same conversation; a missing token
// yields a fresh one. Resolution never fails.
package session

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Resolve returns the session ID for a request. A non-empty supplied token is
// returned unchanged; an empty one is replaced with a newly generated ID.
// The second return reports whether a new ID was created.
func Resolve(supplied string) (string, bool) {
	if supplied != "" {
		return supplied, false
	}
	return NewID(), true
}

// NewID generates a fresh session ID: 32 lowercase hex characters.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Valid reports whether a token looks like something we would log verbatim.
// Tokens are opaque and accepted regardless; this is only a logging guard.
func Valid(token string) bool {
	if token == "" || len(token) > 128 {
		return false
	}
	for _, r := range token {
		if r <= ' ' || r > '~' {
			return false
		}
	}
	return true
}
