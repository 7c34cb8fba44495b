// Package session owns the server's only state: the session records,
// their join tokens, and the reverse index from live connections to
// memberships. One mutex covers all of it so that pairing, departure,
// and expiry decisions are atomic. No I/O happens under the lock;
// operations return connection handles for the caller to act on, and
// the one callback Leave runs inside the critical section is limited
// to survivor state bookkeeping.
package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// tokenBytes is the entropy of a join token. 32 bytes makes token
// guessing infeasible within any session lifetime.
const tokenBytes = 32

// NewSessionID returns a fresh 128-bit session identifier in canonical
// UUID text form.
func NewSessionID() string {
	return uuid.NewString()
}

// NewToken returns a fresh 256-bit join token, hex encoded, from the
// cryptographic RNG.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read token entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// TokenEqual compares a presented token against the stored one in
// constant time. Tokens are fixed length, so the length short-circuit
// inside subtle reveals nothing useful.
func TokenEqual(stored, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
