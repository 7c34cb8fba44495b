package session

import (
	"encoding/hex"
	"testing"

	"github.com/google/uuid"
)

// TestNewSessionID verifies canonical UUID form and uniqueness.
func TestNewSessionID(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("NewSessionID() = %q, not a canonical UUID: %v", id, err)
		}
		if seen[id] {
			t.Fatalf("NewSessionID() repeated %q", id)
		}
		seen[id] = true
	}
}

// TestNewToken verifies token length, encoding, and uniqueness.
func TestNewToken(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		tok, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken() error = %v", err)
		}
		raw, err := hex.DecodeString(tok)
		if err != nil {
			t.Fatalf("NewToken() = %q, not hex: %v", tok, err)
		}
		if len(raw) != tokenBytes {
			t.Fatalf("token is %d bytes, want %d", len(raw), tokenBytes)
		}
		if seen[tok] {
			t.Fatalf("NewToken() repeated %q", tok)
		}
		seen[tok] = true
	}
}

// TestTokenEqual tests the comparison used for join authorization.
func TestTokenEqual(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		stored    string
		presented string
		want      bool
	}{
		{"equal", "aabbcc", "aabbcc", true},
		{"different", "aabbcc", "aabbcd", false},
		{"different length", "aabbcc", "aabb", false},
		{"both empty", "", "", true},
		{"presented empty", "aabbcc", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := TokenEqual(tt.stored, tt.presented); got != tt.want {
				t.Errorf("TokenEqual(%q, %q) = %v, want %v", tt.stored, tt.presented, got, tt.want)
			}
		})
	}
}
