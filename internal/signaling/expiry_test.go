package signaling

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SharathcAcharya/FileShare"
	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/config"
)

// serverConn digs the server-side connection bound to clientID out of
// the connection set. The binding happens on the server's goroutines,
// so poll briefly.
func serverConn(t *testing.T, s *Server, clientID string) *conn {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		for c := range s.conns {
			if _, _, id := c.position(); id == clientID {
				s.mu.Unlock()
				return c
			}
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("no connection bound to %q", clientID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestSessionExpiry runs a paired session past its TTL on a fake
// clock and checks that the sweep closes both members silently and
// kills the token.
func TestSessionExpiry(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := startServer(t, fake, func(cfg *config.Config) {
		// Clients stamp wall-clock timestamps while the server runs on
		// the fake, so the skew check has to sit this one out.
		cfg.TimestampSkewMillis = 0
	})

	alice, bob, created := pairedSession(t, s)

	wantExpiry := fake.Now().Add(s.cfg.SessionTTL()).UnixMilli()
	if created.ExpiresAt != wantExpiry {
		t.Errorf("expiresAt = %d, want %d", created.ExpiresAt, wantExpiry)
	}

	// Sweep and prune loops hold one ticker each.
	fake.WaitForTimers(2)
	fake.Advance(s.cfg.SessionTTL() + s.cfg.SweepInterval())

	// No peer_left, no peer_disconnected: expiry closes without
	// notifications.
	alice.wantClose(websocket.CloseNormalClosure)
	bob.wantClose(websocket.CloseNormalClosure)

	late := dial(t, s)
	late.send(map[string]any{
		"type": fileshare.TypeJoinSession, "sessionId": created.SessionID,
		"payload": map[string]any{"token": created.Token, "clientId": "carol"},
	})
	late.wantError(fileshare.CodeSessionNotFound)

	if sessions, _ := s.registry.Counts(); sessions != 0 {
		t.Errorf("registry still holds %d sessions after expiry", sessions)
	}
}

// TestJoinAfterExpiryWithoutSweep checks that an expired session
// refuses joins even before the sweeper has removed it.
func TestJoinAfterExpiryWithoutSweep(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := startServer(t, fake, func(cfg *config.Config) {
		cfg.TimestampSkewMillis = 0
		// Push the sweep far out so expiry alone does the refusing.
		cfg.SweepIntervalMillis = int64(24 * time.Hour / time.Millisecond)
	})

	creator := dial(t, s)
	created := createSession(t, creator, "alice", "Alice")

	fake.WaitForTimers(2)
	fake.Advance(s.cfg.SessionTTL() + time.Minute)

	late := dial(t, s)
	late.send(map[string]any{
		"type": fileshare.TypeJoinSession, "sessionId": created.SessionID,
		"payload": map[string]any{"token": created.Token, "clientId": "bob"},
	})
	late.wantError(fileshare.CodeSessionNotFound)
}

// TestSlowPeerTeardown drives the teardown path for a member that
// stopped draining its socket: the stalled side closes as a policy
// violation, the healthy side learns why, and the session dies.
func TestSlowPeerTeardown(t *testing.T) {
	s := startServer(t, clock.System(), nil)
	alice, bob, _ := pairedSession(t, s)

	aliceConn := serverConn(t, s, "alice")
	bobConn := serverConn(t, s, "bob")

	s.teardownSlowPeer(aliceConn, bobConn)

	bob.wantError(fileshare.CodeSlowPeer)
	bob.wantClose(websocket.ClosePolicyViolation)
	alice.wantError(fileshare.CodeSlowPeer)
	alice.wantClose(websocket.CloseNormalClosure)

	if sessions, _ := s.registry.Counts(); sessions != 0 {
		t.Errorf("registry still holds %d sessions after teardown", sessions)
	}
}
