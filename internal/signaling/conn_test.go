package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/testutil"
)

// stubConn builds a conn with no transport and no write pump, enough
// to exercise the queueing and state primitives in isolation.
func stubConn(pendingCap int, clk clock.Clock) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		id:           "stub",
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		clk:          clk,
		stallTimeout: 30 * time.Second,
		sendCh:       make(chan []byte, pendingCap),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// TestSendStallTimesOut fills the queue and checks that a blocked send
// gives up with errSlowPeer once the stall window passes.
func TestSendStallTimesOut(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := stubConn(1, fake)

	if err := c.send([]byte("first")); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.send([]byte("second")) }()

	fake.WaitForTimers(1)
	fake.Advance(30 * time.Second)

	err := testutil.RequireReceive(t, errCh, 5*time.Second, "blocked send")
	if !errors.Is(err, errSlowPeer) {
		t.Errorf("send() error = %v, want errSlowPeer", err)
	}
}

// TestSendUnblocksWhenDrained checks that a blocked send completes as
// soon as the queue frees, without waiting out the stall window.
func TestSendUnblocksWhenDrained(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := stubConn(1, fake)

	if err := c.send([]byte("first")); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.send([]byte("second")) }()

	fake.WaitForTimers(1)
	<-c.sendCh

	if err := testutil.RequireReceive(t, errCh, 5*time.Second, "drained send"); err != nil {
		t.Errorf("send() error = %v, want nil", err)
	}
}

func TestSendOnClosedConn(t *testing.T) {
	t.Parallel()

	c := stubConn(1, clock.System())
	c.closed = true

	if err := c.send([]byte("x")); !errors.Is(err, errConnClosed) {
		t.Errorf("send() error = %v, want errConnClosed", err)
	}
	if c.trySend([]byte("x")) {
		t.Error("trySend() = true on closed conn")
	}
}

// TestSendCanceled checks that tearing down the connection releases a
// send blocked on a full queue.
func TestSendCanceled(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := stubConn(1, fake)

	if err := c.send([]byte("first")); err != nil {
		t.Fatalf("send() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.send([]byte("second")) }()

	fake.WaitForTimers(1)
	c.cancel()

	err := testutil.RequireReceive(t, errCh, 5*time.Second, "canceled send")
	if !errors.Is(err, errConnClosed) {
		t.Errorf("send() error = %v, want errConnClosed", err)
	}
}

func TestTrySendFullQueue(t *testing.T) {
	t.Parallel()

	c := stubConn(1, clock.System())
	if !c.trySend([]byte("first")) {
		t.Fatal("trySend() = false on empty queue")
	}
	if c.trySend([]byte("second")) {
		t.Error("trySend() = true on full queue")
	}
}

// TestProtocolPosition walks the state primitives through a session
// lifecycle for both roles.
func TestProtocolPosition(t *testing.T) {
	t.Parallel()

	t.Run("creator", func(t *testing.T) {
		t.Parallel()

		c := stubConn(1, clock.System())
		if st, _, _ := c.position(); st != stateNew {
			t.Fatalf("initial state = %v, want %v", st, stateNew)
		}

		c.bindSession(roleCreator, stateCreatorWaiting, "s1", "alice")
		st, sessionID, clientID := c.position()
		if st != stateCreatorWaiting || sessionID != "s1" || clientID != "alice" {
			t.Fatalf("position() = %v/%s/%s after bind", st, sessionID, clientID)
		}

		c.setState(statePaired)
		c.demote()
		if st, _, _ := c.position(); st != stateCreatorWaiting {
			t.Errorf("creator demoted to %v, want %v", st, stateCreatorWaiting)
		}
	})

	t.Run("joiner", func(t *testing.T) {
		t.Parallel()

		c := stubConn(1, clock.System())
		c.bindSession(roleJoiner, statePaired, "s1", "bob")
		c.demote()
		if st, _, _ := c.position(); st != stateJoiner {
			t.Errorf("joiner demoted to %v, want %v", st, stateJoiner)
		}
	})

	t.Run("demote only affects paired", func(t *testing.T) {
		t.Parallel()

		c := stubConn(1, clock.System())
		c.bindSession(roleCreator, stateCreatorWaiting, "s1", "alice")
		c.demote()
		if st, _, _ := c.position(); st != stateCreatorWaiting {
			t.Errorf("state = %v after demote on solo member", st)
		}
	})

	t.Run("closed is terminal", func(t *testing.T) {
		t.Parallel()

		c := stubConn(1, clock.System())
		c.markClosed()
		c.bindSession(roleCreator, stateCreatorWaiting, "s1", "alice")
		c.setState(statePaired)
		if st, _, _ := c.position(); st != stateClosed {
			t.Errorf("state = %v, want %v", st, stateClosed)
		}
	})
}
