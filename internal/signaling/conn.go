// Package signaling is the service core: it accepts websocket
// connections, walks each one through the session protocol, and
// relays negotiation frames between paired peers. Transport mechanics
// live in conn.go, the per-connection protocol state machine in
// handler.go, the HTTP surface in server.go and diag.go.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SharathcAcharya/FileShare"
	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/protocol"
)

// writeTimeout bounds a single frame write to a client.
const writeTimeout = 10 * time.Second

var (
	errConnClosed = errors.New("connection is closed")
	errSlowPeer   = errors.New("peer write buffer stalled")
)

// connState is the protocol position of one connection.
type connState int

const (
	// stateNew is the post-upgrade state, before create or join.
	stateNew connState = iota
	// stateCreatorWaiting is a creator alone in its session.
	stateCreatorWaiting
	// stateJoiner is a joined member alone in its session after the
	// other member departed.
	stateJoiner
	// statePaired is a member of a full session.
	statePaired
	// stateClosed is terminal.
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateCreatorWaiting:
		return "creator_waiting"
	case stateJoiner:
		return "joiner"
	case statePaired:
		return "paired"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// connRole records how a connection entered its session. It decides
// which solo state a paired member falls back to when its peer leaves.
type connRole int

const (
	roleNone connRole = iota
	roleCreator
	roleJoiner
)

// conn is one live websocket connection. Frames queue on sendCh and a
// single writePump goroutine drains them, so wire writes are
// serialized without holding locks during I/O.
type conn struct {
	id         string
	ws         *websocket.Conn
	remoteAddr string
	addrKey    string
	log        *slog.Logger
	clk        clock.Clock

	stallTimeout time.Duration
	pingInterval time.Duration
	liveness     time.Duration

	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string

	// Protocol position, guarded separately because peers transition
	// each other (a join promotes the waiting member).
	stateMu   sync.Mutex
	state     connState
	role      connRole
	sessionID string
	clientID  string
}

type connOptions struct {
	clk          clock.Clock
	log          *slog.Logger
	pendingCap   int
	stallTimeout time.Duration
	pingInterval time.Duration
	liveness     time.Duration
}

func newConn(ws *websocket.Conn, remoteAddr, addrKey string, opts connOptions) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:           uuid.New().String(),
		ws:           ws,
		remoteAddr:   remoteAddr,
		addrKey:      addrKey,
		clk:          opts.clk,
		stallTimeout: opts.stallTimeout,
		pingInterval: opts.pingInterval,
		liveness:     opts.liveness,
		sendCh:       make(chan []byte, opts.pendingCap),
		ctx:          ctx,
		cancel:       cancel,
	}
	c.log = opts.log.With("conn", c.id, "remote", remoteAddr)

	go c.writePump()
	return c
}

// send queues one frame. When the buffer is full it blocks the caller
// (pausing that goroutine's reads, which is the backpressure) until
// space frees or the stall deadline passes.
func (c *conn) send(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return errConnClosed
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
	}

	stall := c.clk.After(c.stallTimeout)
	select {
	case c.sendCh <- frame:
		return nil
	case <-stall:
		return errSlowPeer
	case <-c.ctx.Done():
		return errConnClosed
	}
}

// trySend queues a frame only if there is room. Used for frames that
// precede a close, where blocking would serve no one.
func (c *conn) trySend(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.sendCh <- frame:
		return true
	default:
		return false
	}
}

// sendEnvelope marshals and queues one message.
func (c *conn) sendEnvelope(env *fileshare.Envelope) error {
	frame, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// sendError reports a failure to this client without closing it.
func (c *conn) sendError(code fileshare.ErrorCode, message string, retryAfter int64) {
	env := protocol.ErrorEnvelope(code, message, retryAfter, c.clk.Now())
	if err := c.sendEnvelope(env); err != nil {
		c.log.Debug("error frame not delivered", "code", code, "err", err)
	}
}

// close tears the connection down once. The write pump drains queued
// frames, sends the close frame with the given code and reason, and
// releases the socket. Later calls are no-ops.
func (c *conn) close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	c.cancel()
	close(c.sendCh)
	c.mu.Unlock()

	// Kick a reader blocked in ReadMessage; the pump owns the socket
	// teardown after its drain.
	c.ws.SetReadDeadline(time.Now())
}

// isClosed reports whether close has run.
func (c *conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// closeError sends a final error frame if room allows, then closes
// with the websocket code mapped from the wire error.
func (c *conn) closeError(wsCode int, code fileshare.ErrorCode, message string) {
	frame, err := protocol.Marshal(protocol.ErrorEnvelope(code, message, 0, c.clk.Now()))
	if err == nil {
		c.trySend(frame)
	}
	c.close(wsCode, string(code))
}

// writePump serializes all wire writes: queued frames, keep-alive
// pings, and the final close frame. It exits when the send channel is
// closed and drained, or on the first write failure.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sendCh:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Drained. closeCode was set before the channel
				// closed, so reading it here is ordered.
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				c.ws.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", "err", err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// configureLiveness arms the read deadline and its pong reset. A
// connection that neither speaks nor answers pings within the window
// dies at the next read.
func (c *conn) configureLiveness() {
	c.ws.SetReadDeadline(time.Now().Add(c.liveness))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.liveness))
		return nil
	})
}

// resetReadDeadline extends liveness after a successful read.
func (c *conn) resetReadDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.liveness))
}

// position returns the current protocol state and session binding.
func (c *conn) position() (connState, string, string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state, c.sessionID, c.clientID
}

// bindSession records a successful create or join.
func (c *conn) bindSession(role connRole, state connState, sessionID, clientID string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = state
	c.role = role
	c.sessionID = sessionID
	c.clientID = clientID
}

// setState moves the protocol position without touching the binding.
func (c *conn) setState(state connState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == stateClosed {
		return
	}
	c.state = state
}

// demote returns a paired member to the solo state for its role after
// the other member departs. The session binding stays: the survivor
// holds its spot until the session expires or it leaves too.
func (c *conn) demote() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != statePaired {
		return
	}
	if c.role == roleCreator {
		c.state = stateCreatorWaiting
	} else {
		c.state = stateJoiner
	}
}

// markClosed pins the terminal state.
func (c *conn) markClosed() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = stateClosed
}
