package signaling

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SharathcAcharya/FileShare"
	"github.com/SharathcAcharya/FileShare/internal/protocol"
	"github.com/SharathcAcharya/FileShare/internal/session"
)

// readLoop owns the receive side of one connection. It runs until the
// socket dies, a fatal protocol violation closes it, or the session
// protocol ends it, and always funnels the exit through disconnect.
func (s *Server) readLoop(c *conn) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", "panic", r)
			c.closeError(websocket.CloseInternalServerErr, fileshare.CodeInternal, "internal error")
		}
		s.disconnect(c)
	}()

	c.configureLiveness()

	for {
		kind, raw, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				// The transport already refused the frame with 1009.
				c.log.Warn("frame over read limit")
				c.close(websocket.CloseMessageTooBig, string(fileshare.CodeMessageTooLarge))
			}
			return
		}
		c.resetReadDeadline()

		// The protocol is JSON text frames only; binary frames are
		// dropped without comment.
		if kind != websocket.TextMessage {
			continue
		}
		if !s.dispatch(c, raw) {
			return
		}
	}
}

// dispatch validates one frame and routes it to its handler. The
// return reports whether the connection is still worth reading from.
func (s *Server) dispatch(c *conn, raw []byte) bool {
	env, err := s.codec.Decode(raw, s.clk.Now())
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			c.log.Error("decode failed", "err", err)
			c.closeError(websocket.CloseInternalServerErr, fileshare.CodeInternal, "internal error")
			return false
		}
		if perr.Fatal {
			s.metrics.reject(perr.Code)
			wsCode := websocket.CloseProtocolError
			if perr.Code == fileshare.CodeMessageTooLarge {
				wsCode = websocket.CloseMessageTooBig
			}
			c.closeError(wsCode, perr.Code, perr.Message)
			return false
		}
		s.reject(c, perr.Code, perr.Message, 0)
		return true
	}

	switch env.Type {
	case fileshare.TypeCreateSession:
		s.handleCreate(c, env)
	case fileshare.TypeJoinSession:
		s.handleJoin(c, env)
	case fileshare.TypeSessionClose:
		s.handleClose(c, env)
	default:
		s.handleRelay(c, env, raw)
	}
	return !c.isClosed()
}

func (s *Server) handleCreate(c *conn, env *fileshare.Envelope) {
	if st, _, _ := c.position(); st != stateNew {
		s.reject(c, fileshare.CodeInvalidState, "already in a session", 0)
		return
	}
	p, err := protocol.ParseCreate(env)
	if err != nil {
		s.rejectErr(c, err)
		return
	}
	if ok, wait := s.limiter.AllowCreate(c.addrKey); !ok {
		s.reject(c, fileshare.CodeRateLimitExceeded, "session create budget exhausted", retrySeconds(wait))
		return
	}

	created, err := s.registry.Create(c, p.ClientID, p.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyInSession):
			s.reject(c, fileshare.CodeInvalidState, "already in a session", 0)
		case errors.Is(err, session.ErrRegistryFull):
			s.reject(c, fileshare.CodeRateLimitExceeded, "session capacity reached", 0)
		default:
			c.log.Error("session create failed", "err", err)
			s.reject(c, fileshare.CodeInternal, "internal error", 0)
		}
		return
	}

	c.bindSession(roleCreator, stateCreatorWaiting, created.SessionID, p.ClientID)
	err = s.notify(c, fileshare.TypeSessionCreated, created.SessionID, &fileshare.SessionCreatedPayload{
		SessionID: created.SessionID,
		Token:     created.Token,
		ExpiresAt: created.ExpiresAt.UnixMilli(),
	})
	if errors.Is(err, errSlowPeer) {
		s.teardownSlowPeer(c, c)
		return
	}
	c.log.Info("session created", "session", created.SessionID, "client", p.ClientID)
}

func (s *Server) handleJoin(c *conn, env *fileshare.Envelope) {
	if st, _, _ := c.position(); st != stateNew {
		s.reject(c, fileshare.CodeInvalidState, "already in a session", 0)
		return
	}
	p, err := protocol.ParseJoin(env)
	if err != nil {
		s.rejectErr(c, err)
		return
	}
	if ok, wait := s.limiter.AllowJoin(c.addrKey); !ok {
		s.reject(c, fileshare.CodeRateLimitExceeded, "join budget exhausted", retrySeconds(wait))
		return
	}

	joined, err := s.registry.Join(c, env.SessionID, p.Token, p.ClientID, p.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionNotFound):
			s.reject(c, fileshare.CodeSessionNotFound, "session not found or expired", 0)
		case errors.Is(err, session.ErrInvalidToken):
			s.reject(c, fileshare.CodeInvalidToken, "token rejected", 0)
		case errors.Is(err, session.ErrSessionFull):
			s.reject(c, fileshare.CodeSessionFull, "session already has two peers", 0)
		case errors.Is(err, session.ErrDuplicateClient):
			s.reject(c, fileshare.CodeInvalidPayload, "clientId already taken in this session", 0)
		case errors.Is(err, session.ErrAlreadyInSession):
			s.reject(c, fileshare.CodeInvalidState, "already in a session", 0)
		default:
			c.log.Error("join failed", "err", err)
			s.reject(c, fileshare.CodeInternal, "internal error", 0)
		}
		return
	}

	c.bindSession(roleJoiner, statePaired, env.SessionID, p.ClientID)
	joined.Peer.setState(statePaired)

	// The joiner learns who it paired with, then the waiting member
	// learns who arrived. Both frames ride each target's own queue.
	err = s.notify(c, fileshare.TypeSessionJoined, env.SessionID, &fileshare.SessionJoinedPayload{
		PeerID:          joined.PeerClientID,
		PeerDisplayName: joined.PeerDisplayName,
	})
	if errors.Is(err, errSlowPeer) {
		s.teardownSlowPeer(c, c)
		return
	}
	err = s.notify(joined.Peer, fileshare.TypePeerJoined, env.SessionID, &fileshare.PeerJoinedPayload{
		PeerID:          p.ClientID,
		PeerDisplayName: p.DisplayName,
	})
	if errors.Is(err, errSlowPeer) {
		s.teardownSlowPeer(c, joined.Peer)
		return
	}
	c.log.Info("session joined", "session", env.SessionID, "client", p.ClientID)
}

// handleRelay forwards one negotiation frame. The peer receives the
// sender's frame byte for byte; the server never rebuilds it.
func (s *Server) handleRelay(c *conn, env *fileshare.Envelope, raw []byte) {
	// A connection that never had a peer has nothing it may relay. A
	// joiner whose peer departed keeps its membership, so its relays
	// fall through to the peer lookup instead.
	if st, _, _ := c.position(); st == stateNew || st == stateCreatorWaiting {
		s.reject(c, fileshare.CodeUnauthorized, "no relay before a peer joins", 0)
		return
	}
	if ok, wait := s.limiter.AllowMessage(c.addrKey); !ok {
		s.reject(c, fileshare.CodeRateLimitExceeded, "message budget exhausted", retrySeconds(wait))
		return
	}

	peer, err := s.registry.RelayTarget(c, env.SessionID, env.From, env.To)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotInSession):
			s.reject(c, fileshare.CodeUnauthorized, "not a session member", 0)
		case errors.Is(err, session.ErrWrongSession), errors.Is(err, session.ErrForgedFrom):
			s.reject(c, fileshare.CodeUnauthorized, "sender identity mismatch", 0)
		case errors.Is(err, session.ErrSessionNotFound):
			s.reject(c, fileshare.CodeSessionNotFound, "session not found or expired", 0)
		case errors.Is(err, session.ErrPeerNotFound):
			s.reject(c, fileshare.CodePeerNotFound, "peer not present", 0)
		default:
			c.log.Error("relay refused", "err", err)
			s.reject(c, fileshare.CodeInternal, "internal error", 0)
		}
		return
	}

	if err := peer.send(raw); err != nil {
		if errors.Is(err, errSlowPeer) {
			s.teardownSlowPeer(c, peer)
			return
		}
		s.reject(c, fileshare.CodePeerNotFound, "peer is gone", 0)
		return
	}
	s.metrics.relay(env.Type)
}

func (s *Server) handleClose(c *conn, env *fileshare.Envelope) {
	if st, _, _ := c.position(); st == stateNew || st == stateClosed {
		s.reject(c, fileshare.CodeInvalidState, "not in a session", 0)
		return
	}
	p, err := protocol.ParseClose(env)
	if err != nil {
		s.rejectErr(c, err)
		return
	}

	cl, err := s.registry.Close(c, env.SessionID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotInSession):
			s.reject(c, fileshare.CodeInvalidState, "not in a session", 0)
		case errors.Is(err, session.ErrWrongSession):
			s.reject(c, fileshare.CodeUnauthorized, "sessionId does not match", 0)
		default:
			c.log.Error("session close failed", "err", err)
			s.reject(c, fileshare.CodeInternal, "internal error", 0)
		}
		return
	}

	if cl.PeerPresent {
		// peer_left is queued before the close, so the drain delivers
		// it ahead of the close frame.
		s.tryNotify(cl.Peer, fileshare.TypePeerLeft, cl.SessionID, &fileshare.PeerLeftPayload{
			PeerID: cl.ClientID,
			Reason: p.Reason,
		})
		cl.Peer.close(websocket.CloseNormalClosure, "session closed")
	}
	c.close(websocket.CloseNormalClosure, "session closed")
	c.log.Info("session closed", "session", cl.SessionID, "client", cl.ClientID)
}

// disconnect is the single exit path for a connection, run once from
// readLoop's defer. It unwinds the session membership, tells a
// surviving peer, and releases the per-address slot.
func (s *Server) disconnect(c *conn) {
	// The survivor keeps its spot and may pair with a new joiner, so it
	// falls back to its solo state rather than closing. Demotion runs
	// under the registry lock so a join racing this removal cannot be
	// demoted right after it paired.
	dep, ok := s.registry.Leave(c, func(peer *conn) { peer.demote() })
	if ok && dep.PeerPresent {
		s.tryNotify(dep.Peer, fileshare.TypePeerDisconnected, dep.SessionID, &fileshare.PeerDisconnectedPayload{
			PeerID: dep.ClientID,
		})
		c.log.Info("peer disconnected", "session", dep.SessionID, "client", dep.ClientID)
	}

	c.close(websocket.CloseNormalClosure, "")
	c.markClosed()
	s.untrack(c)
	s.limiter.ReleaseConn(c.addrKey)
	s.connCount.Add(-1)
	c.log.Debug("connection closed")
}

// teardownSlowPeer ends a session because one member stopped draining
// its socket. The stalled side closes as a policy violation; everyone
// else in the session learns why it died.
func (s *Server) teardownSlowPeer(sender, slow *conn) {
	_, sessionID, _ := sender.position()
	cl, err := s.registry.Close(sender, sessionID)
	if err != nil && !errors.Is(err, session.ErrNotInSession) {
		sender.log.Debug("slow peer teardown", "err", err)
	}

	slow.closeError(websocket.ClosePolicyViolation, fileshare.CodeSlowPeer, "write buffer stalled for too long")
	if sender != slow {
		sender.closeError(websocket.CloseNormalClosure, fileshare.CodeSlowPeer, "peer stalled, session closed")
	}
	if err == nil && cl.PeerPresent && cl.Peer != sender && cl.Peer != slow {
		cl.Peer.closeError(websocket.CloseNormalClosure, fileshare.CodeSlowPeer, "peer stalled, session closed")
	}
	sender.log.Warn("slow peer, session torn down", "session", sessionID, "slow", slow.id)
	s.metrics.reject(fileshare.CodeSlowPeer)
}

// notify builds and queues one server frame, blocking on a full queue
// up to the stall deadline. The error is errSlowPeer when the target
// stalled; other failures are logged and swallowed because the
// target's own exit path handles them.
func (s *Server) notify(target *conn, typ, sessionID string, payload any) error {
	env, err := protocol.ServerEnvelope(typ, sessionID, payload, s.clk.Now())
	if err != nil {
		target.log.Error("encode server frame", "type", typ, "err", err)
		return nil
	}
	err = target.sendEnvelope(env)
	if errors.Is(err, errSlowPeer) {
		return err
	}
	if err != nil {
		target.log.Debug("server frame not delivered", "type", typ, "err", err)
	}
	return nil
}

// tryNotify queues one server frame only if there is room. Used right
// before a close, where blocking would stall the teardown.
func (s *Server) tryNotify(target *conn, typ, sessionID string, payload any) {
	env, err := protocol.ServerEnvelope(typ, sessionID, payload, s.clk.Now())
	if err != nil {
		target.log.Error("encode server frame", "type", typ, "err", err)
		return
	}
	frame, err := protocol.Marshal(env)
	if err != nil {
		target.log.Error("encode server frame", "type", typ, "err", err)
		return
	}
	if !target.trySend(frame) {
		target.log.Debug("server frame dropped", "type", typ)
	}
}

// reject answers a frame with an error and keeps the connection open.
func (s *Server) reject(c *conn, code fileshare.ErrorCode, message string, retryAfter int64) {
	s.metrics.reject(code)
	c.sendError(code, message, retryAfter)
}

// rejectErr reports a payload validation failure with its wire code.
func (s *Server) rejectErr(c *conn, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) {
		s.reject(c, perr.Code, perr.Message, 0)
		return
	}
	c.log.Error("unexpected validation failure", "err", err)
	s.reject(c, fileshare.CodeInternal, "internal error", 0)
}

// retrySeconds rounds a wait up to whole seconds, with a floor of one
// so a sub-second wait does not read as "retry immediately".
func retrySeconds(wait time.Duration) int64 {
	secs := int64((wait + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
