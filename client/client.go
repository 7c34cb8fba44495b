// Package client is the Go connector for the signaling service. It
// wraps the websocket transport, stamps protocol envelopes, and
// exposes typed helpers for the WebRTC negotiation payloads.
//
// One goroutine owns the read side through Recv; the Send helpers are
// safe to call from any goroutine, including pion callbacks.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SharathcAcharya/FileShare"
)

// ProtocolError is an error frame reported by the service.
type ProtocolError struct {
	Code       fileshare.ErrorCode
	Message    string
	RetryAfter int64
}

func (e *ProtocolError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %ds)", e.Code, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is one signaling connection.
type Client struct {
	ws  *websocket.Conn
	now func() time.Time

	wmu sync.Mutex

	// pending holds frames that arrived while a request helper was
	// waiting for its reply. Recv drains it first.
	pending []*fileshare.Envelope

	sessionID string
	clientID  string
}

// Dial connects to a signaling endpoint, e.g. ws://host:8080/ws.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{ws: ws, now: time.Now}, nil
}

// Close shuts the transport down. In-session callers should
// CloseSession first so the peer hears peer_left instead of a bare
// disconnect.
func (c *Client) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

// SessionID returns the bound session after a create or join.
func (c *Client) SessionID() string { return c.sessionID }

// ClientID returns the identity this client is bound under.
func (c *Client) ClientID() string { return c.clientID }

// CreateSession opens a fresh session and returns its credentials.
// The token appears here once and must reach the other peer out of
// band; the service never repeats it.
func (c *Client) CreateSession(ctx context.Context, clientID, displayName string) (*fileshare.SessionCreatedPayload, error) {
	err := c.sendEnvelope(fileshare.TypeCreateSession, "", "", "", &fileshare.CreateSessionPayload{
		ClientID:    clientID,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, err
	}

	env, err := c.await(ctx, fileshare.TypeSessionCreated)
	if err != nil {
		return nil, err
	}
	var p fileshare.SessionCreatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed session_created payload: %w", err)
	}
	c.sessionID = p.SessionID
	c.clientID = clientID
	return &p, nil
}

// JoinSession enters an existing session with its token and returns
// the peer already waiting there.
func (c *Client) JoinSession(ctx context.Context, sessionID, token, clientID, displayName string) (*fileshare.SessionJoinedPayload, error) {
	err := c.sendEnvelope(fileshare.TypeJoinSession, sessionID, "", "", &fileshare.JoinSessionPayload{
		Token:       token,
		ClientID:    clientID,
		DisplayName: displayName,
	})
	if err != nil {
		return nil, err
	}

	env, err := c.await(ctx, fileshare.TypeSessionJoined)
	if err != nil {
		return nil, err
	}
	var p fileshare.SessionJoinedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("malformed session_joined payload: %w", err)
	}
	c.sessionID = sessionID
	c.clientID = clientID
	return &p, nil
}

// CloseSession ends the session for both members. The peer receives
// peer_left with the given reason before its connection closes.
func (c *Client) CloseSession(reason string) error {
	var payload any
	if reason != "" {
		payload = &fileshare.SessionClosePayload{Reason: reason}
	}
	return c.sendEnvelope(fileshare.TypeSessionClose, c.sessionID, "", "", payload)
}

// Recv returns the next frame from the service or the peer. Frames
// that arrived while a request helper was waiting come out first.
func (c *Client) Recv(ctx context.Context) (*fileshare.Envelope, error) {
	if len(c.pending) > 0 {
		env := c.pending[0]
		c.pending = c.pending[1:]
		return env, nil
	}
	return c.read(ctx)
}

func (c *Client) read(ctx context.Context) (*fileshare.Envelope, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(dl)
	} else {
		c.ws.SetReadDeadline(time.Time{})
	}

	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env fileshare.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed server frame: %w", err)
	}
	return &env, nil
}

// await reads until a frame of the wanted type arrives, queueing
// everything else for Recv. An error frame aborts the wait.
func (c *Client) await(ctx context.Context, want string) (*fileshare.Envelope, error) {
	for {
		env, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		switch env.Type {
		case want:
			return env, nil
		case fileshare.TypeError:
			var p fileshare.ErrorPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("malformed error payload: %w", err)
			}
			return nil, &ProtocolError{Code: p.Code, Message: p.Message, RetryAfter: p.RetryAfter}
		default:
			c.pending = append(c.pending, env)
		}
	}
}

func (c *Client) sendEnvelope(typ, sessionID, from, to string, payload any) error {
	env := fileshare.Envelope{
		Type:      typ,
		SessionID: sessionID,
		From:      from,
		To:        to,
		Timestamp: c.now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	frame, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", typ, err)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}
