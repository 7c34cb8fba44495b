package fileshare

import "encoding/json"

// Message types sent by clients.
const (
	// TypeCreateSession opens a new session; the sender becomes its
	// creator and first member.
	TypeCreateSession = "create_session"
	// TypeJoinSession enters an existing session using its token.
	TypeJoinSession = "join_session"
	// TypeOffer, TypeAnswer, and TypeICECandidate carry opaque WebRTC
	// negotiation payloads relayed byte-for-byte to the session peer.
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice_candidate"
	// TypeSessionClose tears the session down for both members.
	TypeSessionClose = "session_close"
)

// Message types sent by the server.
const (
	TypeSessionCreated   = "session_created"
	TypeSessionJoined    = "session_joined"
	TypePeerJoined       = "peer_joined"
	TypePeerLeft         = "peer_left"
	TypePeerDisconnected = "peer_disconnected"
	TypeError            = "error"
)

// ErrorCode identifies the failure class in an error message.
type ErrorCode string

// Error codes carried by error messages.
const (
	CodeInvalidTimestamp   ErrorCode = "INVALID_TIMESTAMP"
	CodeInvalidMessage     ErrorCode = "INVALID_MESSAGE"
	CodeInvalidPayload     ErrorCode = "INVALID_PAYLOAD"
	CodeInvalidState       ErrorCode = "INVALID_STATE"
	CodeUnknownMessageType ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionFull        ErrorCode = "SESSION_FULL"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodePeerNotFound       ErrorCode = "PEER_NOT_FOUND"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeMessageTooLarge    ErrorCode = "MESSAGE_TOO_LARGE"
	CodeSlowPeer           ErrorCode = "SLOW_PEER"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Envelope is the wire frame. Every message is one JSON text frame of
// this shape; payload is type-specific and stays opaque for the relay
// types. Unknown envelope fields are ignored on receipt.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// CreateSessionPayload is sent by a client opening a session.
type CreateSessionPayload struct {
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// SessionCreatedPayload answers create_session. Token is the join
// secret; it is sent to the creator once and never again.
type SessionCreatedPayload struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// JoinSessionPayload is sent by a client entering a session.
type JoinSessionPayload struct {
	Token       string `json:"token"`
	ClientID    string `json:"clientId"`
	DisplayName string `json:"displayName"`
}

// SessionJoinedPayload answers join_session with the existing peer.
type SessionJoinedPayload struct {
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
}

// PeerJoinedPayload notifies the waiting member that a peer arrived.
type PeerJoinedPayload struct {
	PeerID          string `json:"peerId"`
	PeerDisplayName string `json:"peerDisplayName"`
}

// SessionClosePayload optionally explains an explicit teardown.
type SessionClosePayload struct {
	Reason string `json:"reason,omitempty"`
}

// PeerLeftPayload notifies the remaining member of an explicit close.
// Reason carries the closing side's stated reason, if any.
type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason,omitempty"`
}

// PeerDisconnectedPayload notifies the remaining member that its peer
// dropped without closing the session. The session stays joinable
// until it expires.
type PeerDisconnectedPayload struct {
	PeerID string `json:"peerId"`
}

// ErrorPayload reports a failure to the message originator. RetryAfter
// is set only for rate-limit rejections, in seconds.
type ErrorPayload struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
}
