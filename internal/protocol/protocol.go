// Package protocol parses and validates wire frames. It owns the
// envelope-level rules: frame size, known types, required fields, and
// the timestamp skew window. Relay payloads pass through as raw bytes;
// only the parseable payloads (create, join, close) are ever decoded.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SharathcAcharya/FileShare"
)

// Error is a wire protocol violation carrying the code reported back
// to the client. Fatal violations (a frame that cannot be parsed at
// all, or one over the size cap) cost the sender its connection;
// everything else is answered and the connection stays open.
type Error struct {
	Code    fileshare.ErrorCode
	Message string
	Fatal   bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errf(code fileshare.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func fatalf(code fileshare.ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Fatal: true}
}

// clientTypes is the set of message types a client may send. Anything
// else, including server-emitted types echoed back, is rejected.
var clientTypes = map[string]bool{
	fileshare.TypeCreateSession: true,
	fileshare.TypeJoinSession:   true,
	fileshare.TypeOffer:         true,
	fileshare.TypeAnswer:        true,
	fileshare.TypeICECandidate:  true,
	fileshare.TypeSessionClose:  true,
}

// IsRelayType reports whether t is one of the opaque relay types.
func IsRelayType(t string) bool {
	return t == fileshare.TypeOffer || t == fileshare.TypeAnswer || t == fileshare.TypeICECandidate
}

// Codec validates inbound frames against the configured limits.
type Codec struct {
	// MaxFrameBytes caps the raw frame size. The transport enforces
	// the same limit at read time; the check here guards direct use.
	MaxFrameBytes int

	// TimestampSkew is the tolerated distance between the envelope
	// timestamp and server time, in either direction.
	TimestampSkew time.Duration
}

// Decode parses one client frame and applies every envelope-level
// rule. The returned envelope's Payload still references raw, so a
// relay forwards the sender's exact bytes.
func (c Codec) Decode(raw []byte, now time.Time) (*fileshare.Envelope, error) {
	if c.MaxFrameBytes > 0 && len(raw) > c.MaxFrameBytes {
		return nil, fatalf(fileshare.CodeMessageTooLarge,
			"frame size %d exceeds limit %d", len(raw), c.MaxFrameBytes)
	}

	var env fileshare.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fatalf(fileshare.CodeInvalidMessage, "malformed JSON frame")
	}

	if env.Type == "" {
		return nil, errf(fileshare.CodeInvalidMessage, "missing type")
	}
	if !clientTypes[env.Type] {
		return nil, errf(fileshare.CodeUnknownMessageType, "unknown message type %q", env.Type)
	}

	if env.Timestamp == 0 {
		return nil, errf(fileshare.CodeInvalidMessage, "missing timestamp")
	}
	if err := c.checkTimestamp(env.Timestamp, now); err != nil {
		return nil, err
	}

	switch env.Type {
	case fileshare.TypeCreateSession:
		if len(env.Payload) == 0 {
			return nil, errf(fileshare.CodeInvalidMessage, "create_session requires a payload")
		}
	case fileshare.TypeJoinSession:
		if env.SessionID == "" {
			return nil, errf(fileshare.CodeInvalidMessage, "join_session requires sessionId")
		}
		if len(env.Payload) == 0 {
			return nil, errf(fileshare.CodeInvalidMessage, "join_session requires a payload")
		}
	case fileshare.TypeSessionClose:
		if env.SessionID == "" {
			return nil, errf(fileshare.CodeInvalidMessage, "session_close requires sessionId")
		}
	default: // relay types
		if env.SessionID == "" || env.From == "" || env.To == "" {
			return nil, errf(fileshare.CodeInvalidMessage,
				"%s requires sessionId, from, and to", env.Type)
		}
		// A JSON null payload is present (end-of-candidates); only an
		// absent payload is rejected.
		if len(env.Payload) == 0 {
			return nil, errf(fileshare.CodeInvalidMessage, "%s requires a payload", env.Type)
		}
	}

	return &env, nil
}

// checkTimestamp rejects frames whose clock falls outside the skew
// window around server time.
func (c Codec) checkTimestamp(millis int64, now time.Time) error {
	if c.TimestampSkew <= 0 {
		return nil
	}
	delta := now.Sub(time.UnixMilli(millis))
	if delta < 0 {
		delta = -delta
	}
	if delta > c.TimestampSkew {
		return errf(fileshare.CodeInvalidTimestamp,
			"timestamp outside the accepted window of %s", c.TimestampSkew)
	}
	return nil
}

// ParseCreate decodes and validates a create_session payload.
func ParseCreate(env *fileshare.Envelope) (*fileshare.CreateSessionPayload, error) {
	var p fileshare.CreateSessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errf(fileshare.CodeInvalidPayload, "create_session payload is not an object")
	}
	if p.ClientID == "" {
		return nil, errf(fileshare.CodeInvalidPayload, "create_session requires clientId")
	}
	return &p, nil
}

// ParseJoin decodes and validates a join_session payload.
func ParseJoin(env *fileshare.Envelope) (*fileshare.JoinSessionPayload, error) {
	var p fileshare.JoinSessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errf(fileshare.CodeInvalidPayload, "join_session payload is not an object")
	}
	if p.Token == "" {
		return nil, errf(fileshare.CodeInvalidPayload, "join_session requires token")
	}
	if p.ClientID == "" {
		return nil, errf(fileshare.CodeInvalidPayload, "join_session requires clientId")
	}
	return &p, nil
}

// ParseClose decodes a session_close payload. The payload is optional;
// a missing or null payload yields an empty reason.
func ParseClose(env *fileshare.Envelope) (*fileshare.SessionClosePayload, error) {
	var p fileshare.SessionClosePayload
	if len(env.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, errf(fileshare.CodeInvalidPayload, "session_close payload is not an object")
	}
	return &p, nil
}

// Marshal serializes an envelope to one wire frame.
func Marshal(env *fileshare.Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s frame: %w", env.Type, err)
	}
	return raw, nil
}

// ServerEnvelope builds a server-originated envelope with the given
// payload, stamped with server time.
func ServerEnvelope(typ, sessionID string, payload any, now time.Time) (*fileshare.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &fileshare.Envelope{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
		Payload:   raw,
	}, nil
}

// ErrorEnvelope builds an error message for the originator.
// retryAfter is in seconds; zero omits the hint.
func ErrorEnvelope(code fileshare.ErrorCode, message string, retryAfter int64, now time.Time) *fileshare.Envelope {
	payload, _ := json.Marshal(fileshare.ErrorPayload{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
	return &fileshare.Envelope{
		Type:      fileshare.TypeError,
		Timestamp: now.UnixMilli(),
		Payload:   payload,
	}
}
