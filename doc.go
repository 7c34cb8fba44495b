// Package fileshare defines the wire contract of the FileShare
// signaling service: the JSON envelope, its message types, and the
// error codes the service emits.
//
// The service brokers exactly two peers per session. One peer creates
// a session and receives a token out of band to its counterpart; the
// counterpart joins with that token, and from then on the service
// relays WebRTC negotiation payloads (offer, answer, ice_candidate)
// between the pair byte-for-byte without inspecting them. Once the
// peers hold a direct connection the service is out of the data path.
//
// # Architecture
//
//	Browser A ──ws──┐                 ┌──ws── Browser B
//	                ├─ signaling ─────┤
//	  create ───────┘   sessions      └─────── join(token)
//	                    relay
//
// Components live under internal/: session (registries, tokens,
// expiry), protocol (envelope codec), ratelimit (per-address caps),
// signaling (transport, per-connection state machine, diagnostics).
// Package client dials the service programmatically; cmd/fileshare-signal
// is the server binary.
//
// # Protocol
//
// Every frame is one UTF-8 JSON text message:
//
//	{
//	  "type": "offer",
//	  "sessionId": "6d1a...",
//	  "from": "alice",
//	  "to": "bob",
//	  "timestamp": 1718000000000,
//	  "payload": { ... }
//	}
//
// Frames above the configured size cap close the connection. The
// timestamp must fall within a skew window of server time. Unknown
// top-level fields are ignored; unknown types are rejected with
// UNKNOWN_MESSAGE_TYPE.
//
// # Session lifecycle
//
// create_session mints a session with a 128-bit identifier and a
// 256-bit single-session token, both from a cryptographic RNG. The
// token is returned only to the creator. join_session presents the
// token, compared in constant time. Sessions expire after a TTL
// (default one hour) regardless of activity and are deleted when
// their last member leaves.
//
// # Rate limiting
//
// Limits are tracked per remote address: session creates and joins per
// hour, relayed messages per minute, and concurrent connections.
// Rejections carry RATE_LIMIT_EXCEEDED and a retryAfter hint in
// seconds.
//
// # Security
//
// Tokens gate all joins and are never logged. Relay payloads are
// treated as opaque bytes end to end; the service never parses,
// stores, or logs their contents. No state survives process restart.
package fileshare
