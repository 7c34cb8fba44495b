package client

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/SharathcAcharya/FileShare"
)

// Typed wrappers over the relay frames. The service treats these
// payloads as opaque bytes; the shapes here exist so Go peers and the
// browser agree on them. A pion SessionDescription marshals to the
// {type, sdp} object the browser's peer-connection API produces, and
// ICECandidateInit matches RTCIceCandidate.toJSON().

// SendOffer relays a session description offer to the session peer.
// Call after CreateSession or JoinSession has bound an identity.
func (c *Client) SendOffer(to string, desc webrtc.SessionDescription) error {
	return c.sendRelay(fileshare.TypeOffer, to, desc)
}

// SendAnswer relays a session description answer to the session peer.
func (c *Client) SendAnswer(to string, desc webrtc.SessionDescription) error {
	return c.sendRelay(fileshare.TypeAnswer, to, desc)
}

// SendICECandidate relays one gathered candidate. A nil candidate
// marks the end of gathering and goes out as a null payload, matching
// the browser convention.
func (c *Client) SendICECandidate(to string, candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return c.sendRelay(fileshare.TypeICECandidate, to, json.RawMessage("null"))
	}
	return c.sendRelay(fileshare.TypeICECandidate, to, candidate)
}

func (c *Client) sendRelay(typ, to string, payload any) error {
	if c.sessionID == "" || c.clientID == "" {
		return fmt.Errorf("send %s: not in a session", typ)
	}
	return c.sendEnvelope(typ, c.sessionID, c.clientID, to, payload)
}

// SessionDescription decodes the payload of a relayed offer or answer.
func SessionDescription(env *fileshare.Envelope) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if env.Type != fileshare.TypeOffer && env.Type != fileshare.TypeAnswer {
		return desc, fmt.Errorf("%s frame carries no session description", env.Type)
	}
	if err := json.Unmarshal(env.Payload, &desc); err != nil {
		return desc, fmt.Errorf("malformed %s payload: %w", env.Type, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%s payload has no sdp", env.Type)
	}
	return desc, nil
}

// ICECandidate decodes the payload of a relayed ice_candidate frame.
// A null payload (end of candidates) decodes to nil.
func ICECandidate(env *fileshare.Envelope) (*webrtc.ICECandidateInit, error) {
	if env.Type != fileshare.TypeICECandidate {
		return nil, fmt.Errorf("%s frame carries no candidate", env.Type)
	}
	if string(env.Payload) == "null" {
		return nil, nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Payload, &init); err != nil {
		return nil, fmt.Errorf("malformed ice_candidate payload: %w", err)
	}
	return &init, nil
}
