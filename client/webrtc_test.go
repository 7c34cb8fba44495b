package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/SharathcAcharya/FileShare"
)

// negotiator pumps signaling frames into one peer connection: offers
// and answers become remote descriptions, candidates are added as they
// trickle in. Candidates may legally arrive before the description
// that anchors them, so they buffer until the remote description is
// set.
type negotiator struct {
	t      *testing.T
	sc     *Client
	pc     *webrtc.PeerConnection
	peerID string

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	failed chan error
}

func newNegotiator(t *testing.T, sc *Client, pc *webrtc.PeerConnection, peerID string) *negotiator {
	t.Helper()

	n := &negotiator{t: t, sc: sc, pc: pc, peerID: peerID, failed: make(chan error, 1)}

	// Candidates trickle out through the service as pion gathers them;
	// nil marks the end of gathering.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			n.report(sc.SendICECandidate(peerID, nil))
			return
		}
		init := c.ToJSON()
		n.report(sc.SendICECandidate(peerID, &init))
	})
	return n
}

func (n *negotiator) report(err error) {
	if err == nil {
		return
	}
	select {
	case n.failed <- err:
	default:
	}
}

// run dispatches signaling frames until ctx ends or the transport
// drops. It answers offers itself, which is all the receiving side of
// a handshake has to do.
func (n *negotiator) run(ctx context.Context) {
	for {
		env, err := n.sc.Recv(ctx)
		if err != nil {
			return
		}
		switch env.Type {
		case fileshare.TypeOffer:
			desc, err := SessionDescription(env)
			if err != nil {
				n.report(err)
				return
			}
			if err := n.setRemote(desc); err != nil {
				n.report(err)
				return
			}
			answer, err := n.pc.CreateAnswer(nil)
			if err != nil {
				n.report(err)
				return
			}
			if err := n.pc.SetLocalDescription(answer); err != nil {
				n.report(err)
				return
			}
			n.report(n.sc.SendAnswer(env.From, answer))

		case fileshare.TypeAnswer:
			desc, err := SessionDescription(env)
			if err != nil {
				n.report(err)
				return
			}
			n.report(n.setRemote(desc))

		case fileshare.TypeICECandidate:
			init, err := ICECandidate(env)
			if err != nil {
				n.report(err)
				return
			}
			if init != nil {
				n.report(n.addCandidate(*init))
			}
		}
	}
}

func (n *negotiator) setRemote(desc webrtc.SessionDescription) error {
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	n.mu.Lock()
	n.remoteSet = true
	queued := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range queued {
		if err := n.pc.AddICECandidate(init); err != nil {
			return err
		}
	}
	return nil
}

func (n *negotiator) addCandidate(init webrtc.ICECandidateInit) error {
	n.mu.Lock()
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	return n.pc.AddICECandidate(init)
}

func newPeerConnection(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	// No ICE servers: host candidates are enough on loopback.
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

// TestDataChannelNegotiation proves the service brokers a complete
// WebRTC handshake: two pion peer connections exchange their offer,
// answer, and trickled candidates purely through the signaling relay,
// open a data channel, and pass a message across it. After that
// message the service is no longer in the data path.
func TestDataChannelNegotiation(t *testing.T) {
	url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sender := dialClient(t, url)
	created, err := sender.CreateSession(ctx, "sender", "Sender")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	receiver := dialClient(t, url)
	joined, err := receiver.JoinSession(ctx, created.SessionID, created.Token, "receiver", "Receiver")
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}

	peerEnv, err := sender.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv peer_joined: %v", err)
	}
	if peerEnv.Type != fileshare.TypePeerJoined {
		t.Fatalf("creator received %q, want %q", peerEnv.Type, fileshare.TypePeerJoined)
	}

	senderPC := newPeerConnection(t)
	receiverPC := newPeerConnection(t)

	senderNeg := newNegotiator(t, sender, senderPC, "receiver")
	receiverNeg := newNegotiator(t, receiver, receiverPC, joined.PeerID)

	// The payload that must cross the negotiated channel and come back.
	const question = "chunk 0 of 1: hello across the channel"
	echoed := make(chan string, 1)

	dc, err := senderPC.CreateDataChannel("transfer", nil)
	if err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	dc.OnOpen(func() {
		senderNeg.report(dc.SendText(question))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		echoed <- string(msg.Data)
	})

	receiverPC.OnDataChannel(func(rdc *webrtc.DataChannel) {
		rdc.OnMessage(func(msg webrtc.DataChannelMessage) {
			receiverNeg.report(rdc.Send(msg.Data))
		})
	})

	go senderNeg.run(ctx)
	go receiverNeg.run(ctx)

	offer, err := senderPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := senderPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if err := sender.SendOffer("receiver", offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}

	select {
	case got := <-echoed:
		if got != question {
			t.Errorf("echoed message = %q, want %q", got, question)
		}
	case err := <-senderNeg.failed:
		t.Fatalf("sender negotiation failed: %v", err)
	case err := <-receiverNeg.failed:
		t.Fatalf("receiver negotiation failed: %v", err)
	case <-ctx.Done():
		t.Fatal("data channel never delivered the message")
	}
}
