package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SharathcAcharya/FileShare"
	"github.com/SharathcAcharya/FileShare/client"
)

// probeSDP is the synthetic session description the probe relays. The
// service never parses it; any non-empty string proves the path.
const probeSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=probe\r\nt=0 0\r\n"

var probeArgs struct {
	url     string
	timeout time.Duration
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Exercise a running service end to end",
	Long: `Exercise a running service end to end.

The probe opens two client connections, creates and joins a session,
relays an offer between them, and closes the session. Any deviation
fails with a non-zero exit, so it doubles as a deploy smoke check.`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	registerProbeFlags(probeCmd.Flags())
}

func registerProbeFlags(flags *pflag.FlagSet) {
	flags.StringVar(&probeArgs.url, "url", "ws://127.0.0.1:8080/ws",
		"websocket endpoint of the service under probe")
	flags.DurationVar(&probeArgs.timeout, "timeout", 10*time.Second,
		"overall probe deadline")
}

func runProbe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeArgs.timeout)
	defer cancel()

	creator, err := client.Dial(ctx, probeArgs.url)
	if err != nil {
		return err
	}
	defer creator.Close()

	created, err := creator.CreateSession(ctx, "probe-a", "Probe A")
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("session created: %s (expires %s)\n",
		created.SessionID, time.UnixMilli(created.ExpiresAt).UTC().Format(time.RFC3339))

	joiner, err := client.Dial(ctx, probeArgs.url)
	if err != nil {
		return err
	}
	defer joiner.Close()

	joined, err := joiner.JoinSession(ctx, created.SessionID, created.Token, "probe-b", "Probe B")
	if err != nil {
		return fmt.Errorf("join session: %w", err)
	}
	fmt.Printf("session joined: paired with %s\n", joined.PeerID)

	env, err := creator.Recv(ctx)
	if err != nil {
		return fmt.Errorf("await peer_joined: %w", err)
	}
	if env.Type != fileshare.TypePeerJoined {
		return fmt.Errorf("creator received %q, want %q", env.Type, fileshare.TypePeerJoined)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: probeSDP}
	if err := creator.SendOffer("probe-b", offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	env, err = joiner.Recv(ctx)
	if err != nil {
		return fmt.Errorf("await offer: %w", err)
	}
	relayed, err := client.SessionDescription(env)
	if err != nil {
		return fmt.Errorf("decode relayed offer: %w", err)
	}
	if relayed.SDP != probeSDP {
		return fmt.Errorf("relayed offer altered in transit")
	}
	fmt.Println("offer relayed verbatim")

	if err := joiner.CloseSession("probe complete"); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	env, err = creator.Recv(ctx)
	if err != nil {
		return fmt.Errorf("await peer_left: %w", err)
	}
	if env.Type != fileshare.TypePeerLeft {
		return fmt.Errorf("creator received %q, want %q", env.Type, fileshare.TypePeerLeft)
	}
	fmt.Println("session closed cleanly; probe ok")
	return nil
}
