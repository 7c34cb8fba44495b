// Fileshare-signal is the signaling half of the FileShare peer-to-peer
// transfer system: a websocket broker that pairs exactly two peers per
// token-protected session and relays their WebRTC negotiation frames
// verbatim until the peers hold a direct connection. It keeps no
// durable state and never inspects the payloads it relays.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SharathcAcharya/FileShare/internal/version"
)

var rootCmd = &cobra.Command{
	Use:           "fileshare-signal",
	Short:         "WebRTC signaling broker for FileShare peer transfers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(*cobra.Command, []string) {
		fmt.Println(version.Full())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, probeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
