package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/config"
	"github.com/SharathcAcharya/FileShare/internal/signaling"
	"github.com/SharathcAcharya/FileShare/internal/version"
)

// listenMaxAttempts bounds startup retries when the listen address is
// unavailable. A restarting predecessor may hold the port for a
// moment; three attempts with exponential backoff outlast that without
// masking a genuinely taken port.
const listenMaxAttempts = 3

var serveArgs struct {
	configPath string
	listen     string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	Long: `Run the signaling server.

Configuration starts from built-in defaults, merges the YAML file named
by --config (or FILESHARE_SIGNAL_CONFIG), then applies FILESHARE_SIGNAL_*
environment overrides. Any invalid value aborts startup.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	registerServeFlags(serveCmd.Flags())
}

func registerServeFlags(flags *pflag.FlagSet) {
	flags.StringVar(&serveArgs.configPath, "config", "",
		"path to a YAML configuration file")
	flags.StringVar(&serveArgs.listen, "listen", "",
		"listen address, overriding the configured listen_address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := serveArgs.configPath
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if serveArgs.listen != "" {
		cfg.ListenAddress = serveArgs.listen
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)
	logger.Info("starting fileshare-signal", "version", version.Info())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lastErr error
	for attempt := 0; attempt < listenMaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logger.Warn("listen failed, retrying",
				"attempt", attempt+1,
				"backoff", backoff,
				"err", lastErr,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		// The ready state of a server is single-use, so each attempt
		// builds a fresh one.
		err := signaling.New(cfg, logger, clock.System()).Serve(ctx)
		if err == nil {
			return nil
		}
		if !isListenError(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// isListenError reports whether err is a failure to bind the listen
// address, the one startup failure worth retrying.
func isListenError(err error) bool {
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "listen"
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
