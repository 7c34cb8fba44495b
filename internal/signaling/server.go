package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/config"
	"github.com/SharathcAcharya/FileShare/internal/protocol"
	"github.com/SharathcAcharya/FileShare/internal/ratelimit"
	"github.com/SharathcAcharya/FileShare/internal/session"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 5 * time.Second

// readLimitHeadroom widens the transport read limit a little past the
// protocol frame cap, so a slightly oversized frame reaches the codec
// and earns a MESSAGE_TOO_LARGE answer instead of being cut off
// mid-read. Frames beyond the headroom die at the transport.
const readLimitHeadroom = 512

// Server is the signaling service: the websocket endpoint, the
// diagnostic HTTP surface, and the background sweep and prune loops.
type Server struct {
	cfg *config.Config
	log *slog.Logger
	clk clock.Clock

	codec    protocol.Codec
	registry *session.Registry[*conn]
	limiter  *ratelimit.Limiter
	sweeper  *session.Sweeper[*conn]
	metrics  *metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	connCount atomic.Int64
	startedAt time.Time

	mu    sync.Mutex
	conns map[*conn]struct{}

	ready      chan struct{}
	listenAddr string
}

// New assembles a server from its configuration. Production callers
// pass clock.System(); tests inject a fake to drive expiry.
func New(cfg *config.Config, log *slog.Logger, clk clock.Clock) *Server {
	s := &Server{
		cfg: cfg,
		log: log,
		clk: clk,
		codec: protocol.Codec{
			MaxFrameBytes: cfg.MaxFrameBytes,
			TimestampSkew: cfg.TimestampSkew(),
		},
		registry: session.NewRegistry[*conn](clk, cfg.SessionTTL(), cfg.SessionCap),
		limiter: ratelimit.New(ratelimit.Config{
			CreatesPerHour:     cfg.RateLimits.CreatesPerHour,
			JoinsPerHour:       cfg.RateLimits.JoinsPerHour,
			MessagesPerMinute:  cfg.RateLimits.MessagesPerMinute,
			ConnectionsPerAddr: cfg.RateLimits.ConnectionsPerAddress,
		}, clk),
		metrics:   newMetrics(),
		conns:     make(map[*conn]struct{}),
		ready:     make(chan struct{}),
		startedAt: clk.Now(),
	}

	// Expired sessions die silently: members are closed, not notified.
	s.sweeper = session.NewSweeper(s.registry, cfg.SweepInterval(), clk, log, func(c *conn) {
		c.close(websocket.CloseNormalClosure, "session expired")
	})

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.CORSOrigin),
	}
	s.metrics.observe(s)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.EndpointPath, s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if cfg.StatsEnabled {
		mux.HandleFunc("/stats", s.handleStats)
		mux.Handle("/metrics", s.metrics.handler())
	}
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve listens and runs until ctx is canceled or the listener fails.
// The sweep and prune loops share ctx.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddress, err)
	}
	s.listenAddr = ln.Addr().String()
	close(s.ready)
	s.log.Info("signaling server listening",
		"addr", s.listenAddr,
		"endpoint", s.cfg.EndpointPath,
		"session_ttl", s.cfg.SessionTTL(),
	)

	go s.sweeper.Run(ctx)
	go s.limiter.Run(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	s.log.Info("shutting down")
	s.closeAll(websocket.CloseGoingAway, "server shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Addr returns the bound listen address. It waits for the listener, so
// a caller that served on ":0" can learn the chosen port.
func (s *Server) Addr() string {
	<-s.ready
	return s.listenAddr
}

// handleUpgrade admits one websocket connection, enforcing the global
// and per-address connection caps before the handshake.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if limit := int64(s.cfg.ConnectionCap); limit > 0 && s.connCount.Load() >= limit {
		s.log.Warn("connection cap reached, refusing", "remote", r.RemoteAddr)
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	addrKey := addrKeyFor(r.RemoteAddr)
	if !s.limiter.AcquireConn(addrKey) {
		http.Error(w, "too many connections from this address", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.limiter.ReleaseConn(addrKey)
		s.log.Debug("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(int64(s.cfg.MaxFrameBytes) + readLimitHeadroom)

	c := newConn(ws, r.RemoteAddr, addrKey, connOptions{
		clk:          s.clk,
		log:          s.log,
		pendingCap:   s.cfg.MaxPendingWrites,
		stallTimeout: s.cfg.SlowPeerStall(),
		pingInterval: s.cfg.PingInterval(),
		liveness:     s.cfg.LivenessTimeout(),
	})

	s.track(c)
	s.connCount.Add(1)
	s.metrics.accepts.Inc()
	c.log.Debug("connection accepted")

	go s.readLoop(c)
}

// addrKeyFor is the rate-limit key: the host without the port, so all
// connections from one address share budgets.
func addrKeyFor(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// originChecker admits browser handshakes per the configured origin.
// "*" admits everyone; otherwise the Origin header must match exactly.
// Handshakes without an Origin header (non-browser clients) pass.
func originChecker(allowed string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// closeAll closes every live connection. The shutdown path needs it
// because hijacked websockets are invisible to http.Server.Shutdown.
func (s *Server) closeAll(code int, reason string) {
	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	for _, c := range open {
		c.close(code, reason)
	}
}
