package signaling

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SharathcAcharya/FileShare"
)

// metrics is the observability view of the service. The handlers bump
// the counters here; gauges and session totals are read straight off
// the registry at scrape time. The plain atomics back /stats, which
// reports totals without a Prometheus scrape.
type metrics struct {
	reg *prometheus.Registry

	accepts prometheus.Counter
	relays  *prometheus.CounterVec
	rejects *prometheus.CounterVec

	relayedTotal  atomic.Uint64
	rejectedTotal atomic.Uint64
}

func newMetrics() *metrics {
	m := &metrics{
		reg: prometheus.NewRegistry(),
		accepts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "connections_accepted_total",
			Help:      "Websocket connections accepted.",
		}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "frames_relayed_total",
			Help:      "Negotiation frames relayed between peers.",
		}, []string{"type"}),
		rejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "frames_rejected_total",
			Help:      "Frames refused, by wire error code.",
		}, []string{"code"}),
	}
	m.reg.MustRegister(m.accepts, m.relays, m.rejects)
	return m
}

// observe registers the scrape-time views over live server state.
func (m *metrics) observe(s *Server) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "open_connections",
			Help:      "Currently open websocket connections.",
		}, func() float64 {
			return float64(s.connCount.Load())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "live_sessions",
			Help:      "Sessions currently in the registry.",
		}, func() float64 {
			sessions, _ := s.registry.Counts()
			return float64(sessions)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "sessions_created_total",
			Help:      "Sessions created since start.",
		}, func() float64 {
			created, _ := s.registry.Totals()
			return float64(created)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "fileshare",
			Subsystem: "signal",
			Name:      "sessions_expired_total",
			Help:      "Sessions removed by the expiry sweep.",
		}, func() float64 {
			_, expired := s.registry.Totals()
			return float64(expired)
		}),
	)
}

func (m *metrics) relay(typ string) {
	m.relays.WithLabelValues(typ).Inc()
	m.relayedTotal.Add(1)
}

func (m *metrics) reject(code fileshare.ErrorCode) {
	m.rejects.WithLabelValues(string(code)).Inc()
	m.rejectedTotal.Add(1)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// handleHealthz answers liveness probes. Always mounted, no auth, and
// never anything secret in the body.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	sessions, _ := s.registry.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"uptime":      s.clk.Now().Sub(s.startedAt).String(),
		"sessions":    sessions,
		"connections": s.connCount.Load(),
		"timestamp":   s.clk.Now().UnixMilli(),
	})
}

// handleStats extends healthz with cumulative totals. Mounted only
// when stats_enabled is set.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	sessions, bound := s.registry.Counts()
	created, expired := s.registry.Totals()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"uptime":            s.clk.Now().Sub(s.startedAt).String(),
		"sessions":          sessions,
		"connections":       s.connCount.Load(),
		"bound_connections": bound,
		"sessions_created":  created,
		"sessions_expired":  expired,
		"messages_relayed":  s.metrics.relayedTotal.Load(),
		"messages_rejected": s.metrics.rejectedTotal.Load(),
		"tracked_addresses": s.limiter.Tracked(),
		"timestamp":         s.clk.Now().UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
