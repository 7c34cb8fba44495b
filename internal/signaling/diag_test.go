package signaling

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/SharathcAcharya/FileShare"
	"github.com/SharathcAcharya/FileShare/internal/clock"
	"github.com/SharathcAcharya/FileShare/internal/config"
)

func getJSON(t *testing.T, url string, into any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status = %d, want 200", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestHealthz(t *testing.T) {
	s := startServer(t, clock.System(), nil)
	pairedSession(t, s)

	var body struct {
		Status      string `json:"status"`
		Sessions    int    `json:"sessions"`
		Connections int    `json:"connections"`
		Timestamp   int64  `json:"timestamp"`
	}
	getJSON(t, "http://"+s.Addr()+"/healthz", &body)

	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
	if body.Sessions != 1 {
		t.Errorf("sessions = %d, want 1", body.Sessions)
	}
	if body.Connections != 2 {
		t.Errorf("connections = %d, want 2", body.Connections)
	}
	if body.Timestamp == 0 {
		t.Error("timestamp missing")
	}
}

func TestStatsTotals(t *testing.T) {
	s := startServer(t, clock.System(), nil)
	alice, bob, created := pairedSession(t, s)

	alice.send(map[string]any{
		"type": fileshare.TypeOffer, "sessionId": created.SessionID,
		"from": "alice", "to": "bob",
		"payload": map[string]any{"sdp": "v=0"},
	})
	bob.recvType(fileshare.TypeOffer)

	var body struct {
		SessionsCreated  uint64 `json:"sessions_created"`
		MessagesRelayed  uint64 `json:"messages_relayed"`
		TrackedAddresses int    `json:"tracked_addresses"`
	}
	getJSON(t, "http://"+s.Addr()+"/stats", &body)

	if body.SessionsCreated != 1 {
		t.Errorf("sessions_created = %d, want 1", body.SessionsCreated)
	}
	if body.MessagesRelayed != 1 {
		t.Errorf("messages_relayed = %d, want 1", body.MessagesRelayed)
	}
	if body.TrackedAddresses == 0 {
		t.Error("tracked_addresses = 0, want at least the loopback entry")
	}
}

func TestStatsDisabled(t *testing.T) {
	s := startServer(t, clock.System(), func(cfg *config.Config) {
		cfg.StatsEnabled = false
	})

	for _, path := range []string{"/stats", "/metrics"} {
		resp, err := http.Get("http://" + s.Addr() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}

	// Liveness stays up regardless.
	var body struct {
		Status string `json:"status"`
	}
	getJSON(t, "http://"+s.Addr()+"/healthz", &body)
	if body.Status != "ok" {
		t.Errorf("healthz status = %q, want ok", body.Status)
	}
}

func TestMetricsExposition(t *testing.T) {
	s := startServer(t, clock.System(), nil)
	alice, bob, created := pairedSession(t, s)

	alice.send(map[string]any{
		"type": fileshare.TypeICECandidate, "sessionId": created.SessionID,
		"from": "alice", "to": "bob",
		"payload": map[string]any{"candidate": "candidate:0 1 UDP 1 192.0.2.7 9 typ host"},
	})
	bob.recvType(fileshare.TypeICECandidate)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	body := string(raw)

	for _, want := range []string{
		"fileshare_signal_open_connections 2",
		"fileshare_signal_live_sessions 1",
		"fileshare_signal_sessions_created_total 1",
		`fileshare_signal_frames_relayed_total{type="ice_candidate"} 1`,
		"fileshare_signal_connections_accepted_total 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

// TestUptimeAdvances pins the uptime field to the injected clock.
func TestUptimeAdvances(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s := startServer(t, fake, func(cfg *config.Config) {
		cfg.TimestampSkewMillis = 0
	})

	fake.WaitForTimers(2)
	fake.Advance(90 * time.Second)

	var body struct {
		Uptime string `json:"uptime"`
	}
	getJSON(t, "http://"+s.Addr()+"/healthz", &body)
	if body.Uptime != "1m30s" {
		t.Errorf("uptime = %q, want 1m30s", body.Uptime)
	}
}
