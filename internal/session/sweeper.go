package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/SharathcAcharya/FileShare/internal/clock"
)

// Sweeper drives Registry.Sweep on a fixed interval and hands the
// evicted connection handles to a close callback. One sweeper runs per
// server.
type Sweeper[H comparable] struct {
	registry *Registry[H]
	interval time.Duration
	clk      clock.Clock
	log      *slog.Logger

	// close tears down one evicted member's transport. Runs after the
	// registry lock is released.
	close func(H)
}

// NewSweeper wires a sweeper to its registry. close receives each
// handle bound to an expired session.
func NewSweeper[H comparable](reg *Registry[H], interval time.Duration, clk clock.Clock, log *slog.Logger, close func(H)) *Sweeper[H] {
	return &Sweeper[H]{
		registry: reg,
		interval: interval,
		clk:      clk,
		log:      log,
		close:    close,
	}
}

// Run sweeps until ctx is canceled. A panic out of one sweep is logged
// and the loop keeps its schedule.
func (s *Sweeper[H]) Run(ctx context.Context) {
	ticker := s.clk.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper[H]) sweepOnce() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("sweep panicked", "panic", rec)
		}
	}()

	closed, removed := s.registry.Sweep()
	for _, h := range closed {
		s.close(h)
	}
	if removed > 0 {
		s.log.Info("expired sessions swept", "sessions", removed, "connections", len(closed))
	}
}
