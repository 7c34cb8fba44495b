// Package ratelimit enforces the per-remote-address request caps:
// session creates, joins, relayed messages, and concurrent
// connections. Each address gets its own token buckets; rejections
// carry the wait until the next token so clients can back off
// precisely.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/SharathcAcharya/FileShare/internal/clock"
)

const (
	// pruneInterval is how often idle address entries are scanned.
	pruneInterval = 10 * time.Minute
	// maxIdle is how long an address with no open connections keeps
	// its bucket state. Long enough to outlast the hourly windows.
	maxIdle = 2 * time.Hour
)

// Config carries the per-address caps. A zero or negative value
// disables that cap.
type Config struct {
	CreatesPerHour     int
	JoinsPerHour       int
	MessagesPerMinute  int
	ConnectionsPerAddr int
}

// Limiter tracks request budgets per remote address.
type Limiter struct {
	cfg Config
	clk clock.Clock

	mu    sync.Mutex
	addrs map[string]*addrState
}

type addrState struct {
	creates  *rate.Limiter
	joins    *rate.Limiter
	messages *rate.Limiter
	conns    int
	lastSeen time.Time
}

// New returns a Limiter enforcing cfg.
func New(cfg Config, clk clock.Clock) *Limiter {
	return &Limiter{
		cfg:   cfg,
		clk:   clk,
		addrs: make(map[string]*addrState),
	}
}

// newBucket builds a bucket admitting n events per window with a burst
// of the full window budget, so a quiet address can use its whole
// allowance at once.
func newBucket(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(n)/window.Seconds()), n)
}

func (l *Limiter) state(addr string) *addrState {
	st, ok := l.addrs[addr]
	if !ok {
		st = &addrState{
			creates:  newBucket(l.cfg.CreatesPerHour, time.Hour),
			joins:    newBucket(l.cfg.JoinsPerHour, time.Hour),
			messages: newBucket(l.cfg.MessagesPerMinute, time.Minute),
		}
		l.addrs[addr] = st
	}
	st.lastSeen = l.clk.Now()
	return st
}

// AcquireConn admits a new connection from addr, counting it against
// the concurrent-connection cap. Release with ReleaseConn.
func (l *Limiter) AcquireConn(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.state(addr)
	if l.cfg.ConnectionsPerAddr > 0 && st.conns >= l.cfg.ConnectionsPerAddr {
		return false
	}
	st.conns++
	return true
}

// ReleaseConn returns a connection slot taken by AcquireConn.
func (l *Limiter) ReleaseConn(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.addrs[addr]; ok && st.conns > 0 {
		st.conns--
	}
}

// AllowCreate spends one session-create token for addr. On refusal,
// retryAfter is the wait until the next token frees.
func (l *Limiter) AllowCreate(addr string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return spend(l.state(addr).creates)
}

// AllowJoin spends one join token for addr.
func (l *Limiter) AllowJoin(addr string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return spend(l.state(addr).joins)
}

// AllowMessage spends one relay-message token for addr.
func (l *Limiter) AllowMessage(addr string) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return spend(l.state(addr).messages)
}

// spend takes a token if one is available now. A reservation that
// would require waiting is canceled and reported as a refusal with
// the wait time.
func spend(lim *rate.Limiter) (bool, time.Duration) {
	if lim == nil {
		return true, 0
	}
	res := lim.Reserve()
	if !res.OK() {
		return false, 0
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Run prunes idle address entries until ctx is canceled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := l.clk.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

// prune drops addresses with no open connections that have been idle
// past maxIdle. Their buckets would be full again anyway.
func (l *Limiter) prune() {
	cutoff := l.clk.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	for addr, st := range l.addrs {
		if st.conns == 0 && st.lastSeen.Before(cutoff) {
			delete(l.addrs, addr)
		}
	}
}

// Tracked returns the number of addresses currently holding state.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.addrs)
}
