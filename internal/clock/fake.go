package clock

import (
	"sort"
	"sync"
	"time"
)

// NewFake returns a Fake frozen at start. Time moves only through
// Advance; timers, tickers, and sleeps register pending waiters that
// fire once the clock passes their deadline.
//
// Fake is safe for concurrent use.
func NewFake(start time.Time) *Fake {
	f := &Fake{now: start}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Fake is a deterministic Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	pending []*waiter
	changed *sync.Cond
}

// waiter is one pending After, Sleep, or ticker registration. interval
// is non-zero for tickers, which reschedule themselves after firing.
type waiter struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that receives once the clock has been
// advanced past the deadline. Receives immediately if d <= 0.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.pending = append(f.pending, &waiter{deadline: f.now.Add(d), ch: ch})
	f.changed.Broadcast()
	return ch
}

// NewTicker returns a Ticker whose ticks are produced by Advance.
// Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.pending = append(f.pending, w)
	f.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline. Returns
// immediately if d <= 0.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline now lies in the past, in deadline order. Channel sends are
// non-blocking so an unread ticker tick is dropped, matching
// time.Ticker. Tickers that expired multiple intervals fire once per
// interval.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		due := f.takeExpired(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, w := range due {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes due waiters from the pending list, rescheduling
// tickers for their next interval.
func (f *Fake) takeExpired(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var due, rest []*waiter
	for _, w := range f.pending {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			due = append(due, w)
		} else {
			rest = append(rest, w)
		}
	}
	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			rest = append(rest, w)
		}
	}
	f.pending = rest
	return due
}

// WaitForTimers blocks until at least n waiters are registered. It
// closes the race between a goroutine registering its timer and the
// test advancing the clock.
func (f *Fake) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of registered, unfired waiters.
func (f *Fake) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *Fake) activeLocked() int {
	n := 0
	for _, w := range f.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}
