// Package clock abstracts time so that expiry and stall behavior can be
// driven deterministically in tests. Production code injects System();
// tests inject NewFake and advance it by hand.
package clock

import "time"

// Clock is the time source used by the registry, the sweeper, and the
// connection stall detector. Code that would call time.Now, time.After,
// time.NewTicker, or time.Sleep takes a Clock instead.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. Receives immediately if d <= 0.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1; a
// slow consumer drops ticks rather than queueing them, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed and no further ticks are
// delivered after Stop returns.
func (t *Ticker) Stop() { t.stop() }

// System returns the Clock backed by the time package.
func System() Clock { return sysClock{} }

type sysClock struct{}

func (sysClock) Now() time.Time                         { return time.Now() }
func (sysClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (sysClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (sysClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
