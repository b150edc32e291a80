// Package timeutil narrows the standard time package to the operations
// the acquisition stack depends on, behind an interface tests can drive
// deterministically.
package timeutil

import (
	"sync"
	"time"
)

// Clock supplies the time operations used by the grabber, encoder and
// pipeline: wall-clock reads, elapsed-time checks, one-shot waits and
// periodic ticks. Production code uses RealClock; tests inject a
// MockClock and step it with Advance.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the elapsed time since t.
	Since(t time.Time) time.Duration

	// After returns a channel that delivers the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker delivers periodic ticks on C until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the production Clock, backed directly by the time package.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration        { return time.Since(t) }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (RealClock) NewTicker(d time.Duration) Ticker {
	return realTicker{time.NewTicker(d)}
}

type realTicker struct {
	t *time.Ticker
}

func (rt realTicker) C() <-chan time.Time { return rt.t.C }
func (rt realTicker) Stop()               { rt.t.Stop() }

// MockClock is a Clock frozen at a settable instant. Nothing fires on
// its own: Advance moves the clock forward and releases every wait and
// tick that falls due.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	waits   []*mockWait
	tickers []*mockTicker
}

type mockWait struct {
	ch  chan time.Time
	due time.Time
}

// NewMockClock returns a MockClock reading t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked instant.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock to t. Waits and tickers do not fire until the
// next Advance, even when the jump passes their deadlines.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Since returns the elapsed mocked time since t.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After registers a one-shot wait due at now+d. A wait whose deadline
// has already passed is satisfied immediately, so callers racing with
// Advance never hang.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := &mockWait{ch: make(chan time.Time, 1), due: c.now.Add(d)}
	if !c.now.Before(w.due) {
		w.ch <- c.now
		return w.ch
	}
	c.waits = append(c.waits, w)
	return w.ch
}

// NewTicker returns a ticker whose ticks are driven by Advance.
func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{ch: make(chan time.Time, 1), every: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the clock forward by d, delivers every wait whose
// deadline has been reached, and lets each live ticker emit at most one
// coalesced tick.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []*mockWait
	remaining := c.waits[:0]
	for _, w := range c.waits {
		if w.due.After(now) {
			remaining = append(remaining, w)
		} else {
			due = append(due, w)
		}
	}
	c.waits = remaining
	tickers := append([]*mockTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
	for _, t := range tickers {
		t.deliver(now)
	}
}

type mockTicker struct {
	mu      sync.Mutex
	ch      chan time.Time
	every   time.Duration
	next    time.Time
	stopped bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

// deliver emits a tick when now has reached the next deadline. Ticks
// missed while the clock jumps several intervals coalesce into one, the
// same as an undrained time.Ticker.
func (t *mockTicker) deliver(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || now.Before(t.next) {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	t.next = now.Add(t.every)
}
