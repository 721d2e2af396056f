package timectrl

import (
	"sort"
	"sync"
	"time"
)

// SimClock is the time source used by the handover scheduler and the
// controller loop. Depending on the interface rather than on time.Now lets
// tests drive the timeline explicitly.
type SimClock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// WallClock is the SimClock backed by the machine's wall clock.
type WallClock struct{}

// NewWallClock returns a clock that follows real time.
func NewWallClock() WallClock { return WallClock{} }

// Now implements SimClock.
func (WallClock) Now() time.Time { return time.Now() }

// After implements SimClock.
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// FakeClock is a manually advanced SimClock. After channels fire when
// Advance or Set moves the clock past their deadline.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock returns a FakeClock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements SimClock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After implements SimClock. A non-positive d fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: deadline, ch: ch})
	sort.SliceStable(c.waiters, func(i, j int) bool {
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	return ch
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t. Time never goes backwards.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.Before(c.now) {
		return
	}
	c.now = t

	fired := 0
	for _, w := range c.waiters {
		if w.deadline.After(t) {
			break
		}
		w.ch <- t
		fired++
	}
	c.waiters = c.waiters[fired:]
}

// Waiters reports how many After channels are still pending. Tests use it
// to wait until a goroutine has parked on the clock.
func (c *FakeClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
