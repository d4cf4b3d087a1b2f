package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time moves only through Advance,
// or, for an auto-advancing clock, whenever After is called.
//
// Every After call is recorded so tests can assert on the exact sequence
// of waits a component asked for.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	auto    bool
	waiters []*fakeWaiter
	history []time.Duration
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
}

// Fake returns a manual FakeClock: After blocks until Advance moves the
// clock past the deadline.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// AutoAdvancing returns a FakeClock whose After fires immediately after
// moving the clock forward by the requested duration.
func AutoAdvancing(initial time.Time) *FakeClock {
	c := Fake(initial)
	c.auto = true
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, d)
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	if c.auto {
		c.current = c.current.Add(d)
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{deadline: c.current.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

// Advance moves the clock forward and fires every waiter whose deadline
// has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			w.channel <- c.current
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
	c.changed.Broadcast()
}

// WaitForWaiters blocks until at least n After calls are pending.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

// Waits returns every duration passed to After, in call order.
func (c *FakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.history))
	copy(out, c.history)
	return out
}
