// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called. After registers pending waiters that
// fire when the clock advances past their deadline.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for testing. Time advances only
// when Advance is called.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After call.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives after duration d elapses on
// the fake timeline. If d <= 0, the channel receives immediately
// without registering a waiter.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

// Advance moves the fake time forward by d and fires every pending
// waiter whose deadline has been reached, in registration order.
// Panics if d is negative.
func (c *FakeClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: Advance with negative duration")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	remaining := c.waiters[:0]
	for _, waiter := range c.waiters {
		if waiter.fired {
			continue
		}
		if !waiter.deadline.After(c.current) {
			waiter.fired = true
			waiter.channel <- c.current
			continue
		}
		remaining = append(remaining, waiter)
	}
	c.waiters = remaining
}

// Set jumps the fake time to t. Waiters with deadlines at or before t
// fire. Panics if t is before the current fake time.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if t.Before(current) {
		panic("clock: Set would move time backwards")
	}
	c.Advance(t.Sub(current))
}
