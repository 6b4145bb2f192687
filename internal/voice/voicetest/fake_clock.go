package voicetest

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a virtual media.Clock: time only advances when a test calls
// Advance. It lets admission/pacer timing tests that would otherwise take
// tens of seconds of wall-clock (mass-join staggers, cooldowns, the 10s
// connected-poll) run instantly and deterministically.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	fireAt  time.Time
	period  time.Duration
	oneShot bool
	ch      chan time.Time
	closed  bool
}

// NewFakeClock returns a clock starting at an arbitrary fixed instant.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(1700000000, 0)}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	<-c.After(d, context.Background())
}

func (c *FakeClock) Every(d time.Duration, ctx context.Context) <-chan time.Time {
	return c.schedule(d, false, ctx)
}

func (c *FakeClock) After(d time.Duration, ctx context.Context) <-chan time.Time {
	return c.schedule(d, true, ctx)
}

func (c *FakeClock) schedule(d time.Duration, oneShot bool, ctx context.Context) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	t := &fakeTimer{fireAt: c.now.Add(d), period: d, oneShot: oneShot, ch: ch}
	c.timers = append(c.timers, t)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if !t.closed {
			t.closed = true
			close(t.ch)
		}
	}()

	return ch
}

// Advance moves virtual time forward by d, firing every timer/ticker whose
// deadline falls within the new window, in deadline order. Call this from
// the test goroutine; it does not block waiting for fired timers to be
// consumed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.closed {
				continue
			}
			if !t.fireAt.After(target) {
				if next == nil || t.fireAt.Before(next.fireAt) {
					next = t
				}
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}

		c.now = next.fireAt
		fireAt := next.fireAt
		if next.oneShot {
			select {
			case next.ch <- fireAt:
			default:
			}
			next.closed = true
			close(next.ch)
		} else {
			next.fireAt = fireAt.Add(next.period)
			select {
			case next.ch <- fireAt:
			default:
			}
		}
		c.mu.Unlock()
	}
}
