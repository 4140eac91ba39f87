// Package deadline tracks the countdown to an absolute question deadline.
//
// Remaining time is always recomputed from the wall clock, never decremented,
// so a suspended process resumes with the correct value.
package deadline

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultTick is how often an armed clock re-evaluates the deadline.
const DefaultTick = 250 * time.Millisecond

// Clock is a one-shot countdown that can be re-armed.
type Clock struct {
	clock clockwork.Clock
	tick  time.Duration

	mu       sync.Mutex
	deadline time.Time
	armed    bool
	expired  bool
	gen      uint64
	stop     chan struct{}
}

// New returns a disarmed clock. A nil clock uses the real wall clock.
func New(clock clockwork.Clock, tick time.Duration) *Clock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Clock{clock: clock, tick: tick}
}

// Arm starts tracking deadline and cancels any previous countdown.
// onTick receives the remaining time on every tick before expiry; onExpire is
// called exactly once when the remaining time first reaches zero. Either may be nil.
// Callbacks run on the clock's goroutine.
func (c *Clock) Arm(deadline time.Time, onTick func(time.Duration), onExpire func()) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.deadline = deadline
	c.armed = true
	c.expired = false
	stop := make(chan struct{})
	c.stop = stop
	ticker := c.clock.NewTicker(c.tick)
	c.mu.Unlock()

	go c.run(gen, ticker, stop, onTick, onExpire)
}

// Disarm cancels the pending countdown, if any.
func (c *Clock) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.armed = false
}

// Remaining returns max(0, deadline-now), or zero when disarmed.
func (c *Clock) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.armed {
		return 0
	}
	return c.remainingLocked()
}

// Armed reports whether a countdown is being tracked.
func (c *Clock) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Expired reports whether the current countdown has fired.
func (c *Clock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed && c.expired
}

func (c *Clock) remainingLocked() time.Duration {
	rem := c.deadline.Sub(c.clock.Now())
	if rem < 0 {
		return 0
	}
	return rem
}

func (c *Clock) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Clock) run(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}, onTick func(time.Duration), onExpire func()) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		c.mu.Lock()
		if c.gen != gen || !c.armed {
			c.mu.Unlock()
			return
		}
		rem := c.remainingLocked()
		fire := rem == 0 && !c.expired
		if fire {
			c.expired = true
			c.stop = nil
		}
		c.mu.Unlock()

		if !fire {
			if onTick != nil {
				onTick(rem)
			}
			continue
		}
		if onExpire != nil {
			onExpire()
		}
		return
	}
}
