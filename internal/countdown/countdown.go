// Package countdown implements a counter that invokes a callback when it
// reaches zero. The sync session uses it to detect when every expected reply
// or streamed change has arrived.
package countdown

import "sync"

// Countdown is a counter with a one-shot zero callback.
type Countdown struct {
	onZero func()
	value  int
	mu     sync.Mutex
}

// New creates a countdown starting at initial.
func New(initial int) *Countdown {
	return &Countdown{value: initial}
}

// OnZero arms fn. It fires the next time Add leaves the value at exactly zero,
// then disarms. Arming replaces any previously armed callback.
func (c *Countdown) OnZero(fn func()) {
	c.mu.Lock()
	c.onZero = fn
	c.mu.Unlock()
}

// Add changes the counter by n (which may be negative or zero) and fires the
// armed callback if the result is zero. The callback runs without the lock held,
// so it may call back into the countdown.
func (c *Countdown) Add(n int) {
	c.mu.Lock()
	c.value += n
	var fn func()
	if c.value == 0 && c.onZero != nil {
		fn = c.onZero
		c.onZero = nil
	}
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Value returns the current counter value.
func (c *Countdown) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}
