package preview

import (
	"sync"
	"time"
)

// Coalescer runs the most recently scheduled action once the quiet window
// has passed without another Schedule call. It holds at most one pending
// action; scheduling replaces it and restarts the window.
type Coalescer struct {
	quiet time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending func()
	gen     uint64
	stopped bool
}

// NewCoalescer returns a Coalescer with the given quiet window.
func NewCoalescer(quiet time.Duration) *Coalescer {
	return &Coalescer{quiet: quiet}
}

// Schedule replaces the pending action with fn.
func (c *Coalescer) Schedule(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.pending = fn
	c.timer = time.AfterFunc(c.quiet, func() { c.fire(gen) })
}

func (c *Coalescer) fire(gen uint64) {
	c.mu.Lock()
	// A timer that lost the Stop race still runs; only the newest may fire.
	if c.stopped || gen != c.gen || c.pending == nil {
		c.mu.Unlock()
		return
	}
	fn := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()

	fn()
}

// Pending reports whether an action is waiting for its window to elapse.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Flush runs the pending action now, if any.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	fn := c.pending
	c.pending = nil
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stop drops the pending action. Later Schedule calls are ignored.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
	c.pending = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
