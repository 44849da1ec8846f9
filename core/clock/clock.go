// Package clock provides the engine's time source and local message id
// generator.
//
// Local ids are strictly increasing UNIX millisecond values, so they sort in
// creation order and cannot collide within a session even when several
// messages are created inside the same millisecond.
package clock

import (
	"sync"
	"time"
)

// Clock produces wall-clock timestamps and session-unique local ids.
type Clock struct {
	mu         sync.Mutex
	lastUnique int64
	nowFn      func() int64 // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() int64 {
			return time.Now().UnixMilli()
		},
	}
}

// NewFromFunc creates a Clock backed by a custom millisecond source. Useful
// for deterministic tests.
func NewFromFunc(now func() int64) *Clock {
	return &Clock{nowFn: now}
}

// NowMillis returns the current UNIX epoch time in milliseconds.
func (c *Clock) NowMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// Now returns the current wall-clock time.
func (c *Clock) Now() time.Time {
	return time.UnixMilli(c.NowMillis())
}

// NextLocalID returns a strictly increasing local message id. If the real
// clock hasn't advanced past the last returned value, the internal counter
// is bumped by 1 instead.
func (c *Clock) NextLocalID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}
