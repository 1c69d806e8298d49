// Package lamport implements the per-process Lamport logical clock.
package lamport

import "sync"

// Timestamp is a Lamport clock reading.
type Timestamp uint32

// Clock is a Lamport logical clock owned by a single process.
// The zero value is a clock at time 0.
type Clock struct {
	mu    sync.Mutex
	value Timestamp
}

// NewClock returns a clock that starts at the given time.
func NewClock(start Timestamp) *Clock {
	return &Clock{value: start}
}

// Time returns the current reading without advancing the clock.
func (c *Clock) Time() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Tick advances the clock for a local or send event and returns the new value.
func (c *Clock) Tick() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Witness merges the timestamp of a received message and advances the clock,
// so the receive is ordered strictly after the send that caused it.
func (c *Clock) Witness(ts Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts > c.value {
		c.value = ts
	}
	c.value++
	return c.value
}
