//go:build !tinygo

package hal

import (
	"sync"
	"time"
)

// CounterHz is the host counter rate.
const CounterHz = 1_000_000

// hostCounter emulates a triple-timer-counter style peripheral: it counts at
// CounterHz while running and holds its value while stopped.
type hostCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	running bool
	base    uint32
	since   time.Time
}

func newHostCounter() *hostCounter {
	return newHostCounterWithClock(time.Now)
}

func newHostCounterWithClock(now func() time.Time) *hostCounter {
	return &hostCounter{now: now, running: true, since: now()}
}

func (c *hostCounter) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.base = c.valueLocked()
	c.running = false
}

func (c *hostCounter) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.since = c.now()
	c.running = true
}

func (c *hostCounter) Value() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valueLocked()
}

func (c *hostCounter) valueLocked() uint32 {
	if !c.running {
		return c.base
	}
	elapsed := c.now().Sub(c.since)
	cycles := uint64(elapsed / (time.Second / CounterHz))
	return c.base + uint32(cycles)
}
