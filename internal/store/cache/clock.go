// Copyright (C) 2024 The s3nbd authors

package cache

import (
	"sync"
)

// Synchronized access to the logical use counter. Every cache hit and
// fill draws the next tick; the slot with the oldest tick is the
// eviction victim.
type clock struct {
	tick  int64
	mutex sync.Mutex
}

// Returns the current tick and increments, so the counter always holds
// the next unassigned tick.
func (c *clock) Next() int64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	tmp := c.tick
	c.tick++

	return tmp
}
