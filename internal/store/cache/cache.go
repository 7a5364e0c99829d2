// Copyright (C) 2024 The s3nbd authors

// Package cache is a write-through block cache sitting between the
// device and a slower BlockStore. It holds a fixed number of blocks in
// a flat arena, evicts least recently used slots, and can warm itself
// ahead of demand when the host sends a cache hint. A device configured
// with a nonzero cache capacity advertises that hint support.
package cache

import (
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/s3nbd/s3nbd/internal/store"
)

const noBlock = -1

// Options for New. Blocks is the capacity in blocks and must be
// positive. Path, when set, puts the arena in an mmapped file instead
// of the heap. PreloadWorkers bounds the concurrency of Preload.
type Options struct {
	BlockSize      int64
	Blocks         int64
	Path           string
	PreloadWorkers int
}

// Cache wraps an inner BlockStore. Reads are served from the arena
// when the block is resident, otherwise the whole block is fetched and
// installed. Writes always go through to the inner store first and
// update the arena only after the store acknowledged them, so the cache
// never holds data the store does not have.
//
// The index is guarded by one mutex which is held across inner store
// calls on the miss path. Fills serialize, eviction stays trivially
// correct, and concurrent warm-up takes the Preload path which fetches
// outside the lock.
type Cache struct {
	inner     store.BlockStore
	blockSize int64
	workers   int

	mu    sync.Mutex
	arena *arena
	slots []slotInfo
	index map[int64]int // block -> slot
	free  []int
	used  clock

	// gen invalidates in-flight warm-up fetches. Bumped under mu
	// whenever a non-resident block changes in the inner store, so a
	// Preload worker that fetched before the change cannot install
	// its now stale copy.
	gen int64
}

// Per-slot bookkeeping. block is noBlock for empty slots.
type slotInfo struct {
	block int64
	tick  int64
}

func New(inner store.BlockStore, opts Options) (*Cache, error) {
	a, err := newArena(opts.BlockSize*opts.Blocks, opts.Path)
	if err != nil {
		return nil, err
	}

	workers := opts.PreloadWorkers
	if workers <= 0 {
		workers = 1
	}

	c := &Cache{
		inner:     inner,
		blockSize: opts.BlockSize,
		workers:   workers,
		arena:     a,
		slots:     make([]slotInfo, opts.Blocks),
		index:     make(map[int64]int),
		free:      make([]int, 0, opts.Blocks),
	}
	for i := range c.slots {
		c.slots[i].block = noBlock
		c.free = append(c.free, i)
	}

	return c, nil
}

func (c *Cache) slotBuf(slot int) []byte {
	base := int64(slot) * c.blockSize
	return c.arena.buf[base : base+c.blockSize]
}

// takeSlot returns a slot for a new block, evicting the least recently
// used resident block when no slot is free. Linear scan: the slot array
// is compact and scanning it is cheap compared to one backend round
// trip.
func (c *Cache) takeSlot() int {
	if n := len(c.free); n > 0 {
		s := c.free[n-1]
		c.free = c.free[:n-1]
		return s
	}

	victim := 0
	for i := range c.slots {
		if c.slots[i].tick < c.slots[victim].tick {
			victim = i
		}
	}
	delete(c.index, c.slots[victim].block)
	return victim
}

// install binds a slot to block and stamps it as just used.
func (c *Cache) install(slot int, block int64) {
	c.slots[slot] = slotInfo{block: block, tick: c.used.Next()}
	c.index[block] = slot
}

// fill makes block resident and returns its slot. Caller holds c.mu.
func (c *Cache) fill(block int64) (int, error) {
	if slot, ok := c.index[block]; ok {
		c.slots[slot].tick = c.used.Next()
		return slot, nil
	}

	slot := c.takeSlot()
	if err := c.inner.ReadBlock(block, c.slotBuf(slot)); err != nil {
		c.slots[slot].block = noBlock
		c.free = append(c.free, slot)
		return 0, err
	}
	c.install(slot, block)
	return slot, nil
}

// drop forgets block if resident. Caller holds c.mu.
func (c *Cache) drop(block int64) {
	if slot, ok := c.index[block]; ok {
		delete(c.index, block)
		c.slots[slot].block = noBlock
		c.free = append(c.free, slot)
	}
}

func (c *Cache) ReadBlock(block int64, buf []byte) error {
	return c.ReadBlockPart(block, 0, buf)
}

func (c *Cache) ReadBlockPart(block, off int64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, err := c.fill(block)
	if err != nil {
		return err
	}
	copy(buf, c.slotBuf(slot)[off:off+int64(len(buf))])
	return nil
}

func (c *Cache) WriteBlock(block int64, buf []byte) error {
	if err := c.inner.WriteBlock(block, buf); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[block]
	if !ok {
		slot = c.takeSlot()
		c.install(slot, block)
	} else {
		c.slots[slot].tick = c.used.Next()
	}
	copy(c.slotBuf(slot), buf)
	return nil
}

func (c *Cache) WriteBlockPart(block, off int64, buf []byte) error {
	if err := c.inner.WriteBlockPart(block, off, buf); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Patch the block only if it is already resident; a partial
	// write is not worth a backend fetch.
	if slot, ok := c.index[block]; ok {
		c.slots[slot].tick = c.used.Next()
		copy(c.slotBuf(slot)[off:], buf)
	} else {
		c.gen++
	}
	return nil
}

func (c *Cache) BulkZero(blocks []int64) error {
	if err := c.inner.BulkZero(blocks); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	for _, b := range blocks {
		c.drop(b)
	}
	return nil
}

// Preload fetches the given blocks into the cache, skipping resident
// ones, with bounded concurrency. Errors abort the warm-up but are
// harmless to correctness, so the caller may ignore them.
func (c *Cache) Preload(blocks []int64) error {
	// Warm-up reads go on the store's idle lane when it has one, so
	// they never delay a real request.
	read := c.inner.ReadBlock
	if ir, ok := c.inner.(store.IdleReader); ok {
		read = ir.ReadBlockIdle
	}

	var g errgroup.Group
	g.SetLimit(c.workers)

	for _, b := range blocks {
		block := b
		g.Go(func() error {
			c.mu.Lock()
			_, resident := c.index[block]
			gen := c.gen
			c.mu.Unlock()
			if resident {
				return nil
			}

			// Fetch outside the lock so the workers overlap
			// their backend round trips.
			buf := make([]byte, c.blockSize)
			if err := read(block, buf); err != nil {
				return err
			}

			c.mu.Lock()
			defer c.mu.Unlock()
			// A zero or partial write of a non-resident block may
			// have landed while we were fetching, in which case
			// buf is stale and must not become resident. Warm-up
			// is advisory, so dropping the fetch is fine.
			if c.gen != gen {
				return nil
			}
			if _, ok := c.index[block]; ok {
				return nil
			}
			slot := c.takeSlot()
			copy(c.slotBuf(slot), buf)
			c.install(slot, block)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Msg("cache preload aborted")
		return err
	}
	return nil
}

// Drop empties the cache. Wired to SIGUSR1 so a misbehaving cache can
// be flushed from outside without restarting the daemon.
func (c *Cache) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		c.slots[i].block = noBlock
	}
	c.index = make(map[int64]int)
	c.free = c.free[:0]
	for i := range c.slots {
		c.free = append(c.free, i)
	}
}

// Flush pushes the arena to its backing file and forwards to the inner
// store when that one buffers too. The cache itself is write-through,
// so there is never dirty data to lose here.
func (c *Cache) Flush() error {
	c.mu.Lock()
	err := c.arena.flush()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if f, ok := c.inner.(store.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Close releases the arena. The cache must not be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.arena.close()
}
