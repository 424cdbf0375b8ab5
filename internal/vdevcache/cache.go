// Package vdevcache is the per-leaf read cache.
//
// Small reads are widened to one aligned cache block. The block is fetched
// once; concurrent reads that land in the same block while the fetch is in
// flight join it instead of issuing their own I/O. Entries are indexed both
// by offset and by last use, and the least recently used entry is evicted
// whenever a new block would push the cache over its byte budget.
package vdevcache

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/deploymenttheory/go-zpool/internal/zio"
)

// Config holds cache tunables.
type Config struct {
	// Size is the byte budget for cached blocks.
	Size uint64 `mapstructure:"size"`
	// BlockShift is log2 of the cache block size.
	BlockShift uint `mapstructure:"bshift"`
	// Max is the largest read that is served through the cache.
	Max uint64 `mapstructure:"max"`
}

// DefaultConfig returns recommended cache tunables.
func DefaultConfig() Config {
	return Config{
		Size:       10 << 20,
		BlockShift: 16,
		Max:        16 << 10,
	}
}

// Validate checks the tunables for consistency.
func (c Config) Validate() error {
	if c.BlockShift < 9 || c.BlockShift > 20 {
		return fmt.Errorf("bshift must be within [9,20], got %d", c.BlockShift)
	}
	if c.Max > 1<<c.BlockShift {
		return fmt.Errorf("max (%d) exceeds the cache block size (%d)", c.Max, uint64(1)<<c.BlockShift)
	}
	return nil
}

// Stats are cumulative cache counters.
type Stats struct {
	Entries     int
	Bytes       uint64
	Hits        uint64
	Misses      uint64
	Delegations uint64
	Evictions   uint64
	Bypassed    uint64
}

// entry is one cached block.
type entry struct {
	data         []byte
	offset       uint64
	lastUsed     uint64
	hits         uint32
	missedUpdate bool
	removed      bool
	fill         *zio.Zio
	waiters      []*zio.Zio
}

// Cache is a per-leaf block cache. Both indices are updated together under
// the cache's own lock.
type Cache struct {
	cfg       Config
	blockSize uint64
	limit     uint64
	fetch     func(*zio.Zio)

	mu       sync.Mutex
	offsets  *btree.BTreeG[*entry]
	lastUsed *btree.BTreeG[*entry]
	size     uint64
	tick     uint64
	stats    Stats
}

// New returns an empty cache for a device whose physical I/O must stay below
// limit. fetch issues an uncached read; the cache uses it both to fill
// blocks and to re-issue reads whose fill went stale.
func New(cfg Config, limit uint64, fetch func(*zio.Zio)) *Cache {
	def := DefaultConfig()
	if cfg.BlockShift == 0 {
		cfg.BlockShift = def.BlockShift
	}
	if cfg.Max == 0 {
		cfg.Max = def.Max
	}

	return &Cache{
		cfg:       cfg,
		blockSize: 1 << cfg.BlockShift,
		limit:     limit,
		fetch:     fetch,
		offsets: btree.NewG[*entry](16, func(a, b *entry) bool {
			return a.offset < b.offset
		}),
		lastUsed: btree.NewG[*entry](16, func(a, b *entry) bool {
			if a.lastUsed != b.lastUsed {
				return a.lastUsed < b.lastUsed
			}
			return a.offset < b.offset
		}),
	}
}

// BlockSize returns the cache block size.
func (c *Cache) BlockSize() uint64 {
	return c.blockSize
}

// touch moves e to the most recently used position. Caller holds mu.
func (c *Cache) touch(e *entry) {
	c.lastUsed.Delete(e)
	c.tick++
	e.lastUsed = c.tick
	c.lastUsed.ReplaceOrInsert(e)
}

// evict removes e from both indices. Caller holds mu.
func (c *Cache) evict(e *entry) {
	c.offsets.Delete(e)
	c.lastUsed.Delete(e)
	c.size -= uint64(len(e.data))
	e.removed = true
}

// makeRoom evicts least recently used entries until n more bytes fit. It
// fails when the oldest entry is still being filled. Caller holds mu.
func (c *Cache) makeRoom(n uint64) bool {
	if n > c.cfg.Size {
		return false
	}
	for c.size+n > c.cfg.Size {
		oldest, ok := c.lastUsed.Min()
		if !ok || oldest.fill != nil {
			return false
		}
		c.evict(oldest)
		c.stats.Evictions++
	}
	return true
}

// Read tries to satisfy z from the cache. It returns false when the read is
// not cacheable; the caller must then issue it normally. When it returns
// true the cache owns z and completes it, either immediately from a cached
// block or when the block's fill finishes.
func (c *Cache) Read(z *zio.Zio) bool {
	if z.Type != zio.Read || z.Has(zio.FlagDontCache) || z.Size() == 0 || z.Size() > c.cfg.Max {
		return false
	}
	blockOff := z.Offset &^ (c.blockSize - 1)
	if z.End() > blockOff+c.blockSize || blockOff+c.blockSize > c.limit {
		return false
	}

	c.mu.Lock()

	if e, ok := c.offsets.Get(&entry{offset: blockOff}); ok {
		if e.missedUpdate {
			c.stats.Bypassed++
			c.mu.Unlock()
			return false
		}
		if e.fill != nil {
			e.waiters = append(e.waiters, z)
			c.stats.Delegations++
			c.mu.Unlock()
			return true
		}
		copy(z.Data, e.data[z.Offset-blockOff:])
		e.hits++
		c.touch(e)
		c.stats.Hits++
		c.mu.Unlock()
		z.Done(nil)
		return true
	}

	c.stats.Misses++
	if !c.makeRoom(c.blockSize) {
		c.stats.Bypassed++
		c.mu.Unlock()
		return false
	}

	fill := zio.New(zio.Read, blockOff, make([]byte, c.blockSize), zio.FlagCacheFill|zio.FlagDontCache)
	fill.Txg = z.Txg
	e := &entry{
		data:    fill.Data,
		offset:  blockOff,
		fill:    fill,
		waiters: []*zio.Zio{z},
	}
	c.offsets.ReplaceOrInsert(e)
	c.size += c.blockSize
	c.touch(e)
	fill.OnDone(func(fill *zio.Zio) { c.fillDone(e, fill) })
	c.mu.Unlock()

	c.fetch(fill)
	return true
}

// fillDone installs a completed fill and answers every read that joined it.
func (c *Cache) fillDone(e *entry, fill *zio.Zio) {
	c.mu.Lock()
	e.fill = nil
	waiters := e.waiters
	e.waiters = nil
	err := fill.Err()
	stale := e.missedUpdate
	if (err != nil || stale) && !e.removed {
		c.evict(e)
	}
	c.mu.Unlock()

	for _, w := range waiters {
		switch {
		case stale:
			// A write landed while the block was being read; the fill may
			// hold pre-write data, so go to the device again.
			w.Flags |= zio.FlagDontCache
			c.fetch(w)
		case err != nil:
			w.Done(err)
		default:
			copy(w.Data, fill.Data[w.Offset-e.offset:])
			w.Done(nil)
		}
	}
}

// Write brings cached blocks overlapping a completed write up to date.
// Blocks whose fill is still in flight are marked so the fill is discarded.
func (c *Cache) Write(z *zio.Zio) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.overlapping(z.Offset, z.End(), func(e *entry) {
		if e.fill != nil {
			e.missedUpdate = true
			return
		}
		start := max(z.Offset, e.offset)
		end := min(z.End(), e.offset+uint64(len(e.data)))
		copy(e.data[start-e.offset:end-e.offset], z.Data[start-z.Offset:end-z.Offset])
	})
}

// Invalidate drops every cached block overlapping [offset, offset+size).
// Blocks still being filled are marked stale instead.
func (c *Cache) Invalidate(offset, size uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	c.overlapping(offset, offset+size, func(e *entry) {
		if e.fill != nil {
			e.missedUpdate = true
			return
		}
		victims = append(victims, e)
	})
	for _, e := range victims {
		c.evict(e)
	}
}

// overlapping calls fn for each entry intersecting [start, end). Caller
// holds mu and must not mutate the offset index from fn.
func (c *Cache) overlapping(start, end uint64, fn func(*entry)) {
	if end <= start {
		return
	}
	first := start &^ (c.blockSize - 1)
	c.offsets.AscendRange(&entry{offset: first}, &entry{offset: end}, func(e *entry) bool {
		fn(e)
		return true
	})
}

// Purge drops every entry. Fills still in flight complete their readers but
// are not cached.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var all []*entry
	c.offsets.Ascend(func(e *entry) bool {
		all = append(all, e)
		return true
	})
	for _, e := range all {
		c.evict(e)
	}
}

// Size returns the bytes currently held.
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.offsets.Len()
	s.Bytes = c.size
	return s
}
