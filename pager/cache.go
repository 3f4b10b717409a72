package pager

import "docengine/engineerr"

// cacheEntry mirrors a single resident page: its payload, dirty bit,
// pin count, and an access counter used for LRU eviction (spec.md §4.2
// "Page Cache").
type cacheEntry struct {
	pageID     uint64
	payload    []byte
	dirty      bool
	pinCount   uint32
	lastAccess uint64
}

// pageCache is the bounded, pin-aware page cache underlying the Pager.
// It deliberately is not backed by ristretto (see SPEC_FULL.md's
// domain-stack notes): admission/eviction here must never evict a
// pinned page, a guarantee a generic cache library can't make, so the
// LRU bookkeeping is hand-rolled the way the teacher's BufferPool does
// it.
type pageCache struct {
	capacity      int
	entries       map[uint64]*cacheEntry
	accessCounter uint64
}

func newPageCache(capacity int) *pageCache {
	return &pageCache{capacity: capacity, entries: make(map[uint64]*cacheEntry, capacity)}
}

func (c *pageCache) len() int      { return len(c.entries) }
func (c *pageCache) isFull() bool  { return c.len() >= c.capacity }
func (c *pageCache) dirtyCount() int {
	n := 0
	for _, e := range c.entries {
		if e.dirty {
			n++
		}
	}
	return n
}
func (c *pageCache) contains(id uint64) bool {
	_, ok := c.entries[id]
	return ok
}

func (c *pageCache) nextAccess() uint64 {
	c.accessCounter++
	return c.accessCounter
}

func (c *pageCache) get(id uint64) (*cacheEntry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

func (c *pageCache) touch(id uint64) (*cacheEntry, bool) {
	e, ok := c.entries[id]
	if ok {
		e.lastAccess = c.nextAccess()
	}
	return e, ok
}

func (c *pageCache) insert(id uint64, payload []byte) *cacheEntry {
	e := &cacheEntry{pageID: id, payload: payload, lastAccess: c.nextAccess()}
	c.entries[id] = e
	return e
}

func (c *pageCache) remove(id uint64) (*cacheEntry, bool) {
	e, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
	}
	return e, ok
}

func (c *pageCache) pin(id uint64) error {
	e, ok := c.touch(id)
	if !ok {
		return engineerr.New(engineerr.KindNotFound, "page cache miss")
	}
	e.pinCount++
	return nil
}

func (c *pageCache) unpin(id uint64) error {
	e, ok := c.entries[id]
	if !ok {
		return engineerr.New(engineerr.KindNotFound, "page cache miss")
	}
	if e.pinCount == 0 {
		return engineerr.New(engineerr.KindCorruption, "page cache pin underflow")
	}
	e.pinCount--
	return nil
}

// lruUnpinned returns the page id of the least recently used entry
// with a zero pin count, or (0, false) if every resident page is
// pinned.
func (c *pageCache) lruUnpinned() (uint64, bool) {
	var best uint64
	var bestAccess uint64
	found := false
	for id, e := range c.entries {
		if e.pinCount > 0 {
			continue
		}
		if !found || e.lastAccess < bestAccess {
			best, bestAccess, found = id, e.lastAccess, true
		}
	}
	return best, found
}

func (c *pageCache) evictLRU() (*cacheEntry, bool, error) {
	if c.len() == 0 {
		return nil, false, nil
	}
	id, ok := c.lruUnpinned()
	if !ok {
		return nil, false, engineerr.New(engineerr.KindCachePressure, "page cache eviction failed: all pages pinned")
	}
	e, _ := c.remove(id)
	return e, true, nil
}

// loadAndPin returns id's payload, pinning it. On a cache miss it
// calls readFn and inserts the result with pin count 1.
func (c *pageCache) loadAndPin(id uint64, readFn func(uint64) ([]byte, error)) ([]byte, error) {
	if c.contains(id) {
		if err := c.pin(id); err != nil {
			return nil, err
		}
		e, _ := c.get(id)
		out := make([]byte, len(e.payload))
		copy(out, e.payload)
		return out, nil
	}
	payload, err := readFn(id)
	if err != nil {
		return nil, err
	}
	e := c.insert(id, payload)
	e.pinCount = 1
	return payload, nil
}

// loadCOWPayload returns id's payload without pinning, preferring the
// cached copy over a disk read.
func (c *pageCache) loadCOWPayload(id uint64, readFn func(uint64) ([]byte, error)) ([]byte, error) {
	if e, ok := c.touch(id); ok {
		out := make([]byte, len(e.payload))
		copy(out, e.payload)
		return out, nil
	}
	return readFn(id)
}

// evictIfFull evicts the LRU unpinned entry when the cache is at
// capacity, writing it back first if dirty.
func (c *pageCache) evictIfFull(writeFn func(uint64, []byte) error) error {
	if !c.isFull() {
		return nil
	}
	e, ok, err := c.evictLRU()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.dirty {
		if err := writeFn(e.pageID, e.payload); err != nil {
			c.entries[e.pageID] = e
			return err
		}
	}
	return nil
}

// flush writes every dirty, unpinned entry back via writeFn. A dirty
// pinned entry is a caller bug — a transaction left mutating a page
// while a checkpoint tried to flush it — and is reported rather than
// silently skipped.
func (c *pageCache) flush(writeFn func(uint64, []byte) error) error {
	for id, e := range c.entries {
		if !e.dirty {
			continue
		}
		if e.pinCount > 0 {
			return engineerr.New(engineerr.KindCachePressure, "cannot flush dirty pinned page")
		}
		if err := writeFn(id, e.payload); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}
