// Package pager implements C2 from the storage engine design: the
// page cache and copy-on-write page manager sitting on top of a
// blockfile.BlockFile (spec.md §4.2).
package pager

import (
	"docengine/blockfile"
	"docengine/config"
	"docengine/engineerr"

	"github.com/sirupsen/logrus"
)

// NoPage marks the absence of a page, e.g. an empty tree's root.
const NoPage uint64 = 0

// PinnedPage is a read-only pinned page: payload is a private copy
// safe for the caller to read without holding any lock.
type PinnedPage struct {
	pageID  uint64
	payload []byte
}

func (p PinnedPage) PageID() uint64  { return p.pageID }
func (p PinnedPage) Payload() []byte { return p.payload }

// PinnedPageMut is a pinned page open for mutation. If originalPageID
// is set, payload was copy-on-write cloned from that page id and
// pageID is a brand new block — committing or aborting the mutation
// resolves which block id survives.
type PinnedPageMut struct {
	pageID         uint64
	payload        []byte
	originalPageID *uint64
}

func (p *PinnedPageMut) PageID() uint64  { return p.pageID }
func (p *PinnedPageMut) Payload() []byte { return p.payload }

// Pager manages the working (mutable) view of a B+ tree backed by a
// blockfile.BlockFile: a bounded page cache, copy-on-write cloning of
// stable pages on first mutation, and checkpoint-driven publication of
// a new root (spec.md §4.2).
type Pager struct {
	bf *blockfile.BlockFile

	workingRoot  uint64
	workingPages map[uint64]struct{}
	cache        *pageCache

	updatesSinceCheckpoint uint64
	checkpointAfterUpdates *uint64

	log *logrus.Entry
}

func newPager(bf *blockfile.BlockFile, cfg config.Config) *Pager {
	return &Pager{
		bf:                     bf,
		workingRoot:            bf.StableRootBlockID(),
		workingPages:           make(map[uint64]struct{}),
		cache:                  newPageCache(int(cfg.CacheCapacityPages)),
		checkpointAfterUpdates: cfg.CheckpointAfterUpdates,
		log:                    logrus.WithField("component", "pager"),
	}
}

// Create formats a new blockfile at path and wraps it in a Pager.
func Create(path string, pageSize uint32, cfg config.Config) (*Pager, error) {
	bf, err := blockfile.Create(path, pageSize)
	if err != nil {
		return nil, err
	}
	if cfg.PreallocatePages > 0 {
		if err := bf.Preallocate(uint64(cfg.PreallocatePages)); err != nil {
			bf.Close()
			return nil, err
		}
	}
	return newPager(bf, cfg), nil
}

// Open reopens an existing blockfile and wraps it in a Pager.
func Open(path string, cfg config.Config) (*Pager, error) {
	bf, err := blockfile.Open(path)
	if err != nil {
		return nil, err
	}
	return newPager(bf, cfg), nil
}

func (p *Pager) PagePayloadSize() int { return int(p.bf.PagePayloadSize()) }

// RootPageID is the working root — the root of the tree as mutated by
// the in-flight transaction, which may differ from the durable,
// checkpointed root until the next Checkpoint.
func (p *Pager) RootPageID() uint64 { return p.workingRoot }

func (p *Pager) SetRootPageID(id uint64) { p.workingRoot = id }

// StableRootPageID is the last checkpointed root, the one recovery
// would see after a crash.
func (p *Pager) StableRootPageID() uint64 { return p.bf.StableRootBlockID() }

// RequestCheckpointAfterUpdates sets (or clears, with 0) the mutation
// count threshold after which CheckpointDue reports true.
func (p *Pager) RequestCheckpointAfterUpdates(n uint64) {
	if n == 0 {
		p.checkpointAfterUpdates = nil
		return
	}
	p.checkpointAfterUpdates = &n
}

func (p *Pager) CheckpointDue() bool {
	return p.checkpointAfterUpdates != nil && p.updatesSinceCheckpoint >= *p.checkpointAfterUpdates
}

// PinPage pins a page for read-only access, loading it from disk on a
// cache miss.
func (p *Pager) PinPage(pageID uint64) (PinnedPage, error) {
	payload, err := p.loadPageAndPin(pageID)
	if err != nil {
		return PinnedPage{}, err
	}
	return PinnedPage{pageID: pageID, payload: payload}, nil
}

func (p *Pager) UnpinPage(pageID uint64) {
	if err := p.cache.unpin(pageID); err != nil {
		p.log.WithError(err).WithField("page_id", pageID).Warn("unpin on untracked page")
	}
}

// PinPageMut pins a page for mutation. If pageID is already a page
// this transaction created (tracked in workingPages), it is mutated
// in place. Otherwise it is a stable page being touched for the first
// time since the last checkpoint: it is copy-on-write cloned into a
// freshly allocated block, and the original is left untouched until
// the caller commits or aborts (spec.md §4.2 COW invariants).
func (p *Pager) PinPageMut(pageID uint64) (*PinnedPageMut, error) {
	if _, ok := p.workingPages[pageID]; ok {
		payload, err := p.loadPageAndPin(pageID)
		if err != nil {
			return nil, err
		}
		return &PinnedPageMut{pageID: pageID, payload: payload}, nil
	}

	payload, err := p.loadCOWPayload(pageID)
	if err != nil {
		return nil, err
	}
	if err := p.evictCacheIfFull(); err != nil {
		return nil, err
	}
	newPageID, err := p.allocatePage()
	if err != nil {
		return nil, err
	}
	clone := make([]byte, len(payload))
	copy(clone, payload)
	entry := p.cache.insert(newPageID, clone)
	entry.pinCount = 1
	p.workingPages[newPageID] = struct{}{}

	original := pageID
	return &PinnedPageMut{pageID: newPageID, payload: clone, originalPageID: &original}, nil
}

// UnpinPageMutCommit accepts page's (possibly modified) payload as
// durable for its page id, marks the entry dirty, and if this was a
// copy-on-write clone, retires the page it was cloned from.
func (p *Pager) UnpinPageMutCommit(page *PinnedPageMut) error {
	entry, ok := p.cache.get(page.pageID)
	if !ok {
		return engineerr.New(engineerr.KindNotFound, "page cache miss on commit")
	}
	if entry.pinCount == 0 {
		return engineerr.New(engineerr.KindCorruption, "page cache pin underflow on commit")
	}
	entry.payload = page.payload
	entry.dirty = true
	entry.pinCount--
	if page.originalPageID != nil {
		if err := p.retirePage(*page.originalPageID); err != nil {
			return err
		}
	}
	p.updatesSinceCheckpoint++
	return nil
}

// UnpinPageMutAbort discards a mutation. For a copy-on-write clone,
// the freshly allocated block is dropped entirely — it was never
// reachable from any root.
func (p *Pager) UnpinPageMutAbort(page *PinnedPageMut) error {
	entry, ok := p.cache.get(page.pageID)
	if !ok {
		return engineerr.New(engineerr.KindNotFound, "page cache miss on abort")
	}
	if entry.pinCount == 0 {
		return engineerr.New(engineerr.KindCorruption, "page cache pin underflow on abort")
	}
	entry.pinCount--
	if page.originalPageID != nil {
		removeEntry := entry.pinCount == 0
		delete(p.workingPages, page.pageID)
		if removeEntry {
			p.cache.remove(page.pageID)
		}
		if err := p.retirePage(page.pageID); err != nil {
			return err
		}
	}
	return nil
}

// WriteNewPage allocates a fresh page, writes payload to it directly
// (bypassing the cache), and tracks it as a working page. Used for the
// brand-new pages a split produces.
func (p *Pager) WriteNewPage(payload []byte) (uint64, error) {
	pageID, err := p.allocatePage()
	if err != nil {
		return 0, err
	}
	p.workingPages[pageID] = struct{}{}
	if err := p.bf.WriteBlock(pageID, payload); err != nil {
		return 0, err
	}
	return pageID, nil
}

func (p *Pager) allocatePage() (uint64, error) {
	e, err := p.bf.AllocateExtent(1)
	if err != nil {
		return 0, err
	}
	return e.Offset, nil
}

func (p *Pager) retirePage(pageID uint64) error {
	return p.bf.FreeExtent(pageID, 1)
}

func (p *Pager) loadPageAndPin(pageID uint64) ([]byte, error) {
	if !p.cache.contains(pageID) {
		if err := p.evictCacheIfFull(); err != nil {
			return nil, err
		}
	}
	return p.cache.loadAndPin(pageID, p.bf.ReadBlock)
}

func (p *Pager) loadCOWPayload(pageID uint64) ([]byte, error) {
	return p.cache.loadCOWPayload(pageID, p.bf.ReadBlock)
}

func (p *Pager) evictCacheIfFull() error {
	return p.cache.evictIfFull(p.bf.WriteBlock)
}

// FlushCache writes every dirty cached page back to the blockfile.
func (p *Pager) FlushCache() error {
	return p.cache.flush(p.bf.WriteBlock)
}

// Checkpoint flushes the cache and publishes the working root as the
// new stable root, then reclaims any extents retired at or before the
// resulting generation (spec.md §4.1, §4.2).
func (p *Pager) Checkpoint() error {
	root := p.workingRoot
	if err := p.FlushCache(); err != nil {
		return err
	}
	if err := p.bf.CommitCheckpoint(root); err != nil {
		return err
	}
	if err := p.bf.Sync(); err != nil {
		return err
	}
	p.workingPages = make(map[uint64]struct{})
	p.updatesSinceCheckpoint = 0
	return nil
}

// Close flushes and closes the underlying blockfile.
func (p *Pager) Close() error {
	if err := p.FlushCache(); err != nil {
		return err
	}
	return p.bf.Close()
}

// BlockFile exposes the underlying blockfile for components (recovery,
// Connection.Stats) that need block-level accounting alongside page
// semantics.
func (p *Pager) BlockFile() *blockfile.BlockFile { return p.bf }

// Stats is a debugging snapshot of page cache occupancy.
type Stats struct {
	CachePages    int
	CacheCapacity int
	DirtyPages    int
}

func (p *Pager) Stats() Stats {
	return Stats{
		CachePages:    p.cache.len(),
		CacheCapacity: p.cache.capacity,
		DirtyPages:    p.cache.dirtyCount(),
	}
}
