// Package blockfile implements C1 from the storage engine design: a
// fixed-size paged file with extent-based allocation and dual-slot
// checkpoint headers (spec.md §4.1).
package blockfile

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"

	"docengine/engineerr"

	"github.com/sirupsen/logrus"
)

// HeaderBlockID is the reserved block holding the FileHeader.
const HeaderBlockID uint64 = 0

// DefaultPageSize is the default fixed block size in bytes.
const DefaultPageSize uint32 = 4096

// BlockFile is a fixed-size paged file with best-fit extent allocation
// and a dual-slot checkpoint header, per spec.md §3–§4.1.
type BlockFile struct {
	mu sync.Mutex

	file     *os.File
	path     string
	pageSize uint32
	numBlock uint64 // total blocks in the file, including block 0

	activeSlot int
	slots      [slotCount]checkpointSlot

	alloc, avail, discard *extentIndex

	log *logrus.Entry
}

// Create initializes a fresh BlockFile at path: a header with both
// checkpoint slots present (slot 0 at generation 1, slot 1 at generation
// 0, both root_block_id 0) and empty extent lists, per spec.md §4.1.
func Create(path string, pageSize uint32) (*BlockFile, error) {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindIO, "create block file", err)
	}

	bf := &BlockFile{
		file:       f,
		path:       path,
		pageSize:   pageSize,
		numBlock:   1,
		activeSlot: 0,
		slots: [slotCount]checkpointSlot{
			{RootBlockID: 0, Generation: 1},
			{RootBlockID: 0, Generation: 0},
		},
		alloc:   newExtentIndex(nil),
		avail:   newExtentIndex(nil),
		discard: newExtentIndex(nil),
		log:     logrus.WithField("component", "blockfile").WithField("path", path),
	}

	if err := f.Truncate(int64(pageSize)); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.KindIO, "truncate block file", err)
	}
	if err := bf.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := bf.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	bf.log.Info("created block file")
	return bf, nil
}

// Open validates the header and selects the active checkpoint slot,
// per spec.md §4.1. Returns engineerr.KindHeaderCorrupt if both slots
// fail CRC validation.
func Open(path string) (*BlockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.KindIO, "open block file", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.KindIO, "stat block file", err)
	}

	// Read magic(8) + version(2) + page_size(4) first, so a file whose
	// page size is smaller than DefaultPageSize is not read past its end.
	prefix := make([]byte, 8+2+4)
	if _, err := f.ReadAt(prefix, 0); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.KindHeaderCorrupt, "read header block", err)
	}
	pageSize := binary.LittleEndian.Uint32(prefix[8+2:])
	headerBuf := make([]byte, pageSize)
	if _, err := f.ReadAt(headerBuf, 0); err != nil {
		f.Close()
		return nil, engineerr.Wrap(engineerr.KindHeaderCorrupt, "read header block", err)
	}

	dh, err := decodeHeader(headerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}
	activeSlot, err := selectActiveSlot(dh)
	if err != nil {
		f.Close()
		return nil, err
	}

	bf := &BlockFile{
		file:       f,
		path:       path,
		pageSize:   dh.pageSize,
		numBlock:   uint64(stat.Size()) / uint64(dh.pageSize),
		activeSlot: activeSlot,
		slots:      dh.slots,
		alloc:      newExtentIndex(dh.lists.alloc),
		avail:      newExtentIndex(dh.lists.avail),
		discard:    newExtentIndex(dh.lists.discard),
		log:        logrus.WithField("component", "blockfile").WithField("path", path),
	}
	bf.log.WithField("active_slot", activeSlot).
		WithField("generation", bf.slots[activeSlot].Generation).
		Info("opened block file")
	return bf, nil
}

// PagePayloadSize is the number of usable payload bytes per non-header
// block, i.e. the fixed block size minus the per-block CRC32 prefix.
func (bf *BlockFile) PagePayloadSize() uint32 { return bf.pageSize - blockCRCSize }

// PageSize is the fixed physical block size, including the CRC prefix.
func (bf *BlockFile) PageSize() uint32 { return bf.pageSize }

// StableRootBlockID returns the root block id recorded in the active
// checkpoint slot.
func (bf *BlockFile) StableRootBlockID() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.slots[bf.activeSlot].RootBlockID
}

// StableGeneration returns the generation of the active checkpoint slot.
func (bf *BlockFile) StableGeneration() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.slots[bf.activeSlot].Generation
}

// NumBlocks returns the number of blocks currently in the file.
func (bf *BlockFile) NumBlocks() uint64 {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.numBlock
}

// ReadBlock reads and CRC-validates a non-header block's payload.
func (bf *BlockFile) ReadBlock(id uint64) ([]byte, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.readBlockLocked(id)
}

func (bf *BlockFile) readBlockLocked(id uint64) ([]byte, error) {
	if id == HeaderBlockID || id >= bf.numBlock {
		return nil, engineerr.New(engineerr.KindIO, "block id out of range")
	}
	raw := make([]byte, bf.pageSize)
	if _, err := bf.file.ReadAt(raw, int64(id)*int64(bf.pageSize)); err != nil {
		return nil, engineerr.Wrap(engineerr.KindIO, "read block", err)
	}
	storedCRC := binary.LittleEndian.Uint32(raw[:blockCRCSize])
	payload := raw[blockCRCSize:]
	if crc32.ChecksumIEEE(payload) != storedCRC {
		return nil, engineerr.New(engineerr.KindCorruption, "page CRC mismatch")
	}
	return payload, nil
}

// WriteBlock writes payload (must be PagePayloadSize() bytes) to block
// id, recomputing its CRC. Never used for ids reachable from the stable
// root — callers are expected to have already copy-on-written such pages.
func (bf *BlockFile) WriteBlock(id uint64, payload []byte) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.writeBlockLocked(id, payload)
}

func (bf *BlockFile) writeBlockLocked(id uint64, payload []byte) error {
	if id == HeaderBlockID || id >= bf.numBlock {
		return engineerr.New(engineerr.KindIO, "block id out of range")
	}
	if uint32(len(payload)) != bf.PagePayloadSize() {
		return engineerr.New(engineerr.KindIO, "payload size mismatch")
	}
	raw := make([]byte, bf.pageSize)
	binary.LittleEndian.PutUint32(raw[:blockCRCSize], crc32.ChecksumIEEE(payload))
	copy(raw[blockCRCSize:], payload)
	if _, err := bf.file.WriteAt(raw, int64(id)*int64(bf.pageSize)); err != nil {
		return engineerr.Wrap(engineerr.KindIO, "write block", err)
	}
	return nil
}

// AllocateExtent allocates a run of sizeBlocks contiguous blocks,
// best-fit from avail or by extending the file, and returns it as an
// Extent whose Offset is the first block id, per spec.md §4.1.
func (bf *BlockFile) AllocateExtent(sizeBlocks uint64) (Extent, error) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.allocateExtentLocked(sizeBlocks)
}

func (bf *BlockFile) allocateExtentLocked(sizeBlocks uint64) (Extent, error) {
	if sizeBlocks == 0 {
		return Extent{}, engineerr.New(engineerr.KindIO, "zero-length extent")
	}

	if candidate, ok := bf.avail.bestFit(sizeBlocks); ok {
		bf.avail.remove(candidate)
		allocated := Extent{Offset: candidate.Offset, Size: sizeBlocks, Generation: bf.slots[bf.activeSlot].Generation}
		if remainder := candidate.Size - sizeBlocks; remainder > 0 {
			bf.avail.insert(Extent{Offset: candidate.Offset + sizeBlocks, Size: remainder, Generation: candidate.Generation})
		}
		bf.alloc.insert(allocated)
		return allocated, nil
	}

	newOffset := bf.numBlock
	newLen := (newOffset + sizeBlocks) * uint64(bf.pageSize)
	if err := bf.file.Truncate(int64(newLen)); err != nil {
		return Extent{}, engineerr.Wrap(engineerr.KindIO, "extend block file", err)
	}
	bf.numBlock += sizeBlocks
	allocated := Extent{Offset: newOffset, Size: sizeBlocks, Generation: bf.slots[bf.activeSlot].Generation}
	bf.alloc.insert(allocated)
	return allocated, nil
}

// Preallocate extends the file by n blocks into avail without allocating
// them, per the preallocate_pages config option.
func (bf *BlockFile) Preallocate(n uint64) error {
	if n == 0 {
		return nil
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()

	newOffset := bf.numBlock
	newLen := (newOffset + n) * uint64(bf.pageSize)
	if err := bf.file.Truncate(int64(newLen)); err != nil {
		return engineerr.Wrap(engineerr.KindIO, "preallocate block file", err)
	}
	bf.numBlock += n
	bf.avail.insertCoalesced(Extent{Offset: newOffset, Size: n, Generation: bf.slots[bf.activeSlot].Generation})
	return bf.writeHeaderLocked()
}

// FreeExtent retires a run of blocks reachable from the working root but
// no longer needed, pushing it onto discard with the generation the next
// checkpoint will make stable — it becomes reusable once that checkpoint
// itself commits (spec.md §3, §4.2 COW invariant 4).
func (bf *BlockFile) FreeExtent(id uint64, size uint64) error {
	if size == 0 {
		return nil
	}
	bf.mu.Lock()
	defer bf.mu.Unlock()

	nextGen := bf.slots[bf.activeSlot].Generation + 1
	bf.alloc.remove(Extent{Offset: id, Size: size})
	bf.discard.insert(Extent{Offset: id, Size: size, Generation: nextGen})
	return nil
}

// CommitCheckpoint atomically publishes newRoot as the new stable root:
// it writes the inactive slot, syncs, flips the active slot in memory,
// and reclaims discarded extents retired at or before the new generation
// back into avail (spec.md §4.1, §8 invariant 5).
func (bf *BlockFile) CommitCheckpoint(newRoot uint64) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	currentGen := bf.slots[bf.activeSlot].Generation
	nextGen := currentGen + 1
	if nextGen == 0 {
		nextGen = 1
	}
	nextSlot := (bf.activeSlot + 1) % slotCount
	bf.slots[nextSlot] = checkpointSlot{RootBlockID: newRoot, Generation: nextGen}
	bf.activeSlot = nextSlot

	if err := bf.writeHeaderLocked(); err != nil {
		return err
	}
	if err := bf.syncLocked(); err != nil {
		return err
	}

	bf.reclaimDiscardedLocked(nextGen)
	if err := bf.writeHeaderLocked(); err != nil {
		return err
	}
	bf.log.WithField("generation", nextGen).WithField("root", newRoot).Info("checkpoint committed")
	return nil
}

// reclaimDiscardedLocked moves every discard extent whose generation is
// at or before stableGen into avail, coalescing adjacent runs.
func (bf *BlockFile) reclaimDiscardedLocked(stableGen uint64) {
	remaining := newExtentIndex(nil)
	for _, e := range bf.discard.values() {
		if e.Generation <= stableGen {
			bf.avail.insertCoalesced(Extent{Offset: e.Offset, Size: e.Size, Generation: stableGen})
		} else {
			remaining.insert(e)
		}
	}
	bf.discard = remaining
}

func (bf *BlockFile) writeHeader() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.writeHeaderLocked()
}

func (bf *BlockFile) writeHeaderLocked() error {
	payload, err := encodeHeader(bf.pageSize, bf.slots, extentLists{
		alloc:   bf.alloc.values(),
		avail:   bf.avail.values(),
		discard: bf.discard.values(),
	})
	if err != nil {
		return err
	}
	if _, err := bf.file.WriteAt(payload, 0); err != nil {
		return engineerr.Wrap(engineerr.KindIO, "write header block", err)
	}
	return nil
}

// Sync fsyncs the underlying file.
func (bf *BlockFile) Sync() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.syncLocked()
}

func (bf *BlockFile) syncLocked() error {
	return fullSync(bf.file)
}

func wrapSyncErr(err error) error {
	if err == nil {
		return nil
	}
	return engineerr.Wrap(engineerr.KindIO, "fsync block file", err)
}

// Close syncs and closes the underlying file.
func (bf *BlockFile) Close() error {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if err := bf.syncLocked(); err != nil {
		return err
	}
	if err := bf.file.Close(); err != nil {
		return engineerr.Wrap(engineerr.KindIO, "close block file", err)
	}
	return nil
}

// Stats is a debugging snapshot of the file's extent accounting.
type Stats struct {
	NumBlocks      uint64
	AllocExtents   int
	AvailExtents   int
	DiscardExtents int
	Generation     uint64
}

// Stats returns a snapshot of current allocation accounting.
func (bf *BlockFile) Stats() Stats {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return Stats{
		NumBlocks:      bf.numBlock,
		AllocExtents:   bf.alloc.len(),
		AvailExtents:   bf.avail.len(),
		DiscardExtents: bf.discard.len(),
		Generation:     bf.slots[bf.activeSlot].Generation,
	}
}
